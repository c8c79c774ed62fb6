/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package workflow defines and executes multi-phase automation workflows
// across a set of pooled devices chosen by a named coordination strategy.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/devicefleet/pkg/clockwork"
	"github.com/carverauto/devicefleet/pkg/events"
	"github.com/carverauto/devicefleet/pkg/logger"
	"github.com/carverauto/devicefleet/pkg/models"
	"github.com/carverauto/devicefleet/pkg/store"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrUnknownStrategy  = errors.New("unknown coordination strategy")

	// ErrPhaseExecutionFailed wraps any phase error; it fails the whole
	// workflow without rolling back prior phases' recorded statistics.
	ErrPhaseExecutionFailed = errors.New("phase execution failed")

	errNoPhases    = errors.New("workflow has no phases")
	errNoDevices   = errors.New("workflow has no devices")
	errNoPlatforms = errors.New("workflow has no target platforms")
	errAlreadyRuns = errors.New("workflow is already running")
)

const (
	defaultInterPhasePause = 30 * time.Second
	defaultScanInterval    = 30 * time.Second

	// repeatInterval is the minimum elapsed time before a repeat-daily
	// workflow returns to the scheduled state.
	repeatInterval = 24 * time.Hour
)

// Config tunes the orchestrator.
type Config struct {
	InterPhasePause models.Duration `json:"inter_phase_pause,omitempty"`
	ScanInterval    models.Duration `json:"scan_interval,omitempty"`
	Seed            int64           `json:"seed,omitempty"`
}

func (c *Config) withDefaults() Config {
	out := *c

	if out.InterPhasePause <= 0 {
		out.InterPhasePause = models.Duration(defaultInterPhasePause)
	}

	if out.ScanInterval <= 0 {
		out.ScanInterval = models.Duration(defaultScanInterval)
	}

	return out
}

// Deps are the collaborators the orchestrator is constructed with. The
// orchestrator never mutates device state directly: it only issues
// allocation requests and reads device and session identifiers.
type Deps struct {
	Allocator   Allocator
	Sessions    SessionReleaser
	Devices     DeviceReader
	Watcher     ContentWatchingService
	Poster      PostingService
	Engager     EngagementService
	ConfigStore store.WorkflowConfigStore
	ReportStore store.WorkflowReportStore
	Publisher   events.Publisher
	Clock       clockwork.Clock
}

// Definition is the caller-supplied workflow configuration.
type Definition struct {
	Name      string            `json:"name"`
	DeviceIDs []string          `json:"device_ids"`
	Platforms []models.Platform `json:"platforms"`
	Schedule  models.Schedule   `json:"schedule"`
	Phases    []models.Phase    `json:"phases"`
	Strategy  string            `json:"strategy,omitempty"`
}

type entry struct {
	wf     *models.Workflow
	cancel context.CancelFunc
	resume chan struct{}

	postsByPlatform map[models.Platform]int64
}

// Orchestrator advances a per-workflow state machine and aggregates
// statistics from constituent sessions.
type Orchestrator struct {
	deps   Deps
	clock  clockwork.Clock
	logger logger.Logger
	config Config

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	workflows map[string]*entry
	baseCtx   context.Context

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func New(deps Deps, config Config, log logger.Logger) *Orchestrator {
	if deps.Publisher == nil {
		deps.Publisher = events.Noop()
	}

	if deps.Clock == nil {
		deps.Clock = clockwork.Real()
	}

	cfg := config.withDefaults()

	seed := cfg.Seed
	if seed == 0 {
		seed = deps.Clock.Now().UnixNano()
	}

	return &Orchestrator{
		deps:      deps,
		clock:     deps.Clock,
		logger:    log,
		config:    cfg,
		rng:       rand.New(rand.NewSource(seed)),
		workflows: make(map[string]*entry),
		baseCtx:   context.Background(),
		done:      make(chan struct{}),
	}
}

// LoadPersisted restores workflow definitions from the config store.
// Workflows persisted mid-run are reset to scheduled so the scan loop
// restarts them cleanly.
func (o *Orchestrator) LoadPersisted(ctx context.Context) error {
	workflows, err := o.deps.ConfigStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted workflows: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, wf := range workflows {
		if wf.Status == models.WorkflowRunning || wf.Status == models.WorkflowPaused {
			wf.Status = models.WorkflowScheduled
		}

		// The store is external input: a workflow persisted with a strategy
		// this build does not know must never reach the runner.
		if wf.Strategy == "" {
			wf.Strategy = "default"
		}

		if _, ok := builtinStrategies[wf.Strategy]; !ok {
			wf.Status = models.WorkflowFailed
			wf.FailureReason = fmt.Sprintf("%s: %s", ErrUnknownStrategy, wf.Strategy)

			o.logger.Warn().
				Str("workflow_id", wf.WorkflowID).
				Str("strategy", wf.Strategy).
				Msg("Restored workflow has an unknown strategy")
		}

		o.workflows[wf.WorkflowID] = &entry{
			wf:              wf,
			postsByPlatform: make(map[models.Platform]int64),
		}
	}

	o.logger.Info().Int("count", len(workflows)).Msg("Restored persisted workflows")

	return nil
}

// CreateWorkflow registers a new workflow in the scheduled state.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, def Definition) (string, error) {
	if len(def.Phases) == 0 {
		return "", errNoPhases
	}

	if len(def.DeviceIDs) == 0 {
		return "", errNoDevices
	}

	if len(def.Platforms) == 0 {
		return "", errNoPlatforms
	}

	strategyName := def.Strategy
	if strategyName == "" {
		strategyName = "default"
	}

	if _, ok := builtinStrategies[strategyName]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyName)
	}

	now := o.clock.Now()

	schedule := def.Schedule
	if schedule.Start.IsZero() {
		schedule.Start = now
	}

	wf := &models.Workflow{
		WorkflowID: uuid.New().String(),
		Name:       def.Name,
		DeviceIDs:  append([]string(nil), def.DeviceIDs...),
		Platforms:  append([]models.Platform(nil), def.Platforms...),
		Schedule:   schedule,
		Phases:     append([]models.Phase(nil), def.Phases...),
		Strategy:   strategyName,
		Status:     models.WorkflowScheduled,
		Stats:      models.WorkflowStats{NextRun: schedule.Start},
		CreatedAt:  now,
	}

	if err := o.deps.ConfigStore.Save(ctx, wf); err != nil {
		return "", fmt.Errorf("failed to persist workflow: %w", err)
	}

	o.mu.Lock()
	o.workflows[wf.WorkflowID] = &entry{
		wf:              wf,
		postsByPlatform: make(map[models.Platform]int64),
	}
	o.mu.Unlock()

	o.logger.Info().
		Str("workflow_id", wf.WorkflowID).
		Str("name", wf.Name).
		Str("strategy", strategyName).
		Msg("Workflow created")

	return wf.WorkflowID, nil
}

// GetWorkflow returns a copy of the workflow state.
func (o *Orchestrator) GetWorkflow(id string) (*models.Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}

	return e.wf.Clone(), nil
}

// ListWorkflows returns copies of all known workflows.
func (o *Orchestrator) ListWorkflows() []*models.Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*models.Workflow, 0, len(o.workflows))
	for _, e := range o.workflows {
		out = append(out, e.wf.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// StartWorkflow launches a scheduled workflow immediately.
func (o *Orchestrator) StartWorkflow(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.workflows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}

	if e.cancel != nil {
		return fmt.Errorf("%w: %s", errAlreadyRuns, id)
	}

	if e.wf.Status != models.WorkflowScheduled {
		return fmt.Errorf("%w: %s is %s", errAlreadyRuns, id, e.wf.Status)
	}

	o.launchLocked(e)

	return nil
}

// PauseWorkflow halts progression to the next phase. The phase in flight is
// not interrupted.
func (o *Orchestrator) PauseWorkflow(id string) bool {
	o.mu.Lock()

	e, ok := o.workflows[id]
	if !ok || e.wf.Status != models.WorkflowRunning {
		o.mu.Unlock()
		return false
	}

	prev := e.wf.Status
	e.wf.Status = models.WorkflowPaused
	e.resume = make(chan struct{})
	snapshot := e.wf.Clone()
	o.mu.Unlock()

	o.announce(snapshot.WorkflowID, prev, models.WorkflowPaused, "paused")
	o.persist(snapshot)

	return true
}

// ResumeWorkflow lets a paused workflow continue with its next phase.
func (o *Orchestrator) ResumeWorkflow(id string) bool {
	o.mu.Lock()

	e, ok := o.workflows[id]
	if !ok || e.wf.Status != models.WorkflowPaused {
		o.mu.Unlock()
		return false
	}

	prev := e.wf.Status
	e.wf.Status = models.WorkflowRunning

	if e.resume != nil {
		close(e.resume)
		e.resume = nil
	}

	snapshot := e.wf.Clone()
	o.mu.Unlock()

	o.announce(snapshot.WorkflowID, prev, models.WorkflowRunning, "resumed")
	o.persist(snapshot)

	return true
}

// StopWorkflow cancels pending phase waits, force-releases any sessions the
// workflow still holds and deletes the workflow.
func (o *Orchestrator) StopWorkflow(ctx context.Context, id string) bool {
	o.mu.Lock()

	e, ok := o.workflows[id]
	if !ok {
		o.mu.Unlock()
		return false
	}

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	if e.resume != nil {
		close(e.resume)
		e.resume = nil
	}

	prev := e.wf.Status
	delete(o.workflows, id)
	o.mu.Unlock()

	released := o.deps.Sessions.ReleaseByWorkflow(ctx, id)
	if len(released) > 0 {
		o.logger.Info().
			Str("workflow_id", id).
			Int("sessions", len(released)).
			Msg("Force-released sessions for stopped workflow")
	}

	if err := o.deps.ConfigStore.Delete(ctx, id); err != nil {
		o.logger.Warn().Err(err).Str("workflow_id", id).Msg("Failed to delete stopped workflow")
	}

	o.announce(id, prev, models.WorkflowCompleted, "stopped")

	return true
}

// Start implements the lifecycle.Service interface: the scan loop launches
// workflows whose window has opened and reschedules repeat-daily workflows.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	ticker := o.clock.Ticker(time.Duration(o.config.ScanInterval))
	defer ticker.Stop()

	o.logger.Info().
		Dur("scan_interval", time.Duration(o.config.ScanInterval)).
		Msg("Starting workflow orchestrator")

	o.Scan()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.done:
			return nil
		case <-ticker.Chan():
			o.Scan()
		}
	}
}

// Stop implements the lifecycle.Service interface. Running workflows are
// canceled and their sessions force-released.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.closeOnce.Do(func() {
		close(o.done)
	})

	o.mu.Lock()

	var ids []string

	for id, e := range o.workflows {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
			ids = append(ids, id)
		}
	}

	o.mu.Unlock()

	o.wg.Wait()

	for _, id := range ids {
		o.deps.Sessions.ReleaseByWorkflow(ctx, id)
	}

	return nil
}

// Scan runs one pass of the schedule loop.
func (o *Orchestrator) Scan() {
	now := o.clock.Now()

	var rescheduled []*models.Workflow

	o.mu.Lock()

	for _, e := range o.workflows {
		switch e.wf.Status {
		case models.WorkflowScheduled:
			if e.cancel != nil {
				continue
			}

			due := e.wf.Stats.NextRun
			if due.IsZero() {
				due = e.wf.Schedule.Start
			}

			if now.Before(due) {
				continue
			}

			if !e.wf.Schedule.End.IsZero() && now.After(e.wf.Schedule.End) {
				continue
			}

			o.launchLocked(e)
		case models.WorkflowCompleted:
			if e.wf.Schedule.RepeatDaily && now.Sub(e.wf.Stats.LastRun) >= repeatInterval {
				e.wf.Status = models.WorkflowScheduled
				e.wf.Stats.NextRun = nextDailyRun(e.wf.Schedule.Start, now)

				o.logger.Info().
					Str("workflow_id", e.wf.WorkflowID).
					Time("next_run", e.wf.Stats.NextRun).
					Msg("Repeat-daily workflow rescheduled")

				rescheduled = append(rescheduled, e.wf.Clone())
			}
		}
	}

	o.mu.Unlock()

	for _, snapshot := range rescheduled {
		o.persist(snapshot)
	}
}

// nextDailyRun keeps the original start's time of day, advanced past now.
func nextDailyRun(start, now time.Time) time.Time {
	next := start
	for !next.After(now) {
		next = next.Add(repeatInterval)
	}

	return next
}

// launchLocked spawns the runner goroutine. Caller holds o.mu.
func (o *Orchestrator) launchLocked(e *entry) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	e.cancel = cancel

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		o.run(ctx, e)
	}()
}

// run executes one full pass over the workflow's phases.
func (o *Orchestrator) run(ctx context.Context, e *entry) {
	o.mu.Lock()
	prev := e.wf.Status
	e.wf.Status = models.WorkflowRunning
	e.wf.Stats.Runs++
	e.wf.Stats.LastRun = o.clock.Now()
	strategy := builtinStrategies[e.wf.Strategy]
	phases := append([]models.Phase(nil), e.wf.Phases...)
	snapshot := e.wf.Clone()
	o.mu.Unlock()

	o.announce(snapshot.WorkflowID, prev, models.WorkflowRunning, "run started")
	o.persist(snapshot)

	for i, phase := range phases {
		if i > 0 {
			// Fixed pause between phases so bursts never run back to back.
			if err := clockwork.Sleep(ctx, o.clock, time.Duration(o.config.InterPhasePause)); err != nil {
				return
			}
		}

		if err := o.waitResume(ctx, e); err != nil {
			return
		}

		if err := o.executePhase(ctx, e, phase, strategy); err != nil {
			if ctx.Err() != nil {
				return
			}

			o.fail(e, phase.Type, err)

			return
		}
	}

	o.complete(e)
}

// waitResume blocks while the workflow is paused.
func (o *Orchestrator) waitResume(ctx context.Context, e *entry) error {
	for {
		o.mu.Lock()
		paused := e.wf.Status == models.WorkflowPaused
		resume := e.resume
		o.mu.Unlock()

		if !paused {
			return ctx.Err()
		}

		if resume == nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

func (o *Orchestrator) fail(e *entry, phase models.PhaseType, phaseErr error) {
	id := e.wf.WorkflowID

	released := o.deps.Sessions.ReleaseByWorkflow(context.Background(), id)
	if len(released) > 0 {
		o.logger.Info().
			Str("workflow_id", id).
			Int("sessions", len(released)).
			Msg("Force-released sessions for failed workflow")
	}

	o.mu.Lock()
	prev := e.wf.Status
	e.wf.Status = models.WorkflowFailed
	e.wf.FailureReason = fmt.Sprintf("%s phase: %v", phase, phaseErr)

	// Release the run's child context; it is registered on the long-lived
	// base context and would otherwise outlive the run.
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	snapshot := e.wf.Clone()
	o.mu.Unlock()

	o.logger.Error().Err(phaseErr).
		Str("workflow_id", id).
		Str("phase", string(phase)).
		Msg("Workflow failed")

	o.announce(id, prev, models.WorkflowFailed, snapshot.FailureReason)
	o.persist(snapshot)
}

func (o *Orchestrator) complete(e *entry) {
	o.mu.Lock()
	prev := e.wf.Status
	e.wf.Status = models.WorkflowCompleted
	e.wf.Stats.Successes++

	if e.wf.Schedule.RepeatDaily {
		e.wf.Stats.NextRun = nextDailyRun(e.wf.Schedule.Start, o.clock.Now())
	}

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	snapshot := e.wf.Clone()
	o.mu.Unlock()

	o.logger.Info().Str("workflow_id", snapshot.WorkflowID).Msg("Workflow completed")

	o.announce(snapshot.WorkflowID, prev, models.WorkflowCompleted, "all phases completed")
	o.persist(snapshot)
}

// foldStats applies a statistics update under the orchestrator lock.
func (o *Orchestrator) foldStats(e *entry, apply func(*models.WorkflowStats)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	apply(&e.wf.Stats)
}

// persist saves a snapshot that was cloned under the orchestrator lock.
func (o *Orchestrator) persist(snapshot *models.Workflow) {
	if err := o.deps.ConfigStore.Save(context.Background(), snapshot); err != nil {
		o.logger.Warn().Err(err).Str("workflow_id", snapshot.WorkflowID).Msg("Failed to persist workflow")
	}
}

func (o *Orchestrator) announce(id string, prev, current models.WorkflowStatus, reason string) {
	data := models.WorkflowStatusEventData{
		WorkflowID:     id,
		PreviousStatus: prev,
		CurrentStatus:  current,
		Reason:         reason,
		Timestamp:      o.clock.Now(),
	}

	if err := o.deps.Publisher.PublishWorkflowStatus(context.Background(), data); err != nil {
		o.logger.Warn().Err(err).Str("workflow_id", id).Msg("Failed to publish workflow event")
	}
}

// randDelay samples from the orchestrator's seeded source.
func (o *Orchestrator) randDelay(timing models.TimingMode) time.Duration {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()

	return postDelay(timing, o.rng)
}

func (o *Orchestrator) shuffledAssignments(strategy *models.CoordinationStrategy, platforms []models.Platform, devices []*models.Device) []assignment {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()

	return assignDevices(strategy, platforms, devices, o.rng)
}
