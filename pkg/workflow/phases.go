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

package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/devicefleet/pkg/clockwork"
	"github.com/carverauto/devicefleet/pkg/models"
)

const defaultPhaseDuration = 30 * time.Minute

// executePhase runs one phase to completion. Any error other than context
// cancellation fails the whole workflow.
func (o *Orchestrator) executePhase(ctx context.Context, e *entry, phase models.Phase, strategy *models.CoordinationStrategy) error {
	o.logger.Info().
		Str("workflow_id", e.wf.WorkflowID).
		Str("phase", string(phase.Type)).
		Bool("parallel", phase.Parallel).
		Msg("Executing phase")

	switch phase.Type {
	case models.PhaseWatch:
		return o.executeWatch(ctx, e, phase, strategy)
	case models.PhasePost:
		return o.executePost(ctx, e, phase, strategy)
	case models.PhaseEngage:
		return o.executeEngage(ctx, e, phase, strategy)
	case models.PhaseWait:
		return clockwork.Sleep(ctx, o.clock, phaseDuration(phase))
	case models.PhaseAnalyze:
		return o.executeAnalyze(ctx, e)
	default:
		return fmt.Errorf("%w: unknown phase type %q", ErrPhaseExecutionFailed, phase.Type)
	}
}

func phaseDuration(phase models.Phase) time.Duration {
	if d := time.Duration(phase.Duration); d > 0 {
		return d
	}

	return defaultPhaseDuration
}

// phaseAssignments resolves the workflow's devices and computes the
// per-platform assignment for one phase.
func (o *Orchestrator) phaseAssignments(wf *models.Workflow, strategy *models.CoordinationStrategy) ([]assignment, []*models.Device, error) {
	devices := make([]*models.Device, 0, len(wf.DeviceIDs))

	for _, id := range wf.DeviceIDs {
		d, err := o.deps.Devices.Get(id)
		if err != nil {
			o.logger.Warn().Err(err).Str("device_id", id).Msg("Workflow device missing from pool")
			continue
		}

		devices = append(devices, d)
	}

	if len(devices) == 0 {
		return nil, nil, fmt.Errorf("%w: no workflow devices remain in the pool", ErrPhaseExecutionFailed)
	}

	return o.shuffledAssignments(strategy, wf.Platforms, devices), devices, nil
}

// executeWatch allocates one device per (platform, assigned device) pair,
// runs the content-watching collaborator for the phase duration and folds
// the reported statistics into the workflow.
func (o *Orchestrator) executeWatch(ctx context.Context, e *entry, phase models.Phase, strategy *models.CoordinationStrategy) error {
	assignments, _, err := o.phaseAssignments(e.wf, strategy)
	if err != nil {
		return err
	}

	duration := phaseDuration(phase)
	profile := phase.Params["profile"]

	if phase.Parallel {
		g, gctx := errgroup.WithContext(ctx)

		for _, a := range assignments {
			a := a
			g.Go(func() error {
				return o.runWatch(gctx, e, a, profile, duration)
			})
		}

		return g.Wait()
	}

	for _, a := range assignments {
		if err := o.runWatch(ctx, e, a, profile, duration); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) runWatch(ctx context.Context, e *entry, a assignment, profile string, duration time.Duration) error {
	req := &models.AllocationRequest{
		Platform:    a.platform,
		Activity:    models.ActivityWatch,
		Duration:    models.Duration(duration),
		Priority:    models.PriorityMedium,
		Constraints: &models.AllocationConstraints{DeviceID: a.deviceID},
		WorkflowID:  e.wf.WorkflowID,
	}

	grant, err := o.deps.Allocator.Allocate(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: allocating %s for %s: %w", ErrPhaseExecutionFailed, a.deviceID, a.platform, err)
	}

	watchID, err := o.deps.Watcher.StartSession(ctx, a.platform, profile, grant.DeviceID, duration)
	if err != nil {
		o.releaseQuiet(grant.SessionID, models.SessionOutcome{})
		return fmt.Errorf("%w: starting watch session on %s: %w", ErrPhaseExecutionFailed, grant.DeviceID, err)
	}

	if err := clockwork.Sleep(ctx, o.clock, duration); err != nil {
		o.releaseQuiet(grant.SessionID, models.SessionOutcome{})
		return err
	}

	stats, err := o.deps.Watcher.GetSession(ctx, watchID)
	if err != nil {
		o.releaseQuiet(grant.SessionID, models.SessionOutcome{})
		return fmt.Errorf("%w: fetching watch session %s: %w", ErrPhaseExecutionFailed, watchID, err)
	}

	outcome := models.SessionOutcome{
		Success:      true,
		WatchSeconds: stats.WatchSeconds,
		Engagements:  stats.Engagements,
	}

	if err := o.deps.Sessions.Release(ctx, grant.SessionID, outcome); err != nil {
		o.logger.Warn().Err(err).Str("session_id", grant.SessionID).Msg("Watch session release failed")
	}

	o.foldStats(e, func(s *models.WorkflowStats) {
		s.TotalWatchSeconds += stats.WatchSeconds
		s.TotalEngagements += stats.Engagements
	})

	return nil
}

// executePost posts once per (platform, account) through the posting
// collaborator, pacing posts with the strategy's timing mode.
func (o *Orchestrator) executePost(ctx context.Context, e *entry, phase models.Phase, strategy *models.CoordinationStrategy) error {
	_, devices, err := o.phaseAssignments(e.wf, strategy)
	if err != nil {
		return err
	}

	media := phase.Params["media"]
	caption := phase.Params["caption"]

	var tags []string
	if raw := phase.Params["tags"]; raw != "" {
		tags = strings.Split(raw, ",")
	}

	first := true

	for _, platform := range e.wf.Platforms {
		for _, account := range accountsFor(platform, devices) {
			if !first {
				if err := clockwork.Sleep(ctx, o.clock, o.randDelay(strategy.Timing)); err != nil {
					return err
				}
			}

			first = false

			result, err := o.deps.Poster.PostContent(ctx, platform, account, media, caption, tags)
			if err != nil {
				return fmt.Errorf("%w: posting to %s/%s: %w", ErrPhaseExecutionFailed, platform, account, err)
			}

			if !result.Success {
				o.logger.Warn().
					Str("platform", string(platform)).
					Str("account_id", account).
					Str("error", result.Error).
					Msg("Post rejected by platform")

				continue
			}

			o.foldStats(e, func(s *models.WorkflowStats) {
				s.TotalPosts++
			})

			o.mu.Lock()
			e.postsByPlatform[platform]++
			o.mu.Unlock()
		}
	}

	return nil
}

// accountsFor collects the distinct account ids the workflow's devices hold
// for a platform, in deterministic order.
func accountsFor(platform models.Platform, devices []*models.Device) []string {
	seen := make(map[string]struct{})

	var out []string

	for _, d := range devices {
		account, ok := d.Accounts[platform]
		if !ok {
			continue
		}

		if _, dup := seen[account]; dup {
			continue
		}

		seen[account] = struct{}{}
		out = append(out, account)
	}

	sort.Strings(out)

	return out
}

// executeEngage delegates to the engagement collaborator for the phase
// duration on every assigned device.
func (o *Orchestrator) executeEngage(ctx context.Context, e *entry, phase models.Phase, strategy *models.CoordinationStrategy) error {
	assignments, _, err := o.phaseAssignments(e.wf, strategy)
	if err != nil {
		return err
	}

	duration := phaseDuration(phase)

	runOne := func(ctx context.Context, a assignment) error {
		count, err := o.deps.Engager.Engage(ctx, a.platform, a.deviceID, duration, strategy.Aggressiveness)
		if err != nil {
			return fmt.Errorf("%w: engaging on %s/%s: %w", ErrPhaseExecutionFailed, a.platform, a.deviceID, err)
		}

		o.foldStats(e, func(s *models.WorkflowStats) {
			s.TotalEngagements += count
		})

		return nil
	}

	if phase.Parallel {
		g, gctx := errgroup.WithContext(ctx)

		for _, a := range assignments {
			a := a
			g.Go(func() error {
				return runOne(gctx, a)
			})
		}

		return g.Wait()
	}

	for _, a := range assignments {
		if err := runOne(ctx, a); err != nil {
			return err
		}
	}

	return nil
}

// executeAnalyze persists a report snapshot of the workflow so far.
func (o *Orchestrator) executeAnalyze(ctx context.Context, e *entry) error {
	report := o.buildReport(e)

	if err := o.deps.ReportStore.SaveReport(ctx, report); err != nil {
		return fmt.Errorf("%w: saving report for %s: %w", ErrPhaseExecutionFailed, e.wf.WorkflowID, err)
	}

	o.logger.Info().
		Str("workflow_id", e.wf.WorkflowID).
		Str("report_id", report.ReportID).
		Msg("Workflow report persisted")

	return nil
}

func (o *Orchestrator) buildReport(e *entry) *models.WorkflowReport {
	now := o.clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	report := &models.WorkflowReport{
		ReportID:      uuid.New().String(),
		WorkflowID:    e.wf.WorkflowID,
		GeneratedAt:   now,
		Stats:         e.wf.Stats,
		DeviceCount:   len(e.wf.DeviceIDs),
		PlatformCount: len(e.wf.Platforms),
		ActivityCount: make(map[string]int),
	}

	if !e.wf.Stats.LastRun.IsZero() {
		report.Elapsed = models.Duration(now.Sub(e.wf.Stats.LastRun))
	}

	for _, phase := range e.wf.Phases {
		report.ActivityCount[string(phase.Type)]++
	}

	if len(e.postsByPlatform) > 0 {
		report.PostsByPlatform = make(map[models.Platform]int64, len(e.postsByPlatform))
		for k, v := range e.postsByPlatform {
			report.PostsByPlatform[k] = v
		}
	}

	return report
}

// releaseQuiet releases a session on a background context; used on error
// paths where the phase context may already be canceled.
func (o *Orchestrator) releaseQuiet(sessionID string, outcome models.SessionOutcome) {
	if err := o.deps.Sessions.Release(context.Background(), sessionID, outcome); err != nil {
		o.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Quiet release skipped")
	}
}
