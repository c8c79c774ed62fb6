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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/devicefleet/pkg/clockwork"
	"github.com/carverauto/devicefleet/pkg/models"
)

var (
	errNoPlatform = errors.New("watch config has no platform")
	errNoTargets  = errors.New("posting config has no targets")
)

// WatchConfig launches an ad-hoc content-watching workflow without a
// schedule: devices are allocated immediately and the workflow completes
// on its own once every session finishes.
type WatchConfig struct {
	Name     string          `json:"name"`
	Platform models.Platform `json:"platform"`
	Profile  string          `json:"profile,omitempty"`
	Devices  int             `json:"devices,omitempty"`
	Duration models.Duration `json:"duration,omitempty"`
	Priority models.Priority `json:"priority,omitempty"`
}

// WatchLaunch identifies the workflow and the live sessions it holds.
type WatchLaunch struct {
	WorkflowID string   `json:"workflow_id"`
	SessionIDs []string `json:"session_ids"`
}

// StartContentWatchingWorkflow allocates devices for one platform, starts a
// watch session on each and returns once all sessions are live. Session
// completion, statistics folding and release happen in the background.
func (o *Orchestrator) StartContentWatchingWorkflow(ctx context.Context, cfg WatchConfig) (*WatchLaunch, error) {
	if cfg.Platform == "" {
		return nil, errNoPlatform
	}

	count := cfg.Devices
	if count < 1 {
		count = 1
	}

	duration := time.Duration(cfg.Duration)
	if duration <= 0 {
		duration = defaultPhaseDuration
	}

	priority := cfg.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	wf := &models.Workflow{
		WorkflowID: uuid.New().String(),
		Name:       cfg.Name,
		Platforms:  []models.Platform{cfg.Platform},
		Phases: []models.Phase{{
			Type:     models.PhaseWatch,
			Duration: models.Duration(duration),
			Parallel: true,
		}},
		Strategy:  "default",
		Status:    models.WorkflowRunning,
		Stats:     models.WorkflowStats{Runs: 1, LastRun: o.clock.Now()},
		CreatedAt: o.clock.Now(),
	}

	type liveSession struct {
		sessionID string
		deviceID  string
		watchID   string
	}

	var live []liveSession

	abort := func() {
		for _, s := range live {
			o.releaseQuiet(s.sessionID, models.SessionOutcome{})
		}
	}

	for i := 0; i < count; i++ {
		req := &models.AllocationRequest{
			Platform:   cfg.Platform,
			Activity:   models.ActivityWatch,
			Duration:   models.Duration(duration),
			Priority:   priority,
			WorkflowID: wf.WorkflowID,
		}

		grant, err := o.deps.Allocator.Allocate(ctx, req)
		if err != nil {
			if len(live) == 0 {
				return nil, fmt.Errorf("failed to allocate watch device: %w", err)
			}

			// Partial fleet is still useful; run with what we got.
			o.logger.Warn().Err(err).
				Str("workflow_id", wf.WorkflowID).
				Int("granted", len(live)).
				Int("requested", count).
				Msg("Watch workflow starting with partial allocation")

			break
		}

		watchID, err := o.deps.Watcher.StartSession(ctx, cfg.Platform, cfg.Profile, grant.DeviceID, duration)
		if err != nil {
			o.releaseQuiet(grant.SessionID, models.SessionOutcome{})
			abort()

			return nil, fmt.Errorf("failed to start watch session on %s: %w", grant.DeviceID, err)
		}

		live = append(live, liveSession{
			sessionID: grant.SessionID,
			deviceID:  grant.DeviceID,
			watchID:   watchID,
		})

		wf.DeviceIDs = append(wf.DeviceIDs, grant.DeviceID)
	}

	e := &entry{
		wf:              wf,
		postsByPlatform: make(map[models.Platform]int64),
	}

	o.mu.Lock()
	runCtx, cancel := context.WithCancel(o.baseCtx)
	e.cancel = cancel
	o.workflows[wf.WorkflowID] = e
	snapshot := wf.Clone()
	o.mu.Unlock()

	o.persist(snapshot)
	o.announce(wf.WorkflowID, models.WorkflowScheduled, models.WorkflowRunning, "watch workflow started")

	sessionIDs := make([]string, 0, len(live))
	for _, s := range live {
		sessionIDs = append(sessionIDs, s.sessionID)
	}

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		g, gctx := errgroup.WithContext(runCtx)

		for _, s := range live {
			s := s
			g.Go(func() error {
				if err := clockwork.Sleep(gctx, o.clock, duration); err != nil {
					return err
				}

				stats, err := o.deps.Watcher.GetSession(gctx, s.watchID)
				if err != nil {
					o.releaseQuiet(s.sessionID, models.SessionOutcome{})
					return fmt.Errorf("%w: fetching watch session %s: %w", ErrPhaseExecutionFailed, s.watchID, err)
				}

				outcome := models.SessionOutcome{
					Success:      true,
					WatchSeconds: stats.WatchSeconds,
					Engagements:  stats.Engagements,
				}

				if err := o.deps.Sessions.Release(gctx, s.sessionID, outcome); err != nil {
					o.logger.Warn().Err(err).Str("session_id", s.sessionID).Msg("Watch session release failed")
				}

				o.foldStats(e, func(st *models.WorkflowStats) {
					st.TotalWatchSeconds += stats.WatchSeconds
					st.TotalEngagements += stats.Engagements
				})

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			if runCtx.Err() != nil {
				return
			}

			o.fail(e, models.PhaseWatch, err)

			return
		}

		o.complete(e)
	}()

	o.logger.Info().
		Str("workflow_id", wf.WorkflowID).
		Str("platform", string(cfg.Platform)).
		Int("sessions", len(sessionIDs)).
		Msg("Content-watching workflow launched")

	return &WatchLaunch{WorkflowID: wf.WorkflowID, SessionIDs: sessionIDs}, nil
}

// PostTarget names one account to publish to.
type PostTarget struct {
	Platform  models.Platform `json:"platform"`
	AccountID string          `json:"account_id"`
}

// PostingConfig coordinates a one-off posting burst across accounts.
type PostingConfig struct {
	Targets []PostTarget      `json:"targets"`
	Media   string            `json:"media"`
	Caption string            `json:"caption,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
	Timing  models.TimingMode `json:"timing,omitempty"`
}

// CoordinateContentPosting publishes to every target in order, pacing posts
// with the timing mode's delay ranges. A rejected or failed post is recorded
// in its result; the remaining targets still run.
func (o *Orchestrator) CoordinateContentPosting(ctx context.Context, cfg PostingConfig) ([]*PostResult, error) {
	if len(cfg.Targets) == 0 {
		return nil, errNoTargets
	}

	timing := cfg.Timing
	if timing == "" {
		timing = models.TimingStaggered
	}

	results := make([]*PostResult, 0, len(cfg.Targets))

	for i, target := range cfg.Targets {
		if i > 0 {
			if err := clockwork.Sleep(ctx, o.clock, o.randDelay(timing)); err != nil {
				return results, err
			}
		}

		result, err := o.deps.Poster.PostContent(ctx, target.Platform, target.AccountID, cfg.Media, cfg.Caption, cfg.Tags)
		if err != nil {
			result = &PostResult{
				Platform:  target.Platform,
				AccountID: target.AccountID,
				Success:   false,
				Error:     err.Error(),
				PostedAt:  o.clock.Now(),
			}
		}

		results = append(results, result)
	}

	return results, nil
}
