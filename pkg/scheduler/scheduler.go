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

// Package scheduler arbitrates concurrent demand for the device pool. It
// keeps a priority queue of allocation requests and, on every release or
// polling tick, grants the best available device per request using a
// weighted score.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/devicefleet/pkg/clockwork"
	"github.com/carverauto/devicefleet/pkg/logger"
	"github.com/carverauto/devicefleet/pkg/models"
	"github.com/carverauto/devicefleet/pkg/registry"
)

var (
	// ErrInvalidRequest marks requests no registered device could ever
	// serve; they are rejected synchronously and never queued.
	ErrInvalidRequest = errors.New("invalid allocation request")

	// ErrNoDeviceAvailable marks requests whose estimated wait exceeded the
	// queue bound. Use errors.As with *NoDeviceError for the estimate.
	ErrNoDeviceAvailable = errors.New("no device available")
)

// NoDeviceError carries the wait estimate computed when a request was
// rejected.
type NoDeviceError struct {
	EstimatedWait time.Duration
}

func (e *NoDeviceError) Error() string {
	return fmt.Sprintf("no device available (estimated wait %s)", e.EstimatedWait)
}

func (*NoDeviceError) Is(target error) bool {
	return target == ErrNoDeviceAvailable
}

// activityAverages are the per-activity average session durations used by
// the wait estimator.
var activityAverages = map[models.Activity]time.Duration{
	models.ActivityWatch:  30 * time.Minute,
	models.ActivityPost:   5 * time.Minute,
	models.ActivityEngage: 15 * time.Minute,
}

const (
	defaultTick    = 5 * time.Second
	defaultMaxWait = 30 * time.Minute
)

// SessionSink receives sessions the scheduler grants. Implemented by the
// session manager.
type SessionSink interface {
	Track(session *models.Session)
}

// Config tunes the scheduler.
type Config struct {
	Tick    models.Duration `json:"tick,omitempty"`
	MaxWait models.Duration `json:"max_wait,omitempty"`
}

func (c *Config) withDefaults() Config {
	out := *c

	if out.Tick <= 0 {
		out.Tick = models.Duration(defaultTick)
	}

	if out.MaxWait <= 0 {
		out.MaxWait = models.Duration(defaultMaxWait)
	}

	return out
}

// Scheduler is the allocation scheduler. One instance coordinates the whole
// pool; construct with New and run Start on a dedicated goroutine.
type Scheduler struct {
	registry *registry.Registry
	sink     SessionSink
	clock    clockwork.Clock
	logger   logger.Logger
	config   Config

	mu    sync.Mutex
	queue requestQueue
	seq   uint64

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(reg *registry.Registry, sink SessionSink, clock clockwork.Clock, config Config, log logger.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.Real()
	}

	return &Scheduler{
		registry: reg,
		sink:     sink,
		clock:    clock,
		logger:   log,
		config:   config.withDefaults(),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetSink wires the session sink after construction, breaking the
// construction-order knot between scheduler and session manager.
func (s *Scheduler) SetSink(sink SessionSink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sink = sink
}

// Allocate submits a request and suspends until it is granted, rejected or
// ctx is canceled. The wait is bounded: requests whose estimated wait
// exceeds the configured maximum are rejected with ErrNoDeviceAvailable.
func (s *Scheduler) Allocate(ctx context.Context, req *models.AllocationRequest) (*models.Grant, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}

	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.clock.Now()
	}

	if err := s.validate(req); err != nil {
		return nil, err
	}

	p := &pending{
		req:  req,
		done: make(chan allocResult, 1),
	}

	s.mu.Lock()
	s.seq++
	p.seq = s.seq
	heap.Push(&s.queue, p)
	s.mu.Unlock()

	s.Kick()

	select {
	case res := <-p.done:
		return res.grant, res.err
	case <-ctx.Done():
		return s.cancelPending(ctx, p)
	}
}

// cancelPending removes a waiter from the queue on context cancellation. If
// a grant raced ahead of the cancellation it is returned so the caller can
// release it normally.
func (s *Scheduler) cancelPending(ctx context.Context, p *pending) (*models.Grant, error) {
	s.mu.Lock()

	if p.index >= 0 {
		heap.Remove(&s.queue, p.index)
		s.mu.Unlock()

		return nil, ctx.Err()
	}

	s.mu.Unlock()

	select {
	case res := <-p.done:
		return res.grant, res.err
	default:
		return nil, ctx.Err()
	}
}

// Kick schedules a pass; called by the session manager after every release.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// QueueLength reports how many requests are waiting.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Len()
}

// Start implements the lifecycle.Service interface. It runs one pass per
// kick and one per polling tick; bounded polling avoids busy-spin when the
// pool is saturated.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := s.clock.Ticker(time.Duration(s.config.Tick))
	defer ticker.Stop()

	s.logger.Info().
		Dur("tick", time.Duration(s.config.Tick)).
		Dur("max_wait", time.Duration(s.config.MaxWait)).
		Msg("Starting allocation scheduler")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.kick:
			s.RunPass(ctx)
		case <-ticker.Chan():
			s.RunPass(ctx)
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (s *Scheduler) Stop(_ context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	return nil
}

// validate rejects requests that no registered device could serve,
// regardless of current availability.
func (s *Scheduler) validate(req *models.AllocationRequest) error {
	if req.Platform == "" || req.Activity == "" {
		return fmt.Errorf("%w: platform and activity are required", ErrInvalidRequest)
	}

	if _, ok := activityAverages[req.Activity]; !ok {
		return fmt.Errorf("%w: unsupported activity %q", ErrInvalidRequest, req.Activity)
	}

	for _, d := range s.registry.List(nil) {
		if req.Constraints != nil && req.Constraints.DeviceID != "" && d.DeviceID != req.Constraints.DeviceID {
			continue
		}

		if d.SupportsPlatform(req.Platform) && d.SupportsActivity(req.Activity) {
			return nil
		}
	}

	return fmt.Errorf("%w: no device supports %s/%s", ErrInvalidRequest, req.Platform, req.Activity)
}

// RunPass walks the queue in priority order, granting every request that
// has a qualifying device and rejecting those whose wait estimate exceeds
// the bound. Remaining requests stay queued for the next pass.
func (s *Scheduler) RunPass(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return
	}

	ordered := make([]*pending, 0, s.queue.Len())
	for s.queue.Len() > 0 {
		ordered = append(ordered, heap.Pop(&s.queue).(*pending))
	}

	for _, p := range ordered {
		if s.tryGrant(ctx, p) {
			continue
		}

		estimate, known := s.estimateWait(p.req)

		if !known || estimate > time.Duration(s.config.MaxWait) {
			if !known {
				estimate = time.Duration(s.config.MaxWait)
			}

			s.logger.Debug().
				Str("request_id", p.req.RequestID).
				Dur("estimated_wait", estimate).
				Msg("Rejecting allocation request")

			p.resolve(allocResult{err: &NoDeviceError{EstimatedWait: estimate}})

			continue
		}

		heap.Push(&s.queue, p)
	}
}

// tryGrant attempts to bind the best qualifying device to the request.
func (s *Scheduler) tryGrant(ctx context.Context, p *pending) bool {
	now := s.clock.Now()

	candidates := s.candidates(p.req)
	if len(candidates) == 0 {
		return false
	}

	best := pickBest(candidates, p.req.Platform, now)

	session := &models.Session{
		SessionID:  uuid.New().String(),
		RequestID:  p.req.RequestID,
		DeviceID:   best.DeviceID,
		Platform:   p.req.Platform,
		Activity:   p.req.Activity,
		WorkflowID: p.req.WorkflowID,
		StartedAt:  now,
	}

	if err := s.registry.MarkBusy(ctx, best.DeviceID, session); err != nil {
		// Lost a race with another mutation; the request stays queued.
		s.logger.Debug().Err(err).Str("device_id", best.DeviceID).Msg("Grant lost device race")
		return false
	}

	s.sink.Track(session)

	s.logger.Info().
		Str("request_id", p.req.RequestID).
		Str("device_id", best.DeviceID).
		Str("session_id", session.SessionID).
		Str("platform", string(p.req.Platform)).
		Str("activity", string(p.req.Activity)).
		Msg("Allocation granted")

	p.resolve(allocResult{grant: &models.Grant{
		SessionID: session.SessionID,
		DeviceID:  best.DeviceID,
		Platform:  p.req.Platform,
		Activity:  p.req.Activity,
		GrantedAt: now,
	}})

	return true
}

// candidates filters available devices down to those qualifying for the
// request.
func (s *Scheduler) candidates(req *models.AllocationRequest) []*models.Device {
	available := s.registry.List(&registry.Filter{Status: models.DeviceStatusAvailable})

	out := make([]*models.Device, 0, len(available))

	for _, d := range available {
		if !d.SupportsPlatform(req.Platform) || !d.SupportsActivity(req.Activity) {
			continue
		}

		if c := req.Constraints; c != nil {
			if c.DeviceID != "" && d.DeviceID != c.DeviceID {
				continue
			}

			if c.MinBattery > 0 && d.Health.BatteryLevel < c.MinBattery {
				continue
			}

			if c.MaxTemperature > 0 && d.Health.Temperature > c.MaxTemperature {
				continue
			}
		}

		out = append(out, d)
	}

	return out
}

// estimateWait returns the shortest remaining time among busy devices that
// support the requested platform. known is false when no such device is
// busy, meaning no release will ever free a qualifying device.
func (s *Scheduler) estimateWait(req *models.AllocationRequest) (estimate time.Duration, known bool) {
	now := s.clock.Now()

	for _, d := range s.registry.List(&registry.Filter{Status: models.DeviceStatusBusy}) {
		if !d.SupportsPlatform(req.Platform) || d.CurrentSession == nil {
			continue
		}

		avg, ok := activityAverages[d.CurrentSession.Activity]
		if !ok {
			avg = activityAverages[models.ActivityWatch]
		}

		remaining := avg - now.Sub(d.CurrentSession.StartedAt)
		if remaining < 0 {
			remaining = 0
		}

		if !known || remaining < estimate {
			estimate = remaining
			known = true
		}
	}

	return estimate, known
}
