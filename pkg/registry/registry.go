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

// Package registry holds the canonical state of every pooled device.
// Mutations are serialized per device id; mutations on different devices
// may run concurrently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/carverauto/devicefleet/pkg/clockwork"
	"github.com/carverauto/devicefleet/pkg/events"
	"github.com/carverauto/devicefleet/pkg/logger"
	"github.com/carverauto/devicefleet/pkg/models"
)

var (
	ErrDeviceNotFound = errors.New("device not found")

	errDeviceExists   = errors.New("device already registered")
	errDeviceNotBusy  = errors.New("device is not busy")
	errDeviceBusy     = errors.New("device is busy")
	errRegistryClosed = errors.New("registry is closed")
	errMissingID      = errors.New("device id is required")
)

// successRateAlpha is the EMA weight applied to the newest session outcome.
const successRateAlpha = 0.1

// DeviceConfig describes a device being added to the pool.
type DeviceConfig struct {
	DeviceID   string                     `json:"device_id"`
	HardwareID string                     `json:"hardware_id"`
	OS         models.DeviceOS            `json:"os"`
	Platforms  []models.Platform          `json:"platforms"`
	Activities []models.Activity          `json:"activities"`
	Accounts   map[models.Platform]string `json:"accounts,omitempty"`
}

// StatsDelta is the statistics rollup applied when a session releases a
// device. RecordOutcome gates the success-rate EMA so that forced releases
// do not skew the rate.
type StatsDelta struct {
	WatchSeconds  int64
	Posts         int64
	Engagements   int64
	RecordOutcome bool
	Success       bool
}

// Filter narrows List results.
type Filter struct {
	Status models.DeviceStatus
}

type entry struct {
	mu      sync.Mutex
	device  *models.Device
	removed bool
}

// Registry is the canonical device store. Construct with New; there is no
// package-level pool, so multiple registries can coexist in tests.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*entry
	publisher events.Publisher
	clock     clockwork.Clock
	logger    logger.Logger
	closed    bool
}

func New(publisher events.Publisher, clock clockwork.Clock, log logger.Logger) *Registry {
	if publisher == nil {
		publisher = events.Noop()
	}

	if clock == nil {
		clock = clockwork.Real()
	}

	return &Registry{
		devices:   make(map[string]*entry),
		publisher: publisher,
		clock:     clock,
		logger:    log,
	}
}

// Add registers a new device in the pool with status available.
func (r *Registry) Add(ctx context.Context, cfg DeviceConfig) (*models.Device, error) {
	if cfg.DeviceID == "" {
		return nil, errMissingID
	}

	device := &models.Device{
		DeviceID:   cfg.DeviceID,
		HardwareID: cfg.HardwareID,
		OS:         cfg.OS,
		Platforms:  append([]models.Platform(nil), cfg.Platforms...),
		Activities: append([]models.Activity(nil), cfg.Activities...),
		Status:     models.DeviceStatusAvailable,
		Health: models.HealthMetrics{
			BatteryLevel: 100,
			LastChecked:  r.clock.Now(),
		},
	}

	if cfg.Accounts != nil {
		device.Accounts = make(map[models.Platform]string, len(cfg.Accounts))
		for k, v := range cfg.Accounts {
			device.Accounts[k] = v
		}
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil, errRegistryClosed
	}

	if _, ok := r.devices[cfg.DeviceID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errDeviceExists, cfg.DeviceID)
	}

	r.devices[cfg.DeviceID] = &entry{device: device}
	r.mu.Unlock()

	r.logger.Info().
		Str("device_id", cfg.DeviceID).
		Str("os", string(cfg.OS)).
		Msg("Device added to pool")

	r.emitState(ctx, cfg.DeviceID, "", models.DeviceStatusAvailable, "registered")

	return device.Clone(), nil
}

// Get returns a copy of the device state.
func (r *Registry) Get(id string) (*models.Device, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.device.Clone(), nil
}

// List returns copies of all devices matching the filter. A nil filter
// returns every device.
func (r *Registry) List(filter *Filter) []*models.Device {
	r.mu.RLock()

	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}

	r.mu.RUnlock()

	out := make([]*models.Device, 0, len(entries))

	for _, e := range entries {
		e.mu.Lock()

		if filter == nil || filter.Status == "" || e.device.Status == filter.Status {
			out = append(out, e.device.Clone())
		}

		e.mu.Unlock()
	}

	return out
}

// Remove deletes a device from the pool. If the device holds an active
// session the session is force-released first and returned so the caller
// can drop it from session tracking.
func (r *Registry) Remove(ctx context.Context, id string) (*models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()

	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	// Flag the entry before it leaves the map: a MarkBusy that already
	// looked the entry up must not bind a session to a removed device.
	e.removed = true

	var released *models.Session

	if e.device.CurrentSession != nil {
		released = e.device.CurrentSession
		e.device.CurrentSession = nil

		r.logger.Warn().
			Str("device_id", id).
			Str("session_id", released.SessionID).
			Msg("Force-releasing session for device removal")
	}

	prev := e.device.Status
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()

	r.emitState(ctx, id, prev, models.DeviceStatusOffline, "removed")

	return released, nil
}

// UpdateHealth overwrites the device's health metrics. Status transitions
// are the caller's concern (see SetStatus).
func (r *Registry) UpdateHealth(_ context.Context, id string, metrics models.HealthMetrics) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.device.Health = metrics

	return nil
}

// SetStatus transitions a device between non-busy states. Busy devices are
// never transitioned here: the busy state is owned by MarkBusy/MarkAvailable
// so that status==busy always matches an active session.
func (r *Registry) SetStatus(ctx context.Context, id string, status models.DeviceStatus, reason string) error {
	if status == models.DeviceStatusBusy {
		return fmt.Errorf("%w: busy is set via MarkBusy", errDeviceBusy)
	}

	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()

	if e.device.Status == models.DeviceStatusBusy {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", errDeviceBusy, id)
	}

	prev := e.device.Status
	e.device.Status = status
	e.mu.Unlock()

	if prev != status {
		r.emitState(ctx, id, prev, status, reason)
	}

	return nil
}

// MarkBusy binds a session to an available device.
func (r *Registry) MarkBusy(ctx context.Context, id string, session *models.Session) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()

	if e.removed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	if e.device.Status != models.DeviceStatusAvailable || e.device.CurrentSession != nil {
		status := e.device.Status
		e.mu.Unlock()

		return fmt.Errorf("%w: %s is %s", errDeviceBusy, id, status)
	}

	e.device.Status = models.DeviceStatusBusy
	e.device.CurrentSession = session
	e.mu.Unlock()

	r.emitState(ctx, id, models.DeviceStatusAvailable, models.DeviceStatusBusy, "session "+session.SessionID)

	return nil
}

// MarkAvailable releases a busy device, folding the session's results into
// the device statistics.
func (r *Registry) MarkAvailable(ctx context.Context, id string, delta StatsDelta) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()

	if e.device.Status != models.DeviceStatusBusy || e.device.CurrentSession == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", errDeviceNotBusy, id)
	}

	e.device.Status = models.DeviceStatusAvailable
	e.device.CurrentSession = nil

	stats := &e.device.Stats
	stats.TotalWatchSeconds += delta.WatchSeconds
	stats.TotalPosts += delta.Posts
	stats.TotalEngagements += delta.Engagements
	stats.LastActive = r.clock.Now()

	if delta.RecordOutcome {
		outcome := 0.0
		if delta.Success {
			outcome = 100
		}

		stats.SuccessRate = (1-successRateAlpha)*stats.SuccessRate + successRateAlpha*outcome
	}

	e.mu.Unlock()

	r.emitState(ctx, id, models.DeviceStatusBusy, models.DeviceStatusAvailable, "session released")

	return nil
}

// PoolStatistics rolls up device-derived pool gauges. Session and queue
// gauges are filled in by the caller that owns those components.
func (r *Registry) PoolStatistics() models.PoolStatistics {
	devices := r.List(nil)

	stats := models.PoolStatistics{
		TotalDevices:   len(devices),
		CountsByStatus: make(map[models.DeviceStatus]int),
	}

	for _, d := range devices {
		stats.CountsByStatus[d.Status]++
		stats.AverageBattery += d.Health.BatteryLevel
		stats.AverageSuccess += d.Stats.SuccessRate
		stats.TotalWatchSeconds += d.Stats.TotalWatchSeconds
		stats.TotalPosts += d.Stats.TotalPosts
		stats.TotalEngagements += d.Stats.TotalEngagements
	}

	if len(devices) > 0 {
		stats.AverageBattery /= float64(len(devices))
		stats.AverageSuccess /= float64(len(devices))
	}

	return stats
}

// Close marks the registry closed; subsequent Adds fail. Existing devices
// remain readable so in-flight releases can complete during drain.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	return e, nil
}

func (r *Registry) emitState(ctx context.Context, id string, prev, current models.DeviceStatus, reason string) {
	data := models.DeviceStateEventData{
		DeviceID:       id,
		PreviousStatus: prev,
		CurrentStatus:  current,
		Reason:         reason,
		Timestamp:      r.clock.Now(),
	}

	if err := r.publisher.PublishDeviceState(ctx, data); err != nil {
		r.logger.Warn().Err(err).Str("device_id", id).Msg("Failed to publish device state event")
	}
}
