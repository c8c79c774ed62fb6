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

// Package health runs the periodic device health monitor.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/devicefleet/pkg/clockwork"
	"github.com/carverauto/devicefleet/pkg/events"
	"github.com/carverauto/devicefleet/pkg/logger"
	"github.com/carverauto/devicefleet/pkg/models"
	"github.com/carverauto/devicefleet/pkg/registry"
)

const (
	defaultInterval     = 60 * time.Second
	defaultLowBattery   = 20.0
	defaultOverheat     = 45.0
	defaultProbeFanout  = 8
	defaultProbeTimeout = 10 * time.Second
)

// Config tunes the health monitor.
type Config struct {
	Interval     models.Duration `json:"interval,omitempty"`
	LowBattery   float64         `json:"low_battery,omitempty"`
	OverheatTemp float64         `json:"overheat_temp,omitempty"`
	ProbeFanout  int             `json:"probe_fanout,omitempty"`
	ProbeTimeout models.Duration `json:"probe_timeout,omitempty"`
}

func (c *Config) withDefaults() Config {
	out := *c

	if out.Interval <= 0 {
		out.Interval = models.Duration(defaultInterval)
	}

	if out.LowBattery <= 0 {
		out.LowBattery = defaultLowBattery
	}

	if out.OverheatTemp <= 0 {
		out.OverheatTemp = defaultOverheat
	}

	if out.ProbeFanout <= 0 {
		out.ProbeFanout = defaultProbeFanout
	}

	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = models.Duration(defaultProbeTimeout)
	}

	return out
}

// Monitor polls every device on a fixed interval and promotes or demotes
// device status from the readings. Busy devices get health updates but are
// never transitioned; the busy state belongs to the session lifecycle.
type Monitor struct {
	registry  *registry.Registry
	probe     Probe
	publisher events.Publisher
	clock     clockwork.Clock
	logger    logger.Logger
	config    Config

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewMonitor(reg *registry.Registry, probe Probe, publisher events.Publisher, clock clockwork.Clock, config Config, log logger.Logger) *Monitor {
	if publisher == nil {
		publisher = events.Noop()
	}

	if clock == nil {
		clock = clockwork.Real()
	}

	return &Monitor{
		registry:  reg,
		probe:     probe,
		publisher: publisher,
		clock:     clock,
		logger:    log,
		config:    config.withDefaults(),
		done:      make(chan struct{}),
	}
}

// Start implements the lifecycle.Service interface.
func (m *Monitor) Start(ctx context.Context) error {
	interval := time.Duration(m.config.Interval)
	ticker := m.clock.Ticker(interval)

	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("Starting health monitor")

	m.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case <-ticker.Chan():
			m.Sweep(ctx)
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (m *Monitor) Stop(_ context.Context) error {
	m.closeOnce.Do(func() {
		close(m.done)
	})

	m.wg.Wait()

	return nil
}

// Sweep probes every device once with bounded fan-out.
func (m *Monitor) Sweep(ctx context.Context) {
	devices := m.registry.List(nil)

	m.wg.Add(1)
	defer m.wg.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.ProbeFanout)

	for _, device := range devices {
		device := device
		g.Go(func() error {
			m.checkDevice(gctx, device)
			return nil
		})
	}

	_ = g.Wait()
}

func (m *Monitor) checkDevice(ctx context.Context, device *models.Device) {
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(m.config.ProbeTimeout))
	defer cancel()

	sample, err := m.probe.Query(probeCtx, device.DeviceID)
	if err != nil {
		m.handleProbeFailure(ctx, device, err)
		return
	}

	metrics := models.HealthMetrics{
		BatteryLevel: sample.BatteryLevel,
		Temperature:  sample.Temperature,
		CPUUsage:     sample.CPUUsage,
		MemoryUsage:  sample.MemoryUsage,
		LastChecked:  m.clock.Now(),
	}

	if err := m.registry.UpdateHealth(ctx, device.DeviceID, metrics); err != nil {
		m.logger.Warn().Err(err).Str("device_id", device.DeviceID).Msg("Failed to record health metrics")
		return
	}

	m.applyTransitions(ctx, device, metrics)
}

func (m *Monitor) handleProbeFailure(ctx context.Context, device *models.Device, probeErr error) {
	m.logger.Warn().Err(probeErr).Str("device_id", device.DeviceID).Msg("Device health check failed")

	m.emitAlert(ctx, device.DeviceID, models.HealthAlertProbeFailed, device.Health)

	if device.Status == models.DeviceStatusBusy {
		return
	}

	if err := m.registry.SetStatus(ctx, device.DeviceID, models.DeviceStatusError, "health check failed"); err != nil {
		m.logger.Debug().Err(err).Str("device_id", device.DeviceID).Msg("Skipped error transition")
	}
}

// applyTransitions applies the status rules for a successful probe:
// battery 0 takes the device offline, recovery brings it back, overheating
// parks it in maintenance until manually cleared, and a low battery raises
// a non-blocking alert.
func (m *Monitor) applyTransitions(ctx context.Context, device *models.Device, metrics models.HealthMetrics) {
	if device.Status == models.DeviceStatusBusy {
		return
	}

	deviceID := device.DeviceID

	if metrics.Temperature > m.config.OverheatTemp {
		m.emitAlert(ctx, deviceID, models.HealthAlertOverheating, metrics)

		if device.Status != models.DeviceStatusMaintenance {
			m.transition(ctx, deviceID, models.DeviceStatusMaintenance, "overheating")
		}

		return
	}

	if metrics.BatteryLevel <= 0 {
		if device.Status != models.DeviceStatusOffline {
			m.transition(ctx, deviceID, models.DeviceStatusOffline, "battery depleted")
		}

		return
	}

	switch device.Status {
	case models.DeviceStatusOffline:
		m.transition(ctx, deviceID, models.DeviceStatusAvailable, "battery recovered")
	case models.DeviceStatusError:
		m.transition(ctx, deviceID, models.DeviceStatusAvailable, "health check recovered")
	}

	if metrics.BatteryLevel < m.config.LowBattery {
		m.emitAlert(ctx, deviceID, models.HealthAlertLowBattery, metrics)
	}
}

func (m *Monitor) transition(ctx context.Context, deviceID string, status models.DeviceStatus, reason string) {
	if err := m.registry.SetStatus(ctx, deviceID, status, reason); err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to transition device status")
	}
}

func (m *Monitor) emitAlert(ctx context.Context, deviceID, alert string, metrics models.HealthMetrics) {
	data := models.DeviceHealthEventData{
		DeviceID:  deviceID,
		Alert:     alert,
		Health:    metrics,
		Timestamp: m.clock.Now(),
	}

	if err := m.publisher.PublishDeviceHealth(ctx, data); err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to publish health event")
	}
}
