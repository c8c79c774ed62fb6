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

// Package core assembles the device pool, scheduler, health monitor and
// workflow orchestrator into one service and exposes the caller API.
package core

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/devicefleet/pkg/clockwork"
	"github.com/carverauto/devicefleet/pkg/events"
	"github.com/carverauto/devicefleet/pkg/health"
	"github.com/carverauto/devicefleet/pkg/logger"
	"github.com/carverauto/devicefleet/pkg/models"
	"github.com/carverauto/devicefleet/pkg/registry"
	"github.com/carverauto/devicefleet/pkg/scheduler"
	"github.com/carverauto/devicefleet/pkg/session"
	"github.com/carverauto/devicefleet/pkg/store"
	"github.com/carverauto/devicefleet/pkg/workflow"
)

var (
	errUnknownProbe = errors.New("unknown probe implementation")
	errNoStore      = errors.New("either nats or store_dir must be configured")
)

const (
	probeSim  = "sim"
	probeHost = "host"
)

// Config is the fleetd service configuration.
type Config struct {
	Logging   *logger.Config          `json:"logging,omitempty"`
	Devices   []registry.DeviceConfig `json:"devices,omitempty"`
	Probe     string                  `json:"probe,omitempty"`
	Seed      int64                   `json:"seed,omitempty"`
	NATS      *models.NATSConfig      `json:"nats,omitempty"`
	Events    models.EventsConfig     `json:"events,omitempty"`
	StoreDir  string                  `json:"store_dir,omitempty"`
	Scheduler scheduler.Config        `json:"scheduler,omitempty"`
	Health    health.Config           `json:"health,omitempty"`
	Workflow  workflow.Config         `json:"workflow,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	switch c.Probe {
	case "", probeSim, probeHost:
	default:
		return fmt.Errorf("%w: %s", errUnknownProbe, c.Probe)
	}

	if c.NATS != nil {
		return c.NATS.Validate()
	}

	if c.StoreDir == "" {
		return errNoStore
	}

	return nil
}

// Deps lets callers override collaborators; nil fields are built from the
// configuration. Tests inject fakes here.
type Deps struct {
	Probe     health.Probe
	Watcher   workflow.ContentWatchingService
	Poster    workflow.PostingService
	Engager   workflow.EngagementService
	Publisher events.Publisher
	Configs   store.WorkflowConfigStore
	Reports   store.WorkflowReportStore
	Clock     clockwork.Clock
}

// Service is the top-level devicefleet facade.
type Service struct {
	registry     *registry.Registry
	scheduler    *scheduler.Scheduler
	sessions     *session.Manager
	monitor      *health.Monitor
	orchestrator *workflow.Orchestrator

	natsStore *store.NatsStore
	logger    logger.Logger
}

// NewService wires the full component graph from the configuration.
func NewService(ctx context.Context, cfg *Config, deps *Deps, log logger.Logger) (*Service, error) {
	if deps == nil {
		deps = &Deps{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.Real()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}

	svc := &Service{logger: log}

	publisher := deps.Publisher
	configs := deps.Configs
	reports := deps.Reports

	if configs == nil || reports == nil {
		switch {
		case cfg.NATS != nil:
			natsStore, err := store.NewNatsStore(ctx, cfg.NATS.URL)
			if err != nil {
				return nil, err
			}

			svc.natsStore = natsStore
			configs = natsStore
			reports = natsStore

			if publisher == nil && cfg.Events.Enabled {
				if err := events.EnsureStream(ctx, natsStore.JetStream(), cfg.Events.StreamName); err != nil {
					natsStore.Close()
					return nil, err
				}

				publisher = events.NewNATSPublisher(natsStore.JetStream())
			}
		case cfg.StoreDir != "":
			fileStore, err := store.NewFileStore(cfg.StoreDir)
			if err != nil {
				return nil, err
			}

			configs = fileStore
			reports = fileStore
		default:
			return nil, errNoStore
		}
	}

	if publisher == nil {
		publisher = events.Noop()
	}

	probe := deps.Probe
	if probe == nil {
		if cfg.Probe == probeHost {
			probe = health.NewHostProbe()
		} else {
			probe = health.NewSimProbe(seed)
		}
	}

	reg := registry.New(publisher, clock, log)

	for _, dc := range cfg.Devices {
		if _, err := reg.Add(ctx, dc); err != nil {
			return nil, fmt.Errorf("failed to seed device %s: %w", dc.DeviceID, err)
		}
	}

	sched := scheduler.New(reg, nil, clock, cfg.Scheduler, log)
	sessions := session.NewManager(reg, sched, log)
	sched.SetSink(sessions)

	monitor := health.NewMonitor(reg, probe, publisher, clock, cfg.Health, log)

	watcher := deps.Watcher
	if watcher == nil {
		watcher = workflow.NewSimWatcher(seed)
	}

	poster := deps.Poster
	if poster == nil {
		poster = workflow.NewSimPoster(seed, clock)
	}

	engager := deps.Engager
	if engager == nil {
		engager = workflow.NewSimEngager(seed)
	}

	orch := workflow.New(workflow.Deps{
		Allocator:   sched,
		Sessions:    sessions,
		Devices:     reg,
		Watcher:     watcher,
		Poster:      poster,
		Engager:     engager,
		ConfigStore: configs,
		ReportStore: reports,
		Publisher:   publisher,
		Clock:       clock,
	}, cfg.Workflow, log)

	svc.registry = reg
	svc.scheduler = sched
	svc.sessions = sessions
	svc.monitor = monitor
	svc.orchestrator = orch

	return svc, nil
}

// Start implements lifecycle.Service: it restores persisted workflows and
// runs the scheduler, health monitor and orchestrator loops until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if err := s.orchestrator.LoadPersisted(ctx); err != nil {
		return err
	}

	s.logger.Info().
		Int("devices", s.registry.PoolStatistics().TotalDevices).
		Msg("Starting devicefleet core")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.scheduler.Start(gctx) })
	g.Go(func() error { return s.monitor.Start(gctx) })
	g.Go(func() error { return s.orchestrator.Start(gctx) })

	return g.Wait()
}

// Stop implements lifecycle.Service.
func (s *Service) Stop(ctx context.Context) error {
	var firstErr error

	for _, stop := range []func(context.Context) error{
		s.orchestrator.Stop,
		s.monitor.Stop,
		s.scheduler.Stop,
	} {
		if err := stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.registry.Close()

	if s.natsStore != nil {
		s.natsStore.Close()
	}

	return firstErr
}
