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

package core

import (
	"context"

	"github.com/carverauto/devicefleet/pkg/models"
	"github.com/carverauto/devicefleet/pkg/registry"
	"github.com/carverauto/devicefleet/pkg/workflow"
)

// AddDevice registers a device in the pool.
func (s *Service) AddDevice(ctx context.Context, cfg registry.DeviceConfig) (*models.Device, error) {
	return s.registry.Add(ctx, cfg)
}

// RemoveDevice drops a device from the pool, force-releasing any session it
// holds.
func (s *Service) RemoveDevice(ctx context.Context, id string) error {
	released, err := s.registry.Remove(ctx, id)
	if err != nil {
		return err
	}

	if released != nil {
		s.sessions.Forget(released.SessionID)
		s.scheduler.Kick()
	}

	return nil
}

// GetDevice returns a copy of one device.
func (s *Service) GetDevice(id string) (*models.Device, error) {
	return s.registry.Get(id)
}

// ListDevices returns copies of all devices, optionally filtered by status.
func (s *Service) ListDevices(filter *registry.Filter) []*models.Device {
	return s.registry.List(filter)
}

// AllocateDevice requests a device and suspends until granted, rejected or
// ctx is canceled.
func (s *Service) AllocateDevice(ctx context.Context, req *models.AllocationRequest) (*models.Grant, error) {
	return s.scheduler.Allocate(ctx, req)
}

// ReleaseSession ends a session and folds its outcome into device
// statistics.
func (s *Service) ReleaseSession(ctx context.Context, sessionID string, outcome models.SessionOutcome) error {
	return s.sessions.Release(ctx, sessionID, outcome)
}

// ActiveSessions returns copies of all live sessions.
func (s *Service) ActiveSessions() []*models.Session {
	return s.sessions.Active()
}

// CreateWorkflow registers a new scheduled workflow.
func (s *Service) CreateWorkflow(ctx context.Context, def workflow.Definition) (string, error) {
	return s.orchestrator.CreateWorkflow(ctx, def)
}

// StartWorkflow launches a scheduled workflow immediately.
func (s *Service) StartWorkflow(id string) error {
	return s.orchestrator.StartWorkflow(id)
}

// StartContentWatchingWorkflow allocates devices and starts watch sessions,
// returning the workflow id and the live session ids.
func (s *Service) StartContentWatchingWorkflow(ctx context.Context, cfg workflow.WatchConfig) (*workflow.WatchLaunch, error) {
	return s.orchestrator.StartContentWatchingWorkflow(ctx, cfg)
}

// CoordinateContentPosting runs a one-off posting burst and returns per-post
// results.
func (s *Service) CoordinateContentPosting(ctx context.Context, cfg workflow.PostingConfig) ([]*workflow.PostResult, error) {
	return s.orchestrator.CoordinateContentPosting(ctx, cfg)
}

// PauseWorkflow halts a running workflow at its next phase boundary.
func (s *Service) PauseWorkflow(id string) bool {
	return s.orchestrator.PauseWorkflow(id)
}

// ResumeWorkflow lets a paused workflow continue.
func (s *Service) ResumeWorkflow(id string) bool {
	return s.orchestrator.ResumeWorkflow(id)
}

// StopWorkflow cancels and deletes a workflow, force-releasing its sessions.
func (s *Service) StopWorkflow(ctx context.Context, id string) bool {
	return s.orchestrator.StopWorkflow(ctx, id)
}

// GetWorkflow returns a copy of one workflow.
func (s *Service) GetWorkflow(id string) (*models.Workflow, error) {
	return s.orchestrator.GetWorkflow(id)
}

// ListWorkflows returns copies of all workflows ordered by creation time.
func (s *Service) ListWorkflows() []*models.Workflow {
	return s.orchestrator.ListWorkflows()
}

// GetPoolStatistics rolls up pool, session and queue gauges.
func (s *Service) GetPoolStatistics() models.PoolStatistics {
	stats := s.registry.PoolStatistics()
	stats.ActiveSessions = s.sessions.Count()
	stats.QueuedRequests = s.scheduler.QueueLength()

	return stats
}
