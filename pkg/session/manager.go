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

// Package session tracks the lifetime of device allocations from grant to
// release and rolls usage statistics back into the registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/carverauto/devicefleet/pkg/logger"
	"github.com/carverauto/devicefleet/pkg/models"
	"github.com/carverauto/devicefleet/pkg/registry"
)

// ErrSessionAlreadyReleased guards double releases. Releasing an unknown or
// already-released session id is a no-op failure, never a state corruption.
var ErrSessionAlreadyReleased = errors.New("session already released")

// Kicker triggers a scheduler pass after a release frees a device.
type Kicker interface {
	Kick()
}

// Manager owns the active session table.
type Manager struct {
	registry *registry.Registry
	kicker   Kicker
	logger   logger.Logger

	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewManager(reg *registry.Registry, kicker Kicker, log logger.Logger) *Manager {
	return &Manager{
		registry: reg,
		kicker:   kicker,
		logger:   log,
		sessions: make(map[string]*models.Session),
	}
}

// Track registers a granted session. Implements the scheduler's SessionSink.
func (m *Manager) Track(session *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.SessionID] = session
}

// Active returns copies of all live sessions.
func (m *Manager) Active() []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Session, 0, len(m.sessions))

	for _, s := range m.sessions {
		copied := *s
		out = append(out, &copied)
	}

	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// Release ends a session: the device returns to available, the outcome is
// folded into its statistics, and the scheduler is kicked so queued
// requests can claim the freed device. Idempotent-guarded.
func (m *Manager) Release(ctx context.Context, sessionID string, outcome models.SessionOutcome) error {
	m.mu.Lock()

	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()

		m.logger.Debug().Str("session_id", sessionID).Msg("Ignoring release of unknown session")

		return fmt.Errorf("%w: %s", ErrSessionAlreadyReleased, sessionID)
	}

	delete(m.sessions, sessionID)
	m.mu.Unlock()

	delta := registry.StatsDelta{
		WatchSeconds:  outcome.WatchSeconds,
		Posts:         outcome.Posts,
		Engagements:   outcome.Engagements,
		RecordOutcome: true,
		Success:       outcome.Success,
	}

	if err := m.registry.MarkAvailable(ctx, session.DeviceID, delta); err != nil {
		// The device may have been removed mid-session; the session is
		// still considered released.
		m.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Str("device_id", session.DeviceID).
			Msg("Release could not return device to pool")
	}

	m.kicker.Kick()

	return nil
}

// ReleaseByWorkflow force-releases every session a stopped workflow still
// holds, so that a stopped workflow never leaks devices. Forced releases do
// not count as outcomes.
func (m *Manager) ReleaseByWorkflow(ctx context.Context, workflowID string) []string {
	m.mu.Lock()

	var ids []string

	for id, s := range m.sessions {
		if s.WorkflowID == workflowID {
			ids = append(ids, id)
		}
	}

	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		session, ok := m.sessions[id]

		if ok {
			delete(m.sessions, id)
		}

		m.mu.Unlock()

		if !ok {
			continue
		}

		if err := m.registry.MarkAvailable(ctx, session.DeviceID, registry.StatsDelta{}); err != nil {
			m.logger.Warn().Err(err).
				Str("session_id", id).
				Str("device_id", session.DeviceID).
				Msg("Forced release could not return device to pool")
		}
	}

	if len(ids) > 0 {
		m.kicker.Kick()
	}

	return ids
}

// Forget drops a session from tracking without touching the device. Used
// when the registry force-released it during device removal.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
}
