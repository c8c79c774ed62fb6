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

// Package events publishes device and workflow state changes as CloudEvents.
// Components receive a Publisher at construction; there is no global
// listener registry.
package events

import (
	"context"
	"sync"

	"github.com/carverauto/devicefleet/pkg/models"
)

// Publisher is the observer contract consumed by the registry, health
// monitor and workflow orchestrator.
type Publisher interface {
	PublishDeviceState(ctx context.Context, data models.DeviceStateEventData) error
	PublishDeviceHealth(ctx context.Context, data models.DeviceHealthEventData) error
	PublishWorkflowStatus(ctx context.Context, data models.WorkflowStatusEventData) error
}

// Noop returns a Publisher that discards all events.
func Noop() Publisher {
	return noopPublisher{}
}

type noopPublisher struct{}

func (noopPublisher) PublishDeviceState(context.Context, models.DeviceStateEventData) error {
	return nil
}

func (noopPublisher) PublishDeviceHealth(context.Context, models.DeviceHealthEventData) error {
	return nil
}

func (noopPublisher) PublishWorkflowStatus(context.Context, models.WorkflowStatusEventData) error {
	return nil
}

// Capture is an in-memory Publisher for tests.
type Capture struct {
	mu             sync.Mutex
	DeviceState    []models.DeviceStateEventData
	DeviceHealth   []models.DeviceHealthEventData
	WorkflowStatus []models.WorkflowStatusEventData
}

func (c *Capture) PublishDeviceState(_ context.Context, data models.DeviceStateEventData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.DeviceState = append(c.DeviceState, data)

	return nil
}

func (c *Capture) PublishDeviceHealth(_ context.Context, data models.DeviceHealthEventData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.DeviceHealth = append(c.DeviceHealth, data)

	return nil
}

func (c *Capture) PublishWorkflowStatus(_ context.Context, data models.WorkflowStatusEventData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.WorkflowStatus = append(c.WorkflowStatus, data)

	return nil
}

// HealthAlerts returns captured health alerts of the given kind.
func (c *Capture) HealthAlerts(kind string) []models.DeviceHealthEventData {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.DeviceHealthEventData

	for _, e := range c.DeviceHealth {
		if e.Alert == kind {
			out = append(out, e)
		}
	}

	return out
}
