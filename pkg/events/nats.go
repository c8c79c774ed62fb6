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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/devicefleet/pkg/models"
)

const (
	eventSource = "devicefleet/core"

	subjectDeviceState    = "events.device.state"
	subjectDeviceHealth   = "events.device.health"
	subjectWorkflowStatus = "events.workflow.status"

	typeDeviceState    = "com.carverauto.devicefleet.device.state"
	typeDeviceHealth   = "com.carverauto.devicefleet.device.health"
	typeWorkflowStatus = "com.carverauto.devicefleet.workflow.status"
)

// NATSPublisher publishes CloudEvents to a NATS JetStream stream.
type NATSPublisher struct {
	js jetstream.JetStream
}

// NewNATSPublisher creates a publisher on an existing JetStream context.
func NewNATSPublisher(js jetstream.JetStream) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// EnsureStream creates or updates the events stream that holds all
// devicefleet event subjects.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string) error {
	if name == "" {
		name = "events"
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{"events.device.*", "events.workflow.*"},
	})
	if err != nil {
		return fmt.Errorf("failed to create events stream %s: %w", name, err)
	}

	return nil
}

func (p *NATSPublisher) PublishDeviceState(ctx context.Context, data models.DeviceStateEventData) error {
	return p.publish(ctx, typeDeviceState, subjectDeviceState, data.Timestamp, data)
}

func (p *NATSPublisher) PublishDeviceHealth(ctx context.Context, data models.DeviceHealthEventData) error {
	return p.publish(ctx, typeDeviceHealth, subjectDeviceHealth, data.Timestamp, data)
}

func (p *NATSPublisher) PublishWorkflowStatus(ctx context.Context, data models.WorkflowStatusEventData) error {
	return p.publish(ctx, typeWorkflowStatus, subjectWorkflowStatus, data.Timestamp, data)
}

func (p *NATSPublisher) publish(ctx context.Context, eventType, subject string, at time.Time, data interface{}) error {
	event := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventType,
		DataContentType: "application/json",
		Subject:         subject,
		Time:            &at,
		Data:            data,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", eventType, err)
	}

	if _, err := p.js.Publish(ctx, subject, eventBytes); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", eventType, err)
	}

	return nil
}
