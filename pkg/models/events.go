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

package models

import (
	"fmt"
	"time"
)

// NATSConfig configures NATS connectivity for events and KV stores.
type NATSConfig struct {
	URL    string `json:"url"`
	Domain string `json:"domain,omitempty"`
}

// Validate ensures the NATS configuration is valid.
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("nats url is required")
	}

	return nil
}

// EventsConfig configures the event publishing system.
type EventsConfig struct {
	Enabled    bool   `json:"enabled"`
	StreamName string `json:"stream_name"`
}

// CloudEvent is the envelope for all published events.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// DeviceStateEventData is the payload of a device state change event.
type DeviceStateEventData struct {
	DeviceID       string       `json:"device_id"`
	PreviousStatus DeviceStatus `json:"previous_status"`
	CurrentStatus  DeviceStatus `json:"current_status"`
	Reason         string       `json:"reason,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// DeviceHealthEventData is the payload of a health alert event.
type DeviceHealthEventData struct {
	DeviceID  string        `json:"device_id"`
	Alert     string        `json:"alert"`
	Health    HealthMetrics `json:"health"`
	Timestamp time.Time     `json:"timestamp"`
}

// Health alert kinds raised by the health monitor.
const (
	HealthAlertLowBattery  = "low_battery"
	HealthAlertOverheating = "overheating"
	HealthAlertProbeFailed = "health_check_failed"
)

// WorkflowStatusEventData is the payload of a workflow status change event.
type WorkflowStatusEventData struct {
	WorkflowID     string         `json:"workflow_id"`
	PreviousStatus WorkflowStatus `json:"previous_status"`
	CurrentStatus  WorkflowStatus `json:"current_status"`
	Reason         string         `json:"reason,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
