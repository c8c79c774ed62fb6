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

package health

//go:generate mockgen -destination=mock_probe.go -package=health github.com/carverauto/devicefleet/pkg/health Probe

import (
	"context"
)

// Sample is one health reading for a device.
type Sample struct {
	BatteryLevel float64 `json:"battery_level"`
	Temperature  float64 `json:"temperature"`
	CPUUsage     float64 `json:"cpu_usage"`
	MemoryUsage  float64 `json:"memory_usage"`
}

// Probe queries the health of a single device. Implementations talk to the
// actual device bridge; Query may fail for unreachable devices.
type Probe interface {
	Query(ctx context.Context, deviceID string) (*Sample, error)
}
