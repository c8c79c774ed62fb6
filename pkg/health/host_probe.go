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

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostProbe reads health from the local host. It serves emulator fleets
// colocated with fleetd, where every pooled device shares the host's
// resources. Emulators have no battery, so the level is reported as full.
type HostProbe struct{}

func NewHostProbe() *HostProbe {
	return &HostProbe{}
}

func (*HostProbe) Query(ctx context.Context, deviceID string) (*Sample, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu usage for %s: %w", deviceID, err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage for %s: %w", deviceID, err)
	}

	sample := &Sample{
		BatteryLevel: 100,
		MemoryUsage:  vm.UsedPercent,
	}

	if len(percents) > 0 {
		sample.CPUUsage = percents[0]
	}

	// Sensor support varies by platform; a missing sensor is not a probe failure.
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil && len(temps) > 0 {
		var sum float64
		for _, t := range temps {
			sum += t.Temperature
		}

		sample.Temperature = sum / float64(len(temps))
	}

	return sample, nil
}
