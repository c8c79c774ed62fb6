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

package workflow

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/devicefleet/pkg/models"
)

func strategyDevice(id string, cpu, mem float64, accounts map[models.Platform]string) *models.Device {
	return &models.Device{
		DeviceID: id,
		Health:   models.HealthMetrics{CPUUsage: cpu, MemoryUsage: mem},
		Accounts: accounts,
	}
}

func TestAssignDevicesRoundRobinCyclesPool(t *testing.T) {
	devices := []*models.Device{
		strategyDevice("dev-1", 0, 0, nil),
		strategyDevice("dev-2", 0, 0, nil),
	}
	platforms := []models.Platform{
		models.PlatformTikTok,
		models.PlatformYouTube,
		models.PlatformInstagram,
	}

	got := assignDevices(builtinStrategies["default"], platforms, devices, rand.New(rand.NewSource(1)))
	require.Len(t, got, 3)

	assert.Equal(t, "dev-1", got[0].deviceID)
	assert.Equal(t, "dev-2", got[1].deviceID)
	assert.Equal(t, "dev-1", got[2].deviceID)
}

func TestAssignDevicesLoadBalancedPrefersIdleDevice(t *testing.T) {
	devices := []*models.Device{
		strategyDevice("dev-1", 80, 70, nil),
		strategyDevice("dev-2", 10, 20, nil),
	}

	got := assignDevices(builtinStrategies["balanced"], []models.Platform{models.PlatformTikTok}, devices, rand.New(rand.NewSource(1)))
	require.Len(t, got, 1)
	assert.Equal(t, "dev-2", got[0].deviceID)
}

func TestAssignDevicesPlatformSpecializedPrefersAccountHolder(t *testing.T) {
	devices := []*models.Device{
		strategyDevice("dev-1", 0, 0, nil),
		strategyDevice("dev-2", 0, 0, map[models.Platform]string{models.PlatformYouTube: "acct"}),
	}

	got := assignDevices(builtinStrategies["specialist"], []models.Platform{models.PlatformYouTube}, devices, rand.New(rand.NewSource(1)))
	require.Len(t, got, 1)
	assert.Equal(t, "dev-2", got[0].deviceID)

	// Without any account holder it falls back to cycling.
	got = assignDevices(builtinStrategies["specialist"], []models.Platform{models.PlatformTikTok}, devices, rand.New(rand.NewSource(1)))
	require.Len(t, got, 1)
	assert.Equal(t, "dev-1", got[0].deviceID)
}

func TestAssignDevicesRandomIsSeedDeterministic(t *testing.T) {
	devices := []*models.Device{
		strategyDevice("dev-1", 0, 0, nil),
		strategyDevice("dev-2", 0, 0, nil),
		strategyDevice("dev-3", 0, 0, nil),
	}
	platforms := []models.Platform{models.PlatformTikTok, models.PlatformYouTube}

	first := assignDevices(builtinStrategies["stealth"], platforms, devices, rand.New(rand.NewSource(99)))
	second := assignDevices(builtinStrategies["stealth"], platforms, devices, rand.New(rand.NewSource(99)))

	assert.Equal(t, first, second)

	// The input slice order must not be disturbed by the shuffle.
	assert.Equal(t, "dev-1", devices[0].DeviceID)
	assert.Equal(t, "dev-2", devices[1].DeviceID)
	assert.Equal(t, "dev-3", devices[2].DeviceID)
}

func TestAssignDevicesEmptyInputs(t *testing.T) {
	assert.Nil(t, assignDevices(builtinStrategies["default"], nil, []*models.Device{strategyDevice("dev-1", 0, 0, nil)}, rand.New(rand.NewSource(1))))
	assert.Nil(t, assignDevices(builtinStrategies["default"], []models.Platform{models.PlatformTikTok}, nil, rand.New(rand.NewSource(1))))
}

func TestPostDelayRanges(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	tests := []struct {
		name   string
		timing models.TimingMode
		min    time.Duration
		max    time.Duration
	}{
		{"staggered", models.TimingStaggered, 30 * time.Second, 90 * time.Second},
		{"off peak", models.TimingOffPeak, 2 * time.Minute, 7 * time.Minute},
		{"peak hours", models.TimingPeakHours, 10 * time.Second, 40 * time.Second},
		{"simultaneous", models.TimingSimultaneous, 10 * time.Second, 40 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 200; i++ {
				d := postDelay(tt.timing, rng)
				assert.GreaterOrEqual(t, d, tt.min)
				assert.Less(t, d, tt.max)
			}
		})
	}
}
