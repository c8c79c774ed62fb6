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
	"sort"
	"time"

	"github.com/carverauto/devicefleet/pkg/models"
)

// builtinStrategies are the named coordination policies available to
// workflows. Strategies are immutable and looked up by name.
var builtinStrategies = map[string]*models.CoordinationStrategy{
	"default": {
		Name:           "default",
		Allocation:     models.AllocationRoundRobin,
		Timing:         models.TimingStaggered,
		Aggressiveness: "medium",
	},
	"balanced": {
		Name:           "balanced",
		Allocation:     models.AllocationLoadBalanced,
		Timing:         models.TimingStaggered,
		Aggressiveness: "medium",
	},
	"specialist": {
		Name:           "specialist",
		Allocation:     models.AllocationPlatformSpecialized,
		Timing:         models.TimingPeakHours,
		Aggressiveness: "high",
	},
	"stealth": {
		Name:           "stealth",
		Allocation:     models.AllocationRandom,
		Timing:         models.TimingOffPeak,
		Aggressiveness: "low",
	},
}

// assignment binds one platform to one device for a phase.
type assignment struct {
	platform models.Platform
	deviceID string
}

// assignDevices computes the per-platform device assignment for a phase.
// The assignment is computed once per phase and is deterministic for every
// mode except random, which draws from the orchestrator's seeded source.
func assignDevices(strategy *models.CoordinationStrategy, platforms []models.Platform, devices []*models.Device, rng *rand.Rand) []assignment {
	if len(devices) == 0 || len(platforms) == 0 {
		return nil
	}

	pool := append([]*models.Device(nil), devices...)

	switch strategy.Allocation {
	case models.AllocationLoadBalanced:
		sort.SliceStable(pool, func(i, j int) bool {
			li := pool[i].Health.CPUUsage + pool[i].Health.MemoryUsage
			lj := pool[j].Health.CPUUsage + pool[j].Health.MemoryUsage

			if li != lj {
				return li < lj
			}

			return pool[i].DeviceID < pool[j].DeviceID
		})
	case models.AllocationRandom:
		rng.Shuffle(len(pool), func(i, j int) {
			pool[i], pool[j] = pool[j], pool[i]
		})
	case models.AllocationRoundRobin, models.AllocationPlatformSpecialized:
		// round_robin keeps the declared device order; specialization is
		// handled per platform below.
	}

	out := make([]assignment, 0, len(platforms))

	for i, platform := range platforms {
		device := pool[i%len(pool)]

		if strategy.Allocation == models.AllocationPlatformSpecialized {
			if specialized := firstWithAccount(pool, platform); specialized != nil {
				device = specialized
			}
		}

		out = append(out, assignment{platform: platform, deviceID: device.DeviceID})
	}

	return out
}

func firstWithAccount(devices []*models.Device, platform models.Platform) *models.Device {
	for _, d := range devices {
		if d.HasAccount(platform) {
			return d
		}
	}

	return nil
}

// postDelay samples the inter-post delay for a timing mode: staggered posts
// spread 30-90s apart, off-peak posts 2-7min apart, everything else 10-40s.
func postDelay(timing models.TimingMode, rng *rand.Rand) time.Duration {
	switch timing {
	case models.TimingStaggered:
		return 30*time.Second + time.Duration(rng.Int63n(int64(60*time.Second)))
	case models.TimingOffPeak:
		return 2*time.Minute + time.Duration(rng.Int63n(int64(5*time.Minute)))
	default:
		return 10*time.Second + time.Duration(rng.Int63n(int64(30*time.Second)))
	}
}
