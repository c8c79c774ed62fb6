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

package scheduler

import (
	"time"

	"github.com/carverauto/devicefleet/pkg/models"
)

// Candidate score weights. The sum of weights is 1; the score is a
// deterministic function of device state so that identical inputs always
// pick the same device.
const (
	weightBattery     = 0.20
	weightTemperature = 0.15
	weightSuccessRate = 0.25
	weightRest        = 0.20
	weightAccount     = 0.10
	weightHeadroom    = 0.10
)

// scoreDevice computes the composite allocation score for a candidate.
func scoreDevice(device *models.Device, platform models.Platform, now time.Time) float64 {
	score := weightBattery * (device.Health.BatteryLevel / 100)

	if temp := (50 - device.Health.Temperature) / 50; temp > 0 {
		score += weightTemperature * temp
	}

	score += weightSuccessRate * (device.Stats.SuccessRate / 100)

	rest := 1.0
	if !device.Stats.LastActive.IsZero() {
		rest = now.Sub(device.Stats.LastActive).Hours() / 24
		if rest > 1 {
			rest = 1
		} else if rest < 0 {
			rest = 0
		}
	}

	score += weightRest * rest

	if device.HasAccount(platform) {
		score += weightAccount
	}

	if headroom := (100 - device.Health.MemoryUsage - device.Health.CPUUsage) / 200; headroom > 0 {
		score += weightHeadroom * headroom
	}

	return score
}

// pickBest returns the highest-scoring candidate, breaking ties on the
// lowest device id.
func pickBest(candidates []*models.Device, platform models.Platform, now time.Time) *models.Device {
	var (
		best      *models.Device
		bestScore float64
	)

	for _, d := range candidates {
		score := scoreDevice(d, platform, now)

		if best == nil || score > bestScore || (score == bestScore && d.DeviceID < best.DeviceID) {
			best = d
			bestScore = score
		}
	}

	return best
}
