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
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

var errSimProbeUnreachable = errors.New("simulated device unreachable")

// SimProbe is a seedable, deterministic probe for tests and demo fleets.
// Batteries drain over successive queries, hit zero, then recharge, so the
// monitor's offline/recovery transitions get exercised end to end.
type SimProbe struct {
	mu    sync.Mutex
	rng   *rand.Rand
	state map[string]*simState

	// FailureRate is the probability in [0,1] that a query fails.
	FailureRate float64
}

type simState struct {
	battery  float64
	temp     float64
	charging bool
}

func NewSimProbe(seed int64) *SimProbe {
	return &SimProbe{
		rng:   rand.New(rand.NewSource(seed)),
		state: make(map[string]*simState),
	}
}

func (p *SimProbe) Query(_ context.Context, deviceID string) (*Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailureRate > 0 && p.rng.Float64() < p.FailureRate {
		return nil, fmt.Errorf("%w: %s", errSimProbeUnreachable, deviceID)
	}

	s, ok := p.state[deviceID]
	if !ok {
		s = &simState{
			battery: 60 + p.rng.Float64()*40,
			temp:    25 + p.rng.Float64()*10,
		}
		p.state[deviceID] = s
	}

	if s.charging {
		s.battery += 15 + p.rng.Float64()*10
		if s.battery >= 100 {
			s.battery = 100
			s.charging = false
		}
	} else {
		s.battery -= 1 + p.rng.Float64()*3
		if s.battery <= 0 {
			s.battery = 0
			s.charging = true
		}
	}

	s.temp += p.rng.Float64()*4 - 2
	if s.temp < 20 {
		s.temp = 20
	} else if s.temp > 50 {
		s.temp = 50
	}

	return &Sample{
		BatteryLevel: s.battery,
		Temperature:  s.temp,
		CPUUsage:     10 + p.rng.Float64()*70,
		MemoryUsage:  20 + p.rng.Float64()*60,
	}, nil
}

// SetBattery pins a device's battery level, for tests that need to drive a
// specific transition.
func (p *SimProbe) SetBattery(deviceID string, level float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.state[deviceID]
	if !ok {
		s = &simState{temp: 30}
		p.state[deviceID] = s
	}

	s.battery = level
	s.charging = false
}
