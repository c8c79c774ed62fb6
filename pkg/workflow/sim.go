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
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/devicefleet/pkg/models"
)

var errUnknownWatchSession = errors.New("unknown watch session")

// SimWatcher is a seedable ContentWatchingService double. Reported watch
// figures are deterministic for a fixed seed and call order.
type SimWatcher struct {
	mu       sync.Mutex
	rng      *rand.Rand
	sessions map[string]*WatchStats
}

func NewSimWatcher(seed int64) *SimWatcher {
	return &SimWatcher{
		rng:      rand.New(rand.NewSource(seed)),
		sessions: make(map[string]*WatchStats),
	}
}

func (w *SimWatcher) StartSession(_ context.Context, _ models.Platform, _, _ string, duration time.Duration) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seconds := int64(duration.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	id := uuid.New().String()

	// Watch time covers 50-100% of the session; roughly one video per
	// half minute and an engagement every few videos.
	watched := seconds/2 + w.rng.Int63n(seconds/2+1)

	w.sessions[id] = &WatchStats{
		VideosWatched: int(watched/30) + 1,
		WatchSeconds:  watched,
		Engagements:   w.rng.Int63n(watched/60 + 1),
	}

	return id, nil
}

func (w *SimWatcher) GetSession(_ context.Context, watchSessionID string) (*WatchStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats, ok := w.sessions[watchSessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownWatchSession, watchSessionID)
	}

	copied := *stats

	return &copied, nil
}

// SimPoster is a seedable PostingService double. FailureRate in [0,1]
// controls how often a post is rejected.
type SimPoster struct {
	FailureRate float64

	mu    sync.Mutex
	rng   *rand.Rand
	clock interface{ Now() time.Time }
}

func NewSimPoster(seed int64, clock interface{ Now() time.Time }) *SimPoster {
	return &SimPoster{
		rng:   rand.New(rand.NewSource(seed)),
		clock: clock,
	}
}

func (p *SimPoster) PostContent(_ context.Context, platform models.Platform, accountID, _, _ string, _ []string) (*PostResult, error) {
	p.mu.Lock()
	rejected := p.FailureRate > 0 && p.rng.Float64() < p.FailureRate
	p.mu.Unlock()

	result := &PostResult{
		Platform:  platform,
		AccountID: accountID,
		PostedAt:  p.clock.Now(),
	}

	if rejected {
		result.Error = "post rejected"
		return result, nil
	}

	result.Success = true
	result.PostURL = fmt.Sprintf("https://%s/%s/%s", platform, accountID, uuid.New().String())

	return result, nil
}

// SimEngager is a seedable EngagementService double. Engagement volume
// scales with duration and aggressiveness.
type SimEngager struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimEngager(seed int64) *SimEngager {
	return &SimEngager{rng: rand.New(rand.NewSource(seed))}
}

func (e *SimEngager) Engage(_ context.Context, _ models.Platform, _ string, duration time.Duration, aggressiveness string) (int64, error) {
	perMinute := int64(2)

	switch aggressiveness {
	case "high":
		perMinute = 6
	case "low":
		perMinute = 1
	}

	minutes := int64(duration.Minutes())
	if minutes < 1 {
		minutes = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	base := minutes * perMinute

	return base/2 + e.rng.Int63n(base/2+1), nil
}
