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
	"time"

	"github.com/carverauto/devicefleet/pkg/models"
)

// Allocator is the scheduler surface the orchestrator consumes. Allocate
// suspends until a device is granted, the request is rejected, or ctx is
// canceled.
type Allocator interface {
	Allocate(ctx context.Context, req *models.AllocationRequest) (*models.Grant, error)
}

// SessionReleaser is the session-manager surface the orchestrator consumes.
type SessionReleaser interface {
	Release(ctx context.Context, sessionID string, outcome models.SessionOutcome) error
	ReleaseByWorkflow(ctx context.Context, workflowID string) []string
}

// DeviceReader provides read access to device state for strategy decisions.
// The orchestrator never mutates device state.
type DeviceReader interface {
	Get(id string) (*models.Device, error)
}

// WatchStats is what the content-watching collaborator reports for a
// finished session.
type WatchStats struct {
	VideosWatched int   `json:"videos_watched"`
	WatchSeconds  int64 `json:"watch_seconds"`
	Engagements   int64 `json:"engagements"`
}

// ContentWatchingService drives on-device content watching. External
// collaborator; transport and automation details are out of scope here.
type ContentWatchingService interface {
	StartSession(ctx context.Context, platform models.Platform, profile, deviceID string, duration time.Duration) (string, error)
	GetSession(ctx context.Context, watchSessionID string) (*WatchStats, error)
}

// PostResult is the outcome of a single post attempt.
type PostResult struct {
	Platform  models.Platform `json:"platform"`
	AccountID string          `json:"account_id"`
	Success   bool            `json:"success"`
	PostURL   string          `json:"post_url,omitempty"`
	Error     string          `json:"error,omitempty"`
	PostedAt  time.Time       `json:"posted_at"`
}

// PostingService publishes content to a platform account. External
// collaborator.
type PostingService interface {
	PostContent(ctx context.Context, platform models.Platform, accountID, media, caption string, tags []string) (*PostResult, error)
}

// EngagementService runs engagement automation on a device for a bounded
// duration and reports how many engagements were performed. Contract only.
type EngagementService interface {
	Engage(ctx context.Context, platform models.Platform, deviceID string, duration time.Duration, aggressiveness string) (int64, error)
}
