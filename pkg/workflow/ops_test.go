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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/devicefleet/pkg/models"
)

func TestStartContentWatchingWorkflowRequiresPlatform(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.StartContentWatchingWorkflow(context.Background(), WatchConfig{Name: "bad"})
	assert.ErrorIs(t, err, errNoPlatform)
}

func TestStartContentWatchingWorkflowCompletesInBackground(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.autoAdvance(t)

	launch, err := h.orch.StartContentWatchingWorkflow(ctx, WatchConfig{
		Name:     "farm tiktok",
		Platform: models.PlatformTikTok,
		Devices:  2,
		Duration: models.Duration(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, launch.SessionIDs, 2)

	// The workflow is live immediately, before any session finishes.
	wf, err := h.orch.GetWorkflow(launch.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, wf.Status)
	assert.Equal(t, int64(1), wf.Stats.Runs)
	assert.Len(t, wf.DeviceIDs, 2)

	require.Eventually(t, func() bool {
		return h.status(t, launch.WorkflowID) == models.WorkflowCompleted
	}, 10*time.Second, 5*time.Millisecond)

	wf, err = h.orch.GetWorkflow(launch.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wf.Stats.Successes)
	assert.Equal(t, int64(200), wf.Stats.TotalWatchSeconds, "both sessions fold their stats")
	assert.Equal(t, int64(8), wf.Stats.TotalEngagements)

	assert.Equal(t, 2, h.sessions.releasedCount())
}

func TestCoordinateContentPostingRequiresTargets(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.CoordinateContentPosting(context.Background(), PostingConfig{Media: "clip.mp4"})
	assert.ErrorIs(t, err, errNoTargets)
}

func TestCoordinateContentPostingSingleTarget(t *testing.T) {
	h := newHarness(t)

	results, err := h.orch.CoordinateContentPosting(context.Background(), PostingConfig{
		Targets: []PostTarget{{Platform: models.PlatformTikTok, AccountID: "acct-1"}},
		Media:   "clip.mp4",
		Caption: "hello",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, results[0].Success)
	assert.Equal(t, "acct-1", results[0].AccountID)

	// A single target posts immediately, with no pacing delay.
	require.Len(t, h.poster.recorded(), 1)
	assert.Equal(t, h.clock.Now(), h.poster.recorded()[0].at)
}

func TestCoordinateContentPostingPacesTargets(t *testing.T) {
	h := newHarness(t)

	h.autoAdvance(t)

	results, err := h.orch.CoordinateContentPosting(context.Background(), PostingConfig{
		Targets: []PostTarget{
			{Platform: models.PlatformTikTok, AccountID: "acct-1"},
			{Platform: models.PlatformYouTube, AccountID: "acct-2"},
			{Platform: models.PlatformInstagram, AccountID: "acct-3"},
		},
		Media: "clip.mp4",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	posts := h.poster.recorded()
	require.Len(t, posts, 3)

	// Default timing staggers posts 30-90s apart; the clock moves in
	// one-second steps, so allow a step of slack on the upper bound.
	for i := 1; i < len(posts); i++ {
		gap := posts[i].at.Sub(posts[i-1].at)
		assert.GreaterOrEqual(t, gap, 30*time.Second)
		assert.LessOrEqual(t, gap, 91*time.Second)
	}
}

func TestCoordinateContentPostingRecordsFailures(t *testing.T) {
	h := newHarness(t)
	h.poster.fail = errPostingBackendDown

	results, err := h.orch.CoordinateContentPosting(context.Background(), PostingConfig{
		Targets: []PostTarget{{Platform: models.PlatformTikTok, AccountID: "acct-1"}},
		Media:   "clip.mp4",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "posting backend down")
}
