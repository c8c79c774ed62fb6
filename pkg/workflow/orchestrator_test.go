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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/devicefleet/pkg/clockwork"
	"github.com/carverauto/devicefleet/pkg/events"
	"github.com/carverauto/devicefleet/pkg/logger"
	"github.com/carverauto/devicefleet/pkg/models"
)

var errPostingBackendDown = errors.New("posting backend down")

type fakeAllocator struct {
	mu      sync.Mutex
	grants  int
	devices []string
}

func (f *fakeAllocator) Allocate(_ context.Context, req *models.AllocationRequest) (*models.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deviceID := ""
	if req.Constraints != nil {
		deviceID = req.Constraints.DeviceID
	}

	if deviceID == "" && len(f.devices) > 0 {
		deviceID = f.devices[f.grants%len(f.devices)]
	}

	f.grants++

	return &models.Grant{
		SessionID: fmt.Sprintf("sess-%d", f.grants),
		DeviceID:  deviceID,
		Platform:  req.Platform,
		Activity:  req.Activity,
	}, nil
}

type fakeSessions struct {
	mu        sync.Mutex
	released  []string
	outcomes  map[string]models.SessionOutcome
	workflows []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{outcomes: make(map[string]models.SessionOutcome)}
}

func (f *fakeSessions) Release(_ context.Context, sessionID string, outcome models.SessionOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.released = append(f.released, sessionID)
	f.outcomes[sessionID] = outcome

	return nil
}

func (f *fakeSessions) ReleaseByWorkflow(_ context.Context, workflowID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.workflows = append(f.workflows, workflowID)

	return nil
}

func (f *fakeSessions) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.released)
}

func (f *fakeSessions) forcedWorkflows() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.workflows...)
}

type fakeDevices struct {
	devices map[string]*models.Device
}

func (f *fakeDevices) Get(id string) (*models.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return nil, fmt.Errorf("device not found: %s", id)
	}

	return d.Clone(), nil
}

type fakeWatcher struct {
	watchSeconds int64
	engagements  int64
}

func (f *fakeWatcher) StartSession(_ context.Context, _ models.Platform, _, deviceID string, _ time.Duration) (string, error) {
	return "watch-" + deviceID, nil
}

func (f *fakeWatcher) GetSession(_ context.Context, _ string) (*WatchStats, error) {
	return &WatchStats{
		VideosWatched: 3,
		WatchSeconds:  f.watchSeconds,
		Engagements:   f.engagements,
	}, nil
}

type postRecord struct {
	platform models.Platform
	account  string
	at       time.Time
}

type fakePoster struct {
	mu    sync.Mutex
	clock clockwork.Clock
	fail  error
	posts []postRecord
}

func (f *fakePoster) PostContent(_ context.Context, platform models.Platform, accountID, _, _ string, _ []string) (*PostResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	f.posts = append(f.posts, postRecord{platform: platform, account: accountID, at: now})

	return &PostResult{
		Platform:  platform,
		AccountID: accountID,
		Success:   true,
		PostURL:   "https://example/" + accountID,
		PostedAt:  now,
	}, nil
}

func (f *fakePoster) recorded() []postRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]postRecord(nil), f.posts...)
}

type fakeEngager struct {
	count int64
}

func (f *fakeEngager) Engage(context.Context, models.Platform, string, time.Duration, string) (int64, error) {
	return f.count, nil
}

type memConfigStore struct {
	mu      sync.Mutex
	saved   map[string]*models.Workflow
	deleted []string
}

func newMemConfigStore() *memConfigStore {
	return &memConfigStore{saved: make(map[string]*models.Workflow)}
}

func (m *memConfigStore) Load(context.Context) ([]*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Workflow, 0, len(m.saved))
	for _, wf := range m.saved {
		out = append(out, wf.Clone())
	}

	return out, nil
}

func (m *memConfigStore) Save(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saved[wf.WorkflowID] = wf.Clone()

	return nil
}

func (m *memConfigStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.saved, id)
	m.deleted = append(m.deleted, id)

	return nil
}

func (m *memConfigStore) get(id string) *models.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.saved[id]
	if !ok {
		return nil
	}

	return wf.Clone()
}

type memReportStore struct {
	mu      sync.Mutex
	reports []*models.WorkflowReport
}

func (m *memReportStore) SaveReport(_ context.Context, report *models.WorkflowReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports = append(m.reports, report)

	return nil
}

func (m *memReportStore) all() []*models.WorkflowReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*models.WorkflowReport(nil), m.reports...)
}

type testHarness struct {
	orch      *Orchestrator
	clock     *clockwork.FakeClock
	allocator *fakeAllocator
	sessions  *fakeSessions
	poster    *fakePoster
	configs   *memConfigStore
	reports   *memReportStore
	capture   *events.Capture
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	clock := clockwork.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	devices := map[string]*models.Device{
		"dev-1": {
			DeviceID:  "dev-1",
			Platforms: []models.Platform{models.PlatformTikTok},
			Accounts:  map[models.Platform]string{models.PlatformTikTok: "acct-1"},
		},
		"dev-2": {
			DeviceID:  "dev-2",
			Platforms: []models.Platform{models.PlatformTikTok},
			Accounts:  map[models.Platform]string{models.PlatformTikTok: "acct-2"},
		},
	}

	h := &testHarness{
		clock:     clock,
		allocator: &fakeAllocator{devices: []string{"dev-1", "dev-2"}},
		sessions:  newFakeSessions(),
		poster:    &fakePoster{clock: clock},
		configs:   newMemConfigStore(),
		reports:   &memReportStore{},
		capture:   &events.Capture{},
	}

	h.orch = New(Deps{
		Allocator:   h.allocator,
		Sessions:    h.sessions,
		Devices:     &fakeDevices{devices: devices},
		Watcher:     &fakeWatcher{watchSeconds: 100, engagements: 4},
		Poster:      h.poster,
		Engager:     &fakeEngager{count: 7},
		ConfigStore: h.configs,
		ReportStore: h.reports,
		Publisher:   h.capture,
		Clock:       clock,
	}, Config{Seed: 1}, logger.NewTestLogger())

	t.Cleanup(func() {
		require.NoError(t, h.orch.Stop(context.Background()))
	})

	return h
}

// autoAdvance drives the fake clock forward in one-second steps so phase
// sleeps and post delays complete without real waiting.
func (h *testHarness) autoAdvance(t *testing.T) {
	t.Helper()

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		for {
			select {
			case <-done:
				return
			default:
				h.clock.Advance(time.Second)
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
}

func (h *testHarness) status(t *testing.T, id string) models.WorkflowStatus {
	t.Helper()

	wf, err := h.orch.GetWorkflow(id)
	require.NoError(t, err)

	return wf.Status
}

func demoDefinition() Definition {
	return Definition{
		Name:      "demo",
		DeviceIDs: []string{"dev-1", "dev-2"},
		Platforms: []models.Platform{models.PlatformTikTok},
		Phases: []models.Phase{
			{Type: models.PhaseWatch, Duration: models.Duration(2 * time.Minute), Parallel: true},
			{Type: models.PhasePost, Params: map[string]string{"media": "clip.mp4", "caption": "hi"}},
			{Type: models.PhaseAnalyze},
		},
	}
}

func TestCreateWorkflowValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := demoDefinition()
	def.Phases = nil
	_, err := h.orch.CreateWorkflow(ctx, def)
	assert.Error(t, err)

	def = demoDefinition()
	def.DeviceIDs = nil
	_, err = h.orch.CreateWorkflow(ctx, def)
	assert.Error(t, err)

	def = demoDefinition()
	def.Platforms = nil
	_, err = h.orch.CreateWorkflow(ctx, def)
	assert.Error(t, err)

	def = demoDefinition()
	def.Strategy = "blitz"
	_, err = h.orch.CreateWorkflow(ctx, def)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.CreateWorkflow(ctx, demoDefinition())
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowScheduled, h.status(t, id))

	h.autoAdvance(t)
	require.NoError(t, h.orch.StartWorkflow(id))

	require.Eventually(t, func() bool {
		return h.status(t, id) == models.WorkflowCompleted
	}, 10*time.Second, 5*time.Millisecond)

	wf, err := h.orch.GetWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wf.Stats.Runs)
	assert.Equal(t, int64(1), wf.Stats.Successes)
	assert.Equal(t, int64(100), wf.Stats.TotalWatchSeconds)
	assert.Equal(t, int64(2), wf.Stats.TotalPosts, "one post per assigned account")
	assert.Equal(t, int64(4), wf.Stats.TotalEngagements)

	// The watch session was released with its outcome.
	assert.Equal(t, 1, h.sessions.releasedCount())

	// The analyze phase persisted a report carrying the rollup.
	reports := h.reports.all()
	require.Len(t, reports, 1)
	assert.Equal(t, id, reports[0].WorkflowID)
	assert.Equal(t, int64(2), reports[0].PostsByPlatform[models.PlatformTikTok])

	// The final state reached the config store.
	persisted := h.configs.get(id)
	require.NotNil(t, persisted)
	assert.Equal(t, models.WorkflowCompleted, persisted.Status)
}

func TestPostPhaseStaggersPosts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := demoDefinition()
	def.Phases = []models.Phase{{Type: models.PhasePost, Params: map[string]string{"media": "clip.mp4"}}}

	id, err := h.orch.CreateWorkflow(ctx, def)
	require.NoError(t, err)

	h.autoAdvance(t)
	require.NoError(t, h.orch.StartWorkflow(id))

	require.Eventually(t, func() bool {
		return h.status(t, id) == models.WorkflowCompleted
	}, 10*time.Second, 5*time.Millisecond)

	posts := h.poster.recorded()
	require.Len(t, posts, 2)

	// Default strategy staggers posts 30-90s apart. The fake clock moves in
	// one-second steps, so allow one step of slack on the upper bound.
	gap := posts[1].at.Sub(posts[0].at)
	assert.GreaterOrEqual(t, gap, 30*time.Second)
	assert.LessOrEqual(t, gap, 91*time.Second)
}

func TestWorkflowFailsWhenPosterErrors(t *testing.T) {
	h := newHarness(t)
	h.poster.fail = errPostingBackendDown
	ctx := context.Background()

	id, err := h.orch.CreateWorkflow(ctx, demoDefinition())
	require.NoError(t, err)

	h.autoAdvance(t)
	require.NoError(t, h.orch.StartWorkflow(id))

	require.Eventually(t, func() bool {
		return h.status(t, id) == models.WorkflowFailed
	}, 10*time.Second, 5*time.Millisecond)

	wf, err := h.orch.GetWorkflow(id)
	require.NoError(t, err)
	assert.Contains(t, wf.FailureReason, "post phase")

	// Earlier phases' statistics are retained.
	assert.Equal(t, int64(100), wf.Stats.TotalWatchSeconds)
	assert.Zero(t, wf.Stats.Successes)

	// Held sessions were force-released.
	assert.Contains(t, h.sessions.forcedWorkflows(), id)

	persisted := h.configs.get(id)
	require.NotNil(t, persisted)
	assert.Equal(t, models.WorkflowFailed, persisted.Status)
}

func TestPauseGatesPhaseBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := demoDefinition()
	def.Phases = []models.Phase{
		{Type: models.PhaseWait, Duration: models.Duration(time.Minute)},
		{Type: models.PhaseWait, Duration: models.Duration(time.Minute)},
	}

	id, err := h.orch.CreateWorkflow(ctx, def)
	require.NoError(t, err)
	require.NoError(t, h.orch.StartWorkflow(id))

	// Phase 1 is sleeping; pause takes effect at the phase boundary.
	h.clock.BlockUntil(1)
	require.True(t, h.orch.PauseWorkflow(id))
	assert.Equal(t, models.WorkflowPaused, h.status(t, id))

	// Finish phase 1 and the inter-phase pause; the runner must now hold.
	h.clock.Advance(time.Minute)
	h.clock.BlockUntil(1)
	h.clock.Advance(time.Duration(h.orch.config.InterPhasePause))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, models.WorkflowPaused, h.status(t, id))

	require.True(t, h.orch.ResumeWorkflow(id))

	h.clock.BlockUntil(1)
	h.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return h.status(t, id) == models.WorkflowCompleted
	}, 10*time.Second, 5*time.Millisecond)
}

func TestStopWorkflowReleasesAndDeletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := demoDefinition()
	def.Phases = []models.Phase{{Type: models.PhaseWait, Duration: models.Duration(time.Hour)}}

	id, err := h.orch.CreateWorkflow(ctx, def)
	require.NoError(t, err)
	require.NoError(t, h.orch.StartWorkflow(id))

	require.Eventually(t, func() bool {
		return h.status(t, id) == models.WorkflowRunning
	}, 10*time.Second, 5*time.Millisecond)

	require.True(t, h.orch.StopWorkflow(ctx, id))

	_, err = h.orch.GetWorkflow(id)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	assert.Contains(t, h.sessions.forcedWorkflows(), id)
	assert.Nil(t, h.configs.get(id))

	assert.False(t, h.orch.StopWorkflow(ctx, id))
}

func TestRepeatDailyReschedulesAfterADay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := h.clock.Now()

	def := demoDefinition()
	def.Schedule = models.Schedule{
		Start:       now.Add(-25 * time.Hour),
		RepeatDaily: true,
	}

	id, err := h.orch.CreateWorkflow(ctx, def)
	require.NoError(t, err)

	// Put the workflow in the state a finished run leaves behind.
	h.orch.mu.Lock()
	e := h.orch.workflows[id]
	e.wf.Status = models.WorkflowCompleted
	e.wf.Stats.LastRun = now.Add(-25 * time.Hour)
	h.orch.mu.Unlock()

	h.orch.Scan()

	wf, err := h.orch.GetWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowScheduled, wf.Status)

	// Next run keeps the original start's time of day, in the future.
	assert.Equal(t, now.Add(23*time.Hour), wf.Stats.NextRun)

	persisted := h.configs.get(id)
	require.NotNil(t, persisted)
	assert.Equal(t, models.WorkflowScheduled, persisted.Status)
}

func TestNextDailyRun(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "later the same day",
			now:  time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "several days elapsed",
			now:  time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at start",
			now:  start,
			want: start.Add(24 * time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextDailyRun(start, tt.now))
		})
	}
}

// trackCancel wraps a launched workflow's cancel func so a test can assert
// the run context is released on terminal transitions. Call while the runner
// is parked on a fake-clock wait.
func trackCancel(t *testing.T, h *testHarness, id string) *atomic.Bool {
	t.Helper()

	var called atomic.Bool

	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()

	e, ok := h.orch.workflows[id]
	require.True(t, ok)
	require.NotNil(t, e.cancel)

	orig := e.cancel
	e.cancel = func() {
		called.Store(true)
		orig()
	}

	return &called
}

func TestCompletedRunReleasesRunContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := demoDefinition()
	def.Phases = []models.Phase{{Type: models.PhaseWait, Duration: models.Duration(time.Minute)}}

	id, err := h.orch.CreateWorkflow(ctx, def)
	require.NoError(t, err)
	require.NoError(t, h.orch.StartWorkflow(id))

	h.clock.BlockUntil(1)
	canceled := trackCancel(t, h, id)

	h.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return h.status(t, id) == models.WorkflowCompleted
	}, 10*time.Second, 5*time.Millisecond)

	assert.True(t, canceled.Load(), "run context must be released on completion")
}

func TestFailedRunReleasesRunContext(t *testing.T) {
	h := newHarness(t)
	h.poster.fail = errPostingBackendDown
	ctx := context.Background()

	def := demoDefinition()
	def.Phases = []models.Phase{
		{Type: models.PhaseWait, Duration: models.Duration(time.Minute)},
		{Type: models.PhasePost, Params: map[string]string{"media": "clip.mp4"}},
	}

	id, err := h.orch.CreateWorkflow(ctx, def)
	require.NoError(t, err)
	require.NoError(t, h.orch.StartWorkflow(id))

	h.clock.BlockUntil(1)
	canceled := trackCancel(t, h, id)

	h.clock.Advance(time.Minute)

	// Inter-phase pause, then the post phase fails immediately.
	h.clock.BlockUntil(1)
	h.clock.Advance(time.Duration(h.orch.config.InterPhasePause))

	require.Eventually(t, func() bool {
		return h.status(t, id) == models.WorkflowFailed
	}, 10*time.Second, 5*time.Millisecond)

	assert.True(t, canceled.Load(), "run context must be released on failure")
}

func TestLoadPersistedRejectsUnknownStrategy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.configs.Save(ctx, &models.Workflow{
		WorkflowID: "wf-stale",
		Name:       "stale strategy",
		Status:     models.WorkflowScheduled,
		DeviceIDs:  []string{"dev-1"},
		Platforms:  []models.Platform{models.PlatformTikTok},
		Phases:     []models.Phase{{Type: models.PhaseWatch, Duration: models.Duration(time.Minute)}},
		Strategy:   "blitz",
	}))

	require.NoError(t, h.orch.LoadPersisted(ctx))

	// A scan pass must not launch the workflow, let alone crash on it.
	h.orch.Scan()

	wf, err := h.orch.GetWorkflow("wf-stale")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowFailed, wf.Status)
	assert.Contains(t, wf.FailureReason, "unknown coordination strategy")
}

func TestLoadPersistedDefaultsMissingStrategy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.configs.Save(ctx, &models.Workflow{
		WorkflowID: "wf-old",
		Name:       "pre-strategy format",
		Status:     models.WorkflowScheduled,
		DeviceIDs:  []string{"dev-1"},
		Platforms:  []models.Platform{models.PlatformTikTok},
		Phases:     []models.Phase{{Type: models.PhaseWait, Duration: models.Duration(time.Minute)}},
		Schedule:   models.Schedule{Start: h.clock.Now().Add(time.Hour)},
	}))

	require.NoError(t, h.orch.LoadPersisted(ctx))

	wf, err := h.orch.GetWorkflow("wf-old")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowScheduled, wf.Status)
	assert.Equal(t, "default", wf.Strategy)
}

func TestLoadPersistedResetsRunningWorkflows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.configs.Save(ctx, &models.Workflow{
		WorkflowID: "wf-1",
		Name:       "restored",
		Status:     models.WorkflowRunning,
		DeviceIDs:  []string{"dev-1"},
		Platforms:  []models.Platform{models.PlatformTikTok},
		Phases:     []models.Phase{{Type: models.PhaseWait}},
	}))

	require.NoError(t, h.orch.LoadPersisted(ctx))

	wf, err := h.orch.GetWorkflow("wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowScheduled, wf.Status)
}
