package models

import (
	"time"
)

// PhaseType is one step kind in a workflow's phase list.
type PhaseType string

const (
	PhaseWatch   PhaseType = "watch"
	PhasePost    PhaseType = "post"
	PhaseEngage  PhaseType = "engage"
	PhaseWait    PhaseType = "wait"
	PhaseAnalyze PhaseType = "analyze"
)

// Phase is a single step of a workflow.
type Phase struct {
	Type     PhaseType         `json:"type"`
	Duration Duration          `json:"duration,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Parallel bool              `json:"parallel,omitempty"`
}

// Schedule is the execution window of a workflow.
type Schedule struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end,omitempty"`
	RepeatDaily bool      `json:"repeat_daily,omitempty"`
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowScheduled WorkflowStatus = "scheduled"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowStats aggregates results over all runs of a workflow. Counters are
// only incremented from completed or explicitly reported sessions.
type WorkflowStats struct {
	Runs              int64     `json:"runs"`
	Successes         int64     `json:"successes"`
	TotalWatchSeconds int64     `json:"total_watch_seconds"`
	TotalPosts        int64     `json:"total_posts"`
	TotalEngagements  int64     `json:"total_engagements"`
	LastRun           time.Time `json:"last_run,omitempty"`
	NextRun           time.Time `json:"next_run,omitempty"`
}

// Workflow is an ordered sequence of phases executed across a device subset
// under a named coordination strategy.
type Workflow struct {
	WorkflowID    string         `json:"workflow_id"`
	Name          string         `json:"name"`
	DeviceIDs     []string       `json:"device_ids"`
	Platforms     []Platform     `json:"platforms"`
	Schedule      Schedule       `json:"schedule"`
	Phases        []Phase        `json:"phases"`
	Strategy      string         `json:"strategy"`
	Status        WorkflowStatus `json:"status"`
	Stats         WorkflowStats  `json:"stats"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Clone returns a deep copy safe to hand to callers outside the orchestrator.
func (w *Workflow) Clone() *Workflow {
	out := *w

	out.DeviceIDs = append([]string(nil), w.DeviceIDs...)
	out.Platforms = append([]Platform(nil), w.Platforms...)
	out.Phases = make([]Phase, len(w.Phases))

	for i, p := range w.Phases {
		out.Phases[i] = p

		if p.Params != nil {
			params := make(map[string]string, len(p.Params))
			for k, v := range p.Params {
				params[k] = v
			}

			out.Phases[i].Params = params
		}
	}

	return &out
}

// WorkflowReport is the snapshot persisted by an analyze phase.
type WorkflowReport struct {
	ReportID        string             `json:"report_id"`
	WorkflowID      string             `json:"workflow_id"`
	GeneratedAt     time.Time          `json:"generated_at"`
	Elapsed         Duration           `json:"elapsed"`
	Stats           WorkflowStats      `json:"stats"`
	DeviceCount     int                `json:"device_count"`
	PlatformCount   int                `json:"platform_count"`
	ActivityCount   map[string]int     `json:"activity_count,omitempty"`
	PostsByPlatform map[Platform]int64 `json:"posts_by_platform,omitempty"`
}
