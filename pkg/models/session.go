package models

import (
	"time"
)

// Session binds one granted allocation request to exactly one device for an
// activity window. A device holds at most one active session at a time.
type Session struct {
	SessionID  string    `json:"session_id"`
	RequestID  string    `json:"request_id"`
	DeviceID   string    `json:"device_id"`
	Platform   Platform  `json:"platform"`
	Activity   Activity  `json:"activity"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// SessionOutcome reports what a session accomplished; folded into device and
// workflow statistics on release.
type SessionOutcome struct {
	Success      bool  `json:"success"`
	WatchSeconds int64 `json:"watch_seconds"`
	Posts        int64 `json:"posts"`
	Engagements  int64 `json:"engagements"`
}
