package models

import (
	"time"
)

// Priority orders allocation requests in the scheduler queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank maps a priority to a sortable weight; higher wins.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return 0
	}
}

// AllocationConstraints narrow the candidate device set for a request.
type AllocationConstraints struct {
	MinBattery     float64  `json:"min_battery,omitempty"`
	MaxTemperature float64  `json:"max_temperature,omitempty"`
	DeviceID       string   `json:"device_id,omitempty"`
}

// AllocationRequest asks the scheduler for one device capable of running the
// given activity on the given platform. Immutable once submitted.
type AllocationRequest struct {
	RequestID   string                 `json:"request_id"`
	Platform    Platform               `json:"platform"`
	Activity    Activity               `json:"activity"`
	Duration    Duration               `json:"duration,omitempty"`
	Priority    Priority               `json:"priority"`
	Constraints *AllocationConstraints `json:"constraints,omitempty"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// Grant is the scheduler's answer to a successful allocation.
type Grant struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Platform  Platform  `json:"platform"`
	Activity  Activity  `json:"activity"`
	GrantedAt time.Time `json:"granted_at"`
}
