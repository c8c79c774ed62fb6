package models

// AllocationMode controls how a coordination strategy assigns devices to
// platforms within a workflow phase.
type AllocationMode string

const (
	AllocationRoundRobin          AllocationMode = "round_robin"
	AllocationLoadBalanced        AllocationMode = "load_balanced"
	AllocationPlatformSpecialized AllocationMode = "platform_specialized"
	AllocationRandom              AllocationMode = "random"
)

// TimingMode controls inter-action pacing within a phase.
type TimingMode string

const (
	TimingStaggered    TimingMode = "staggered"
	TimingSimultaneous TimingMode = "simultaneous"
	TimingPeakHours    TimingMode = "peak_hours"
	TimingOffPeak      TimingMode = "off_peak"
)

// CoordinationStrategy is a named, immutable policy looked up by workflows.
type CoordinationStrategy struct {
	Name            string         `json:"name"`
	Allocation      AllocationMode `json:"allocation"`
	ContentStrategy string         `json:"content_strategy,omitempty"`
	Timing          TimingMode     `json:"timing"`
	Aggressiveness  string         `json:"aggressiveness,omitempty"`
}
