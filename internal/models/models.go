package models

import "time"

// Step represents one annotated build step of a pipeline invocation
type Step struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// StepStatus represents the state of a step
type StepStatus string

const (
	StatusRunning   StepStatus = "running"
	StatusSucceeded StepStatus = "succeeded"
	StatusWarnings  StepStatus = "warnings"
	StatusFailed    StepStatus = "failed"
)

// Finished reports whether the step has completed
func (s StepStatus) Finished() bool {
	return s != StatusRunning
}

// Invocation summarizes one pipeline run
type Invocation struct {
	RunID     string    `json:"run_id"`
	Builder   string    `json:"builder"`
	Shape     string    `json:"shape"`
	StartedAt time.Time `json:"started_at"`
	Success   bool      `json:"success"` // false once any step has failed
	Steps     []Step    `json:"steps"`
}
