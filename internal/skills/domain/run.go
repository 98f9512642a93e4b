// Package domain defines the core entities for skill-build workflow runs:
// runs, steps, artifacts, locks, usage records, and the typed errors the
// orchestration layer reports.
package domain

import "time"

// RunStatus is the overall lifecycle status of a workflow run.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunError      RunStatus = "error"
)

// StepStatus is the lifecycle status of a single workflow step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
)

// Run is one workflow run, created when a skill build starts. There is at
// most one run per skill; the run advances through its template's ordered
// steps and is only deleted together with the skill.
type Run struct {
	ID          int64
	GUID        string
	Skill       string
	TemplateID  string
	CurrentStep int
	Status      RunStatus
	// Intake holds free-form metadata captured when the skill was created.
	Intake    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Step is one (run, step index) pair. Steps are mutated only by the engine.
type Step struct {
	RunID  int64
	Index  int
	Name   string
	Status StepStatus
	// ErrorSummary is set when a worker failed while the step was in
	// progress. The step stays in_progress and re-runnable.
	ErrorSummary string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Artifact is one output file produced by a step, stored inline.
type Artifact struct {
	RunID     int64
	StepIndex int
	Path      string
	Content   []byte
	Size      int64
	CreatedAt time.Time
}

// SkillLock grants exclusive edit rights over a skill to one application
// instance. At most one live lock exists per skill.
type SkillLock struct {
	Skill       string
	InstanceID  string
	PID         int
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// UsageRecord aggregates token and cost metrics for one (agent id, model)
// pair. A single invocation may fan out to sub-invocations on different
// models, so multiple records can share an agent id.
type UsageRecord struct {
	AgentID          string
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          float64
	DurationMs       int64
	NumTurns         int
	StopReason       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
