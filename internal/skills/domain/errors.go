package domain

import "fmt"

// RunNotFoundError indicates that no workflow run exists with the given id.
type RunNotFoundError struct {
	RunID int64
	Skill string
}

// Error implements the error interface.
func (e *RunNotFoundError) Error() string {
	if e.Skill != "" {
		return fmt.Sprintf("workflow run not found: skill=%q", e.Skill)
	}
	return fmt.Sprintf("workflow run not found: id=%d", e.RunID)
}

// InvalidStepTransitionError indicates the requested step is not the current
// step or its immediate successor.
type InvalidStepTransitionError struct {
	RunID     int64
	Current   int
	Requested int
}

// Error implements the error interface.
func (e *InvalidStepTransitionError) Error() string {
	return fmt.Sprintf("invalid step transition for run %d: current=%d requested=%d", e.RunID, e.Current, e.Requested)
}

// DuplicateInvocationError indicates an agent id was reused while a live
// invocation is still tracked under it.
type DuplicateInvocationError struct {
	AgentID string
}

// Error implements the error interface.
func (e *DuplicateInvocationError) Error() string {
	return fmt.Sprintf("invocation already live for agent %q", e.AgentID)
}

// WorkerSpawnFailedError indicates the OS-level process start failed.
type WorkerSpawnFailedError struct {
	AgentID string
	Err     error
}

// Error implements the error interface.
func (e *WorkerSpawnFailedError) Error() string {
	return fmt.Sprintf("spawning worker for agent %q: %v", e.AgentID, e.Err)
}

// Unwrap returns the underlying OS error.
func (e *WorkerSpawnFailedError) Unwrap() error { return e.Err }

// LockHeldError indicates another live instance holds the skill lock.
type LockHeldError struct {
	Skill     string
	HolderID  string
	HolderPID int
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	return fmt.Sprintf("skill %q is locked by instance %q (pid %d)", e.Skill, e.HolderID, e.HolderPID)
}

// LockNotOwnedError indicates a release was attempted by a non-owner.
type LockNotOwnedError struct {
	Skill      string
	InstanceID string
}

// Error implements the error interface.
func (e *LockNotOwnedError) Error() string {
	return fmt.Sprintf("skill %q lock is not owned by instance %q", e.Skill, e.InstanceID)
}

// ArtifactPersistError indicates artifact rows could not be written. The
// engine must not advance the run past a step whose artifacts failed to
// persist.
type ArtifactPersistError struct {
	RunID     int64
	StepIndex int
	Err       error
}

// Error implements the error interface.
func (e *ArtifactPersistError) Error() string {
	return fmt.Sprintf("persisting artifacts for run %d step %d: %v", e.RunID, e.StepIndex, e.Err)
}

// Unwrap returns the underlying storage error.
func (e *ArtifactPersistError) Unwrap() error { return e.Err }

// StepNotResettableError indicates a reset targeted a step index outside the
// run's step range.
type StepNotResettableError struct {
	RunID     int64
	StepIndex int
	StepCount int
}

// Error implements the error interface.
func (e *StepNotResettableError) Error() string {
	return fmt.Sprintf("step %d out of range for run %d (steps: %d)", e.StepIndex, e.RunID, e.StepCount)
}

// GateBlockedError indicates an advance was attempted past a gate that has
// not passed. A blocked-contradiction gate cannot be passed programmatically.
type GateBlockedError struct {
	RunID     int64
	StepIndex int
	// Outcome is the recorded gate outcome, or empty when the gate was
	// never evaluated.
	Outcome string
}

// Error implements the error interface.
func (e *GateBlockedError) Error() string {
	if e.Outcome == "" {
		return fmt.Sprintf("run %d step %d is gated and the gate has not been evaluated", e.RunID, e.StepIndex)
	}
	return fmt.Sprintf("run %d step %d gate outcome is %q", e.RunID, e.StepIndex, e.Outcome)
}
