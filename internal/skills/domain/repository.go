package domain

// RunRepository persists workflow runs and their steps. All mutations go
// through the single serialized database writer.
type RunRepository interface {
	// CreateRun inserts a new run plus one pending step row per name, in
	// one transaction. Sets run.ID on success.
	CreateRun(run *Run, stepNames []string) error

	// GetRun retrieves a run by its internal id.
	// Returns RunNotFoundError if no run exists.
	GetRun(id int64) (*Run, error)

	// GetRunBySkill retrieves the run owning a skill.
	GetRunBySkill(skill string) (*Run, error)

	// UpdateRun persists the run's current step, status, and intake.
	UpdateRun(run *Run) error

	// GetSteps returns all steps of a run ordered by index.
	GetSteps(runID int64) ([]Step, error)

	// GetStep returns one step.
	GetStep(runID int64, index int) (*Step, error)

	// UpdateStep persists a step's status, error summary, and timestamps.
	UpdateStep(step *Step) error

	// ResetFrom atomically deletes all artifacts with step index >= from,
	// resets those steps to pending (clearing timestamps and error
	// summaries), and rewinds the run's current step. Returns the deleted
	// artifact paths. Resetting already-pending steps deletes nothing.
	ResetFrom(runID int64, from int) ([]string, error)

	// ListInProgressSteps returns steps left in_progress, used for crash
	// recovery at startup.
	ListInProgressSteps() ([]Step, error)
}

// ArtifactRepository persists step output files inline.
type ArtifactRepository interface {
	// SaveAll writes all artifacts for one step in a single transaction,
	// replacing any previous content at the same paths.
	SaveAll(artifacts []Artifact) error

	// List returns artifacts for a run with step index >= from, ordered by
	// (step index, path). Pass from = 0 for all.
	List(runID int64, from int) ([]Artifact, error)

	// ListPaths returns only the paths of artifacts with step index >= from.
	ListPaths(runID int64, from int) ([]string, error)

	// Get returns one artifact's content.
	Get(runID int64, stepIndex int, path string) (*Artifact, error)
}

// LockRepository persists skill locks.
type LockRepository interface {
	// Get returns the lock row for a skill, or nil if none exists.
	Get(skill string) (*SkillLock, error)

	// Insert creates the lock row; fails if one already exists.
	Insert(lock *SkillLock) error

	// Replace swaps the skill's lock row from the observed holder to the
	// new one in a single transaction (stale reclamation). Returns false
	// when holderID no longer owns the row, meaning another acquirer
	// reclaimed it first.
	Replace(lock *SkillLock, holderID string) (bool, error)

	// Delete removes the lock row if owned by instanceID. Returns whether
	// a row was removed.
	Delete(skill, instanceID string) (bool, error)

	// Heartbeat refreshes the lock's heartbeat timestamp if owned by
	// instanceID.
	Heartbeat(skill, instanceID string) error
}

// UsageRepository persists per-(agent, model) usage aggregates.
type UsageRepository interface {
	// Upsert inserts or replaces the record for (record.AgentID,
	// record.Model).
	Upsert(record *UsageRecord) error

	// ListByAgent returns all records for an agent id.
	ListByAgent(agentID string) ([]UsageRecord, error)
}
