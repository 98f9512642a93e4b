package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// runRepository implements domain.RunRepository using SQLite.
type runRepository struct {
	db *sql.DB
}

func newRunRepository(db *sql.DB) *runRepository {
	return &runRepository{db: db}
}

// Ensure runRepository implements domain.RunRepository.
var _ domain.RunRepository = (*runRepository)(nil)

// CreateRun inserts the run and a pending step row per name in one
// transaction, then sets run.ID.
func (r *runRepository) CreateRun(run *domain.Run, stepNames []string) (err error) {
	model, err := toRunModel(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	result, err := tx.Exec(
		`INSERT INTO workflow_runs (guid, skill, template_id, current_step, status, intake, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		model.GUID, model.Skill, model.TemplateID, model.CurrentStep, model.Status,
		model.Intake, model.CreatedAt, model.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading insert id: %w", err)
	}

	for i, name := range stepNames {
		if _, err = tx.Exec(
			`INSERT INTO workflow_steps (run_id, step_index, name, status) VALUES (?, ?, ?, ?)`,
			id, i, name, string(domain.StepPending),
		); err != nil {
			return fmt.Errorf("inserting step %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}
	run.ID = id
	return nil
}

const runColumns = `id, guid, skill, template_id, current_step, status, intake, created_at, updated_at`

func scanRun(row *sql.Row) (*domain.Run, error) {
	var m runModel
	err := row.Scan(&m.ID, &m.GUID, &m.Skill, &m.TemplateID, &m.CurrentStep,
		&m.Status, &m.Intake, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m.toDomain()
}

// GetRun retrieves a run by id. Returns RunNotFoundError when absent.
func (r *runRepository) GetRun(id int64) (*domain.Run, error) {
	run, err := scanRun(r.db.QueryRow(
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.RunNotFoundError{RunID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("finding run by id: %w", err)
	}
	return run, nil
}

// GetRunBySkill retrieves the run owning a skill.
func (r *runRepository) GetRunBySkill(skill string) (*domain.Run, error) {
	run, err := scanRun(r.db.QueryRow(
		`SELECT `+runColumns+` FROM workflow_runs WHERE skill = ?`, skill))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.RunNotFoundError{Skill: skill}
	}
	if err != nil {
		return nil, fmt.Errorf("finding run by skill: %w", err)
	}
	return run, nil
}

// UpdateRun persists mutable run fields.
func (r *runRepository) UpdateRun(run *domain.Run) error {
	model, err := toRunModel(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}
	model.UpdatedAt = time.Now().Unix()

	result, err := r.db.Exec(
		`UPDATE workflow_runs SET current_step = ?, status = ?, intake = ?, updated_at = ? WHERE id = ?`,
		model.CurrentStep, model.Status, model.Intake, model.UpdatedAt, model.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.RunNotFoundError{RunID: run.ID}
	}
	return nil
}

const stepColumns = `run_id, step_index, name, status, error_summary, started_at, completed_at`

// GetSteps returns all steps of a run ordered by index.
func (r *runRepository) GetSteps(runID int64) ([]domain.Step, error) {
	rows, err := r.db.Query(
		`SELECT `+stepColumns+` FROM workflow_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []domain.Step
	for rows.Next() {
		var m stepModel
		if err := rows.Scan(&m.RunID, &m.StepIndex, &m.Name, &m.Status,
			&m.ErrorSummary, &m.StartedAt, &m.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning step row: %w", err)
		}
		steps = append(steps, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating step rows: %w", err)
	}
	return steps, nil
}

// GetStep returns one step.
func (r *runRepository) GetStep(runID int64, index int) (*domain.Step, error) {
	var m stepModel
	err := r.db.QueryRow(
		`SELECT `+stepColumns+` FROM workflow_steps WHERE run_id = ? AND step_index = ?`,
		runID, index,
	).Scan(&m.RunID, &m.StepIndex, &m.Name, &m.Status, &m.ErrorSummary, &m.StartedAt, &m.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.StepNotResettableError{RunID: runID, StepIndex: index}
	}
	if err != nil {
		return nil, fmt.Errorf("finding step: %w", err)
	}
	step := m.toDomain()
	return &step, nil
}

// UpdateStep persists a step's status, error summary, and timestamps.
func (r *runRepository) UpdateStep(step *domain.Step) error {
	m := toStepModel(step)
	_, err := r.db.Exec(
		`UPDATE workflow_steps SET status = ?, error_summary = ?, started_at = ?, completed_at = ?
		 WHERE run_id = ? AND step_index = ?`,
		m.Status, m.ErrorSummary, m.StartedAt, m.CompletedAt, m.RunID, m.StepIndex,
	)
	if err != nil {
		return fmt.Errorf("updating step: %w", err)
	}
	return nil
}

// ResetFrom deletes artifacts with step index >= from, resets those steps
// to pending, and rewinds the run's current step, all in one transaction.
// Crash-consistent: either the whole reset lands or none of it does.
func (r *runRepository) ResetFrom(runID int64, from int) (paths []string, err error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	rows, err := tx.Query(
		`SELECT path FROM workflow_artifacts WHERE run_id = ? AND step_index >= ? ORDER BY step_index, path`,
		runID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts to delete: %w", err)
	}
	for rows.Next() {
		var p string
		if err = rows.Scan(&p); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning artifact path: %w", err)
		}
		paths = append(paths, p)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating artifact paths: %w", err)
	}
	_ = rows.Close()

	if _, err = tx.Exec(
		`DELETE FROM workflow_artifacts WHERE run_id = ? AND step_index >= ?`, runID, from,
	); err != nil {
		return nil, fmt.Errorf("deleting artifacts: %w", err)
	}

	if _, err = tx.Exec(
		`UPDATE workflow_steps SET status = ?, error_summary = NULL, started_at = NULL, completed_at = NULL
		 WHERE run_id = ? AND step_index >= ?`,
		string(domain.StepPending), runID, from,
	); err != nil {
		return nil, fmt.Errorf("resetting steps: %w", err)
	}

	// Only a completed run is reopened; a pending or in_progress run keeps
	// its status, since rewinding current_step is what makes it
	// advanceable again.
	if _, err = tx.Exec(
		`UPDATE workflow_runs SET current_step = MIN(current_step, ?),
		 status = CASE WHEN status = ? THEN ? ELSE status END, updated_at = ?
		 WHERE id = ?`,
		from, string(domain.RunCompleted), string(domain.RunInProgress), time.Now().Unix(), runID,
	); err != nil {
		return nil, fmt.Errorf("rewinding run: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reset: %w", err)
	}
	return paths, nil
}

// ListInProgressSteps returns steps left in_progress across all runs.
func (r *runRepository) ListInProgressSteps() ([]domain.Step, error) {
	rows, err := r.db.Query(
		`SELECT `+stepColumns+` FROM workflow_steps WHERE status = ? ORDER BY run_id, step_index`,
		string(domain.StepInProgress))
	if err != nil {
		return nil, fmt.Errorf("listing in-progress steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []domain.Step
	for rows.Next() {
		var m stepModel
		if err := rows.Scan(&m.RunID, &m.StepIndex, &m.Name, &m.Status,
			&m.ErrorSummary, &m.StartedAt, &m.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning step row: %w", err)
		}
		steps = append(steps, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating step rows: %w", err)
	}
	return steps, nil
}
