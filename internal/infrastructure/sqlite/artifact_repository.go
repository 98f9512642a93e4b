package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// artifactRepository implements domain.ArtifactRepository using SQLite.
// Content is stored inline as a BLOB keyed by (run, step index, path).
type artifactRepository struct {
	db *sql.DB
}

func newArtifactRepository(db *sql.DB) *artifactRepository {
	return &artifactRepository{db: db}
}

// Ensure artifactRepository implements domain.ArtifactRepository.
var _ domain.ArtifactRepository = (*artifactRepository)(nil)

// SaveAll writes all artifacts in one transaction. Re-running a step
// overwrites rows at the same paths (INSERT OR REPLACE on the composite
// key).
func (r *artifactRepository) SaveAll(artifacts []domain.Artifact) (err error) {
	if len(artifacts) == 0 {
		return nil
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

	now := time.Now().Unix()
	for _, a := range artifacts {
		if _, err = tx.Exec(
			`INSERT OR REPLACE INTO workflow_artifacts (run_id, step_index, path, content, size, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.RunID, a.StepIndex, a.Path, a.Content, int64(len(a.Content)), now,
		); err != nil {
			return fmt.Errorf("inserting artifact %q: %w", a.Path, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing artifacts: %w", err)
	}
	return nil
}

const artifactColumns = `run_id, step_index, path, content, size, created_at`

// List returns artifacts with step index >= from, ordered by (step, path).
func (r *artifactRepository) List(runID int64, from int) ([]domain.Artifact, error) {
	rows, err := r.db.Query(
		`SELECT `+artifactColumns+` FROM workflow_artifacts
		 WHERE run_id = ? AND step_index >= ? ORDER BY step_index, path`,
		runID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating artifact rows: %w", err)
	}
	return artifacts, nil
}

// ListPaths returns only paths, for reset previews.
func (r *artifactRepository) ListPaths(runID int64, from int) ([]string, error) {
	rows, err := r.db.Query(
		`SELECT path FROM workflow_artifacts
		 WHERE run_id = ? AND step_index >= ? ORDER BY step_index, path`,
		runID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("listing artifact paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning artifact path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating artifact paths: %w", err)
	}
	return paths, nil
}

// Get returns one artifact, or nil if it does not exist.
func (r *artifactRepository) Get(runID int64, stepIndex int, path string) (*domain.Artifact, error) {
	row := r.db.QueryRow(
		`SELECT `+artifactColumns+` FROM workflow_artifacts
		 WHERE run_id = ? AND step_index = ? AND path = ?`,
		runID, stepIndex, path,
	)
	var m struct {
		runID     int64
		stepIndex int
		path      string
		content   []byte
		size      int64
		createdAt int64
	}
	err := row.Scan(&m.runID, &m.stepIndex, &m.path, &m.content, &m.size, &m.createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding artifact: %w", err)
	}
	return &domain.Artifact{
		RunID:     m.runID,
		StepIndex: m.stepIndex,
		Path:      m.path,
		Content:   m.content,
		Size:      m.size,
		CreatedAt: time.Unix(m.createdAt, 0),
	}, nil
}

func scanArtifact(rows *sql.Rows) (domain.Artifact, error) {
	var a domain.Artifact
	var createdAt int64
	if err := rows.Scan(&a.RunID, &a.StepIndex, &a.Path, &a.Content, &a.Size, &createdAt); err != nil {
		return domain.Artifact{}, fmt.Errorf("scanning artifact row: %w", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return a, nil
}
