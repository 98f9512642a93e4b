package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// lockRepository implements domain.LockRepository using SQLite. The skill
// column's primary key constraint enforces at most one lock row per skill.
type lockRepository struct {
	db *sql.DB
}

func newLockRepository(db *sql.DB) *lockRepository {
	return &lockRepository{db: db}
}

// Ensure lockRepository implements domain.LockRepository.
var _ domain.LockRepository = (*lockRepository)(nil)

// Get returns the lock row for skill, or nil when none exists.
func (r *lockRepository) Get(skill string) (*domain.SkillLock, error) {
	var (
		lock        domain.SkillLock
		acquiredAt  int64
		heartbeatAt int64
	)
	err := r.db.QueryRow(
		`SELECT skill, instance_id, pid, acquired_at, heartbeat_at FROM skill_locks WHERE skill = ?`,
		skill,
	).Scan(&lock.Skill, &lock.InstanceID, &lock.PID, &acquiredAt, &heartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding lock: %w", err)
	}
	lock.AcquiredAt = time.Unix(acquiredAt, 0)
	lock.HeartbeatAt = time.Unix(heartbeatAt, 0)
	return &lock, nil
}

// Insert creates the lock row. The primary key makes a second insert for
// the same skill fail, so two concurrent acquirers cannot both succeed.
func (r *lockRepository) Insert(lock *domain.SkillLock) error {
	_, err := r.db.Exec(
		`INSERT INTO skill_locks (skill, instance_id, pid, acquired_at, heartbeat_at) VALUES (?, ?, ?, ?, ?)`,
		lock.Skill, lock.InstanceID, lock.PID, lock.AcquiredAt.Unix(), lock.HeartbeatAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("inserting lock: %w", err)
	}
	return nil
}

// Replace atomically swaps the lock row from holderID to the new owner.
// The delete is conditional on the observed holder, so when two acquirers
// race to reclaim the same stale row only the first one succeeds.
func (r *lockRepository) Replace(lock *domain.SkillLock, holderID string) (replaced bool, err error) {
	tx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	result, err := tx.Exec(
		`DELETE FROM skill_locks WHERE skill = ? AND instance_id = ?`, lock.Skill, holderID)
	if err != nil {
		return false, fmt.Errorf("removing stale lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return false, fmt.Errorf("rolling back lost reclaim: %w", rbErr)
		}
		return false, nil
	}

	if _, err = tx.Exec(
		`INSERT INTO skill_locks (skill, instance_id, pid, acquired_at, heartbeat_at) VALUES (?, ?, ?, ?, ?)`,
		lock.Skill, lock.InstanceID, lock.PID, lock.AcquiredAt.Unix(), lock.HeartbeatAt.Unix(),
	); err != nil {
		return false, fmt.Errorf("inserting reclaimed lock: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("committing lock replacement: %w", err)
	}
	return true, nil
}

// Delete removes the lock if owned by instanceID. The ownership predicate
// is part of the statement so a non-owner delete is a no-op.
func (r *lockRepository) Delete(skill, instanceID string) (bool, error) {
	result, err := r.db.Exec(
		`DELETE FROM skill_locks WHERE skill = ? AND instance_id = ?`, skill, instanceID)
	if err != nil {
		return false, fmt.Errorf("deleting lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return affected > 0, nil
}

// Heartbeat refreshes the lock's heartbeat timestamp for the owner.
func (r *lockRepository) Heartbeat(skill, instanceID string) error {
	_, err := r.db.Exec(
		`UPDATE skill_locks SET heartbeat_at = ? WHERE skill = ? AND instance_id = ?`,
		time.Now().Unix(), skill, instanceID,
	)
	if err != nil {
		return fmt.Errorf("refreshing lock heartbeat: %w", err)
	}
	return nil
}
