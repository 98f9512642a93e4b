package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// usageRepository implements domain.UsageRepository using SQLite.
type usageRepository struct {
	db *sql.DB
}

func newUsageRepository(db *sql.DB) *usageRepository {
	return &usageRepository{db: db}
}

// Ensure usageRepository implements domain.UsageRepository.
var _ domain.UsageRepository = (*usageRepository)(nil)

// Upsert inserts or replaces the record for (agent id, model).
func (r *usageRepository) Upsert(record *domain.UsageRecord) error {
	now := time.Now().Unix()
	createdAt := record.CreatedAt.Unix()
	if record.CreatedAt.IsZero() {
		createdAt = now
	}
	_, err := r.db.Exec(
		`INSERT INTO usage_records
		   (agent_id, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		    cost_usd, duration_ms, num_turns, stop_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, model) DO UPDATE SET
		   input_tokens = excluded.input_tokens,
		   output_tokens = excluded.output_tokens,
		   cache_read_tokens = excluded.cache_read_tokens,
		   cache_write_tokens = excluded.cache_write_tokens,
		   cost_usd = excluded.cost_usd,
		   duration_ms = excluded.duration_ms,
		   num_turns = excluded.num_turns,
		   stop_reason = excluded.stop_reason,
		   updated_at = excluded.updated_at`,
		record.AgentID, record.Model, record.InputTokens, record.OutputTokens,
		record.CacheReadTokens, record.CacheWriteTokens, record.CostUSD,
		record.DurationMs, record.NumTurns, record.StopReason, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("upserting usage record: %w", err)
	}
	return nil
}

// ListByAgent returns all records for an agent id ordered by model.
func (r *usageRepository) ListByAgent(agentID string) ([]domain.UsageRecord, error) {
	rows, err := r.db.Query(
		`SELECT agent_id, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		        cost_usd, duration_ms, num_turns, stop_reason, created_at, updated_at
		 FROM usage_records WHERE agent_id = ? ORDER BY model`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing usage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []domain.UsageRecord
	for rows.Next() {
		var (
			rec        domain.UsageRecord
			stopReason sql.NullString
			createdAt  int64
			updatedAt  int64
		)
		if err := rows.Scan(&rec.AgentID, &rec.Model, &rec.InputTokens, &rec.OutputTokens,
			&rec.CacheReadTokens, &rec.CacheWriteTokens, &rec.CostUSD, &rec.DurationMs,
			&rec.NumTurns, &stopReason, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		rec.StopReason = stopReason.String
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return records, nil
}
