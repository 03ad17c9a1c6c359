package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flasharb/engine/internal/domain"
)

const executionColumns = `id, opportunity_id, attempt, pair, path, volume,
	expected_bps, realized_bps, tx_ref, outcome, reason, submitted_at, confirmed_at`

// ExecutionStore implements domain.ExecutionStore on PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Insert writes one execution record.
func (s *ExecutionStore) Insert(ctx context.Context, rec domain.ExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, opportunity_id, attempt, pair, path, volume,
			expected_bps, realized_bps, tx_ref, outcome, reason, submitted_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.OpportunityID, rec.Attempt, string(rec.Pair), rec.Path, rec.Volume,
		rec.ExpectedBps, rec.RealizedBps, rec.TxRef, rec.Outcome, string(rec.Reason),
		rec.SubmittedAt, rec.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// ListByOpportunity returns every attempt for one opportunity, oldest first.
func (s *ExecutionStore) ListByOpportunity(ctx context.Context, oppID string) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE opportunity_id = $1 ORDER BY attempt`,
		oppID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions for %s: %w", oppID, err)
	}
	return scanExecutions(rows)
}

// ListRecent returns the newest records first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY submitted_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent executions: %w", err)
	}
	return scanExecutions(rows)
}

// ListBefore returns records submitted before cutoff, oldest first, for the
// archiver.
func (s *ExecutionStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE submitted_at < $1 ORDER BY submitted_at LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before %s: %w", cutoff, err)
	}
	return scanExecutions(rows)
}

// DeleteBefore removes records submitted before cutoff and reports how many.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE submitted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

func scanExecutions(rows pgx.Rows) ([]domain.ExecutionRecord, error) {
	defer rows.Close()
	var out []domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var pair, reason string
		if err := rows.Scan(
			&rec.ID, &rec.OpportunityID, &rec.Attempt, &pair, &rec.Path, &rec.Volume,
			&rec.ExpectedBps, &rec.RealizedBps, &rec.TxRef, &rec.Outcome, &reason,
			&rec.SubmittedAt, &rec.ConfirmedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		rec.Pair = domain.AssetPair(pair)
		rec.Reason = domain.FailReason(reason)
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
