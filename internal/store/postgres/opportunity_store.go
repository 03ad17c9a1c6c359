package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flasharb/engine/internal/domain"
)

const opportunityColumns = `id, pair, path, volume, gross_bps, net_bps,
	slippage_bps, flash_loan, loan_amount, status, fail_reason, attempts,
	created_at, expires_at`

// OpportunityStore implements domain.OpportunityStore on PostgreSQL. The hop
// path is stored as JSON so a record round-trips intact.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// Insert writes one terminal opportunity. Re-inserting the same id updates
// the row; the registry may flush an id once per terminal transition.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	path, err := json.Marshal(opp.Path)
	if err != nil {
		return fmt.Errorf("postgres: marshal path for %s: %w", opp.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (id, pair, path, volume, gross_bps, net_bps,
			slippage_bps, flash_loan, loan_amount, status, fail_reason, attempts,
			created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			fail_reason = EXCLUDED.fail_reason,
			attempts = EXCLUDED.attempts,
			net_bps = EXCLUDED.net_bps`,
		opp.ID, string(opp.Pair), string(path), opp.Volume, opp.GrossProfitBps,
		opp.NetProfitBps, opp.SlippageBps, opp.FlashLoanRequired, opp.FlashLoanAmount,
		string(opp.Status), string(opp.FailReason), opp.Attempts,
		opp.CreatedAt, opp.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// ListRecent returns the newest opportunities first.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	return scanOpportunities(rows)
}

// ListBefore returns opportunities created before cutoff, oldest first.
func (s *OpportunityStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE created_at < $1 ORDER BY created_at LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities before %s: %w", cutoff, err)
	}
	return scanOpportunities(rows)
}

// DeleteBefore removes opportunities created before cutoff.
func (s *OpportunityStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM opportunities WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

func scanOpportunities(rows pgx.Rows) ([]domain.Opportunity, error) {
	defer rows.Close()
	var out []domain.Opportunity
	for rows.Next() {
		var opp domain.Opportunity
		var pair, path, status, reason string
		if err := rows.Scan(
			&opp.ID, &pair, &path, &opp.Volume, &opp.GrossProfitBps, &opp.NetProfitBps,
			&opp.SlippageBps, &opp.FlashLoanRequired, &opp.FlashLoanAmount,
			&status, &reason, &opp.Attempts, &opp.CreatedAt, &opp.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		if err := json.Unmarshal([]byte(path), &opp.Path); err != nil {
			return nil, fmt.Errorf("postgres: decode path for %s: %w", opp.ID, err)
		}
		opp.Pair = domain.AssetPair(pair)
		opp.Status = domain.OpportunityStatus(status)
		opp.FailReason = domain.FailReason(reason)
		out = append(out, opp)
	}
	return out, rows.Err()
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)
