package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"harvestd/models"
)

// =============================================================================
// Auction tracking
// =============================================================================

const trackingColumns = `
	id, target_url, source_key, status, attempts, next_check_at, claim_token, claimed_at,
	last_checked_at, last_error, last_http_status, stats, created_at, updated_at`

func scanTracking(row pgx.Row) (*models.AuctionTracking, error) {
	var t models.AuctionTracking
	var status string
	var stats []byte
	err := row.Scan(
		&t.ID, &t.TargetURL, &t.SourceKey, &status, &t.Attempts, &t.NextCheckAt, &t.ClaimToken, &t.ClaimedAt,
		&t.LastCheckedAt, &t.LastError, &t.LastHTTP, &stats, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.TrackingStatus(status)
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &t.Stats); err != nil {
			return nil, fmt.Errorf("tracking %d stats: %w", t.ID, err)
		}
	}
	return &t, nil
}

func collectTracking(rows pgx.Rows) ([]*models.AuctionTracking, error) {
	defer rows.Close()
	var out []*models.AuctionTracking
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTracking is idempotent on target_url; an existing row is returned as is.
func (s *PostgresStore) CreateTracking(ctx context.Context, targetURL, sourceKey string, now time.Time) (*models.AuctionTracking, error) {
	query := `
		INSERT INTO auction_tracking (target_url, source_key, status, next_check_at)
		VALUES ($1, $2, 'pending', $3)
		ON CONFLICT (target_url) DO UPDATE SET updated_at = auction_tracking.updated_at
		RETURNING ` + trackingColumns
	return scanTracking(s.pool.QueryRow(ctx, query, targetURL, sourceKey, now))
}

func (s *PostgresStore) GetTracking(ctx context.Context, id int64) (*models.AuctionTracking, error) {
	t, err := scanTracking(s.pool.QueryRow(ctx, `SELECT `+trackingColumns+` FROM auction_tracking WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ClaimDueTracking flips up to limit due rows to running with a fresh claim
// token in one statement, oldest due first. Rows left running past
// models.TrackingClaimLease are claimed again; the new token invalidates the
// lost task.
func (s *PostgresStore) ClaimDueTracking(ctx context.Context, now time.Time, limit int) ([]*models.AuctionTracking, error) {
	query := `
		UPDATE auction_tracking SET
			status = 'running', claim_token = gen_random_uuid()::text, claimed_at = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM auction_tracking
			WHERE (status IN ('pending', 'failed') AND next_check_at IS NOT NULL AND next_check_at <= $1)
				OR (status = 'running' AND (claimed_at IS NULL OR claimed_at <= $1 - $3::interval))
			ORDER BY CASE WHEN status = 'running' THEN COALESCE(claimed_at + $3::interval, $1) ELSE next_check_at END
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + trackingColumns

	lease := fmt.Sprintf("%d seconds", int(models.TrackingClaimLease.Seconds()))
	rows, err := s.pool.Query(ctx, query, now, limit, lease)
	if err != nil {
		return nil, err
	}
	return collectTracking(rows)
}

func (s *PostgresStore) ResetTracking(ctx context.Context, id int64, resetAttempts bool, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auction_tracking SET
			status = 'pending', next_check_at = $2, claim_token = NULL, claimed_at = NULL,
			attempts = CASE WHEN $3 THEN 0 ELSE attempts END, updated_at = NOW()
		WHERE id = $1`, id, now, resetAttempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tracking %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// ClaimTracking claims one pending row by compare-and-swap on status.
// It returns nil when the row is missing or someone else holds it.
func (s *PostgresStore) ClaimTracking(ctx context.Context, id int64, now time.Time) (*models.AuctionTracking, error) {
	query := `
		UPDATE auction_tracking SET
			status = 'running', claim_token = gen_random_uuid()::text, claimed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + trackingColumns
	t, err := scanTracking(s.pool.QueryRow(ctx, query, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// FinishTracking writes the result of a check. It only applies while the row
// is still running under token; false means the claim was lost.
func (s *PostgresStore) FinishTracking(ctx context.Context, t *models.AuctionTracking, token string) (bool, error) {
	stats, err := json.Marshal(t.Stats)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE auction_tracking SET
			status = $3, attempts = $4, next_check_at = $5, last_checked_at = $6, last_error = $7,
			last_http_status = $8, stats = $9, claim_token = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'running'`,
		t.ID, token, string(t.Status), t.Attempts, t.NextCheckAt, t.LastCheckedAt, t.LastError,
		t.LastHTTP, stats,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
