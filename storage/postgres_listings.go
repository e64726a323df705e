package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"harvestd/models"
)

var attributeColumns = []string{"key", "value_type", "value_string", "value_number", "value_bool", "value_time"}

// =============================================================================
// Staged listings
// =============================================================================

// UpsertStagedListing inserts or overwrites the row for (source_key,
// canonical_url) and replaces its attribute set wholesale. A re-staged row
// goes back to pending review.
func (s *PostgresStore) UpsertStagedListing(ctx context.Context, l *models.StagedListing) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO staged_listings (
			run_id, tracking_id, source_key, canonical_url, url, title, price_minor, currency,
			location, image_url, external_id, vin, sale_status, sale_date, odometer, confidence_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (source_key, canonical_url) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			tracking_id = EXCLUDED.tracking_id,
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			price_minor = EXCLUDED.price_minor,
			currency = EXCLUDED.currency,
			location = EXCLUDED.location,
			image_url = EXCLUDED.image_url,
			external_id = EXCLUDED.external_id,
			vin = EXCLUDED.vin,
			sale_status = EXCLUDED.sale_status,
			sale_date = EXCLUDED.sale_date,
			odometer = EXCLUDED.odometer,
			confidence_score = EXCLUDED.confidence_score,
			auto_approved = NULL,
			gate_reason = NULL,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	f := l.ListingFields
	err = tx.QueryRow(ctx, query,
		l.RunID, l.TrackingID, l.SourceKey, l.CanonicalURL, l.URL, f.Title, f.PriceMinor, f.Currency,
		f.Location, f.ImageURL, f.ExternalID, f.VIN, f.SaleStatus, f.SaleDate, f.Odometer, l.ConfidenceScore,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("upsert staged listing: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM staged_listing_attributes WHERE staged_listing_id = $1`, l.ID); err != nil {
		return 0, fmt.Errorf("clear attributes: %w", err)
	}
	if len(l.Attributes) > 0 {
		columns := append([]string{"staged_listing_id"}, attributeColumns...)
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"staged_listing_attributes"}, columns,
			pgx.CopyFromSlice(len(l.Attributes), func(i int) ([]any, error) {
				a := l.Attributes[i]
				if err := a.Validate(); err != nil {
					return nil, err
				}
				return []any{l.ID, a.Key, string(a.Type), a.String, a.Number, a.Bool, a.Time}, nil
			}))
		if err != nil {
			return 0, fmt.Errorf("copy attributes: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return l.ID, nil
}

const stagedColumns = `
	id, run_id, tracking_id, source_key, canonical_url, url, title, price_minor, currency,
	location, image_url, external_id, vin, sale_status, sale_date, odometer, confidence_score,
	auto_approved, gate_reason, merged_listing_id, created_at, updated_at`

func (s *PostgresStore) GetStagedListing(ctx context.Context, id int64) (*models.StagedListing, error) {
	var l models.StagedListing
	f := &l.ListingFields
	err := s.pool.QueryRow(ctx, `SELECT `+stagedColumns+` FROM staged_listings WHERE id = $1`, id).Scan(
		&l.ID, &l.RunID, &l.TrackingID, &l.SourceKey, &l.CanonicalURL, &l.URL, &f.Title, &f.PriceMinor, &f.Currency,
		&f.Location, &f.ImageURL, &f.ExternalID, &f.VIN, &f.SaleStatus, &f.SaleDate, &f.Odometer, &l.ConfidenceScore,
		&l.AutoApproved, &l.GateReason, &l.MergedListingID, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Attributes, err = s.attributes(ctx, `SELECT `+attributeList+` FROM staged_listing_attributes WHERE staged_listing_id = $1 ORDER BY key`, l.ID)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// PromoteStaged copies a staged row and its attributes into merged_listings
// with upsert-by-(source_key, canonical_url) semantics and marks the staged
// row approved, all in one transaction.
func (s *PostgresStore) PromoteStaged(ctx context.Context, stagedID int64, reason string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var mergedID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO merged_listings (
			source_key, canonical_url, url, title, price_minor, currency, location, image_url,
			external_id, vin, sale_status, sale_date, odometer, confidence_score, staged_id
		)
		SELECT source_key, canonical_url, url, title, price_minor, currency, location, image_url,
			external_id, vin, sale_status, sale_date, odometer, confidence_score, id
		FROM staged_listings WHERE id = $1
		ON CONFLICT (source_key, canonical_url) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			price_minor = EXCLUDED.price_minor,
			currency = EXCLUDED.currency,
			location = EXCLUDED.location,
			image_url = EXCLUDED.image_url,
			external_id = EXCLUDED.external_id,
			vin = EXCLUDED.vin,
			sale_status = EXCLUDED.sale_status,
			sale_date = EXCLUDED.sale_date,
			odometer = EXCLUDED.odometer,
			confidence_score = EXCLUDED.confidence_score,
			staged_id = EXCLUDED.staged_id,
			updated_at = NOW()
		RETURNING id`, stagedID).Scan(&mergedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("staged listing %d: %w", stagedID, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("upsert merged listing: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM merged_listing_attributes WHERE merged_listing_id = $1`, mergedID); err != nil {
		return 0, fmt.Errorf("clear merged attributes: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO merged_listing_attributes (merged_listing_id, `+attributeList+`)
		SELECT $1, `+attributeList+` FROM staged_listing_attributes WHERE staged_listing_id = $2`,
		mergedID, stagedID)
	if err != nil {
		return 0, fmt.Errorf("copy merged attributes: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE staged_listings SET auto_approved = TRUE, gate_reason = $2, merged_listing_id = $3, updated_at = NOW()
		WHERE id = $1`, stagedID, reason, mergedID)
	if err != nil {
		return 0, fmt.Errorf("mark staged listing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return mergedID, nil
}

func (s *PostgresStore) MarkStagedDecision(ctx context.Context, stagedID int64, approved bool, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE staged_listings SET auto_approved = $2, gate_reason = $3, updated_at = NOW() WHERE id = $1`,
		stagedID, approved, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("staged listing %d: %w", stagedID, models.ErrNotFound)
	}
	return nil
}

// =============================================================================
// Merged listings
// =============================================================================

func (s *PostgresStore) GetMergedListing(ctx context.Context, sourceKey, canonicalURL string) (*models.MergedListing, error) {
	var m models.MergedListing
	f := &m.ListingFields
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_key, canonical_url, url, title, price_minor, currency, location, image_url,
			external_id, vin, sale_status, sale_date, odometer, confidence_score, staged_id,
			first_merged_at, updated_at
		FROM merged_listings WHERE source_key = $1 AND canonical_url = $2`, sourceKey, canonicalURL).Scan(
		&m.ID, &m.SourceKey, &m.CanonicalURL, &m.URL, &f.Title, &f.PriceMinor, &f.Currency, &f.Location, &f.ImageURL,
		&f.ExternalID, &f.VIN, &f.SaleStatus, &f.SaleDate, &f.Odometer, &m.ConfidenceScore, &m.StagedID,
		&m.FirstMergedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Attributes, err = s.attributes(ctx, `SELECT `+attributeList+` FROM merged_listing_attributes WHERE merged_listing_id = $1 ORDER BY key`, m.ID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

const attributeList = `key, value_type, value_string, value_number, value_bool, value_time`

func (s *PostgresStore) attributes(ctx context.Context, query string, id int64) ([]models.Attribute, error) {
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Attribute
	for rows.Next() {
		var a models.Attribute
		var typ string
		if err := rows.Scan(&a.Key, &typ, &a.String, &a.Number, &a.Bool, &a.Time); err != nil {
			return nil, err
		}
		a.Type = models.AttributeType(typ)
		out = append(out, a)
	}
	return out, rows.Err()
}
