package storage

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"harvestd/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate executes the embedded SQL migrations in name order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// =============================================================================
// Sources
// =============================================================================

const sourceColumns = `
	id, key, name, base_url, strategy, merge_rules, schedule_minutes, max_pages_per_run,
	rate_per_minute, timeout_seconds, proxy_mode, render, block_cooldown_minutes,
	failure_count, disabled_reason, cooldown_until, last_block_reason, last_error,
	last_run_at, last_run_status, is_enabled, next_run_at, created_at, updated_at`

func scanSource(row pgx.Row) (*models.Source, error) {
	var src models.Source
	var strategy, rules []byte
	var proxyMode string
	var lastStatus *string
	err := row.Scan(
		&src.ID, &src.Key, &src.Name, &src.BaseURL, &strategy, &rules, &src.ScheduleMinutes, &src.MaxPagesPerRun,
		&src.RatePerMinute, &src.TimeoutSeconds, &proxyMode, &src.Render, &src.BlockCooldownMinutes,
		&src.FailureCount, &src.DisabledReason, &src.CooldownUntil, &src.LastBlockReason, &src.LastError,
		&src.LastRunAt, &lastStatus, &src.IsEnabled, &src.NextRunAt, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	src.ProxyMode = models.ProxyMode(proxyMode)
	if lastStatus != nil {
		st := models.RunStatus(*lastStatus)
		src.LastRunStatus = &st
	}
	if err := json.Unmarshal(strategy, &src.Strategy); err != nil {
		return nil, fmt.Errorf("source %s strategy: %w", src.Key, err)
	}
	if err := json.Unmarshal(rules, &src.MergeRules); err != nil {
		return nil, fmt.Errorf("source %s merge_rules: %w", src.Key, err)
	}
	return &src, nil
}

// UpsertSourceConfig writes the admin-owned configuration columns. Runtime
// state is left alone on update; a new source is due immediately.
func (s *PostgresStore) UpsertSourceConfig(ctx context.Context, src *models.Source) (int64, error) {
	strategy, err := json.Marshal(src.Strategy)
	if err != nil {
		return 0, fmt.Errorf("marshal strategy: %w", err)
	}
	rules, err := json.Marshal(src.MergeRules)
	if err != nil {
		return 0, fmt.Errorf("marshal merge rules: %w", err)
	}

	query := `
		INSERT INTO sources (
			key, name, base_url, strategy, merge_rules, schedule_minutes, max_pages_per_run,
			rate_per_minute, timeout_seconds, proxy_mode, render, block_cooldown_minutes,
			is_enabled, next_run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			base_url = EXCLUDED.base_url,
			strategy = EXCLUDED.strategy,
			merge_rules = EXCLUDED.merge_rules,
			schedule_minutes = EXCLUDED.schedule_minutes,
			max_pages_per_run = EXCLUDED.max_pages_per_run,
			rate_per_minute = EXCLUDED.rate_per_minute,
			timeout_seconds = EXCLUDED.timeout_seconds,
			proxy_mode = EXCLUDED.proxy_mode,
			render = EXCLUDED.render,
			block_cooldown_minutes = EXCLUDED.block_cooldown_minutes,
			updated_at = NOW()
		RETURNING id`

	var id int64
	err = s.pool.QueryRow(ctx, query,
		src.Key, src.Name, src.BaseURL, strategy, rules, src.ScheduleMinutes, src.MaxPagesPerRun,
		src.RatePerMinute, src.TimeoutSeconds, string(src.ProxyMode), src.Render, src.BlockCooldownMinutes,
		src.IsEnabled,
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return src, err
}

func (s *PostgresStore) GetSourceByKey(ctx context.Context, key string) (*models.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return src, err
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]*models.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// ClaimDueSources pushes next_run_at of every due source out by lease and
// returns them; concurrent scanners never claim the same source.
func (s *PostgresStore) ClaimDueSources(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Source, error) {
	query := `
		UPDATE sources SET next_run_at = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sources
			WHERE is_enabled
				AND next_run_at IS NOT NULL AND next_run_at <= $1
				AND (cooldown_until IS NULL OR cooldown_until <= $1)
			ORDER BY next_run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + sourceColumns

	rows, err := s.pool.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// SaveSourceState writes the scheduler-owned runtime columns.
func (s *PostgresStore) SaveSourceState(ctx context.Context, src *models.Source) error {
	var lastStatus *string
	if src.LastRunStatus != nil {
		st := string(*src.LastRunStatus)
		lastStatus = &st
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources SET
			failure_count = $2, disabled_reason = $3, cooldown_until = $4, last_block_reason = $5,
			last_error = $6, last_run_at = $7, last_run_status = $8, is_enabled = $9,
			next_run_at = $10, updated_at = NOW()
		WHERE id = $1`,
		src.ID, src.FailureCount, src.DisabledReason, src.CooldownUntil, src.LastBlockReason,
		src.LastError, src.LastRunAt, lastStatus, src.IsEnabled, src.NextRunAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %d: %w", src.ID, models.ErrNotFound)
	}
	return nil
}

// =============================================================================
// Runs
// =============================================================================

const runColumns = `
	id, source_id, source_key, status, pages_planned, pages_done, items_found, items_staged,
	items_merged, item_errors, proxy_id, exit_ip, error_kind, error_summary, last_http_status,
	debug, created_at, started_at, finished_at`

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	var status string
	var errorKind *string
	var debug []byte
	err := row.Scan(
		&r.ID, &r.SourceID, &r.SourceKey, &status, &r.PagesPlanned, &r.PagesDone, &r.ItemsFound, &r.ItemsStaged,
		&r.ItemsMerged, &r.ItemErrors, &r.ProxyID, &r.ExitIP, &errorKind, &r.ErrorSummary, &r.LastHTTPStatus,
		&debug, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	if errorKind != nil {
		kind := models.Outcome(*errorKind)
		r.ErrorKind = &kind
	}
	if len(debug) > 0 {
		if err := json.Unmarshal(debug, &r.Debug); err != nil {
			return nil, fmt.Errorf("run %d debug: %w", r.ID, err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) (int64, error) {
	run.PagesPlanned = models.PlannedPages(run.PagesPlanned)
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	query := `
		INSERT INTO runs (source_id, source_key, status, pages_planned, debug)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, query,
		run.SourceID, run.SourceKey, string(run.Status), run.PagesPlanned, run.Debug.JSON(),
	).Scan(&run.ID, &run.CreatedAt)
	return run.ID, err
}

func (s *PostgresStore) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// StartRun moves a queued run to running; false means another delivery got there first.
func (s *PostgresStore) StartRun(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'queued'`,
		id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FinishRun writes the terminal state of a running run. Terminal runs are never rewritten.
func (s *PostgresStore) FinishRun(ctx context.Context, run *models.Run) (bool, error) {
	var errorKind *string
	if run.ErrorKind != nil {
		k := string(*run.ErrorKind)
		errorKind = &k
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET
			status = $2, pages_done = $3, items_found = $4, items_staged = $5, items_merged = $6,
			item_errors = $7, proxy_id = $8, exit_ip = $9, error_kind = $10, error_summary = $11,
			last_http_status = $12, debug = $13, finished_at = $14
		WHERE id = $1 AND status = 'running'`,
		run.ID, string(run.Status), run.PagesDone, run.ItemsFound, run.ItemsStaged, run.ItemsMerged,
		run.ItemErrors, run.ProxyID, run.ExitIP, errorKind, run.ErrorSummary,
		run.LastHTTPStatus, run.Debug.JSON(), run.FinishedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
