package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"harvestd/models"
)

const proxyColumns = `
	id, label, scheme, host, port, username, password_enc, weight, max_concurrency, enabled,
	last_check_status, last_check_at, last_check_exit_ip, last_check_error, consecutive_failures,
	unhealthy_until, banned_until, last_failure_at, created_at, updated_at`

func scanProxy(row pgx.Row) (*models.ProxyEndpoint, error) {
	var p models.ProxyEndpoint
	err := row.Scan(
		&p.ID, &p.Label, &p.Scheme, &p.Host, &p.Port, &p.Username, &p.PasswordEnc, &p.Weight, &p.MaxConcurrency, &p.Enabled,
		&p.LastCheckStatus, &p.LastCheckAt, &p.LastCheckExitIP, &p.LastCheckError, &p.ConsecutiveFailures,
		&p.UnhealthyUntil, &p.BannedUntil, &p.LastFailureAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListProxies(ctx context.Context) ([]*models.ProxyEndpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+proxyColumns+` FROM proxy_endpoints ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ProxyEndpoint
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProxy(ctx context.Context, id int64) (*models.ProxyEndpoint, error) {
	p, err := scanProxy(s.pool.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxy_endpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) CreateProxy(ctx context.Context, p *models.ProxyEndpoint) (int64, error) {
	query := `
		INSERT INTO proxy_endpoints (label, scheme, host, port, username, password_enc, weight, max_concurrency, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scheme, host, port, username) DO UPDATE SET
			label = EXCLUDED.label,
			password_enc = EXCLUDED.password_enc,
			weight = EXCLUDED.weight,
			max_concurrency = EXCLUDED.max_concurrency,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING id`

	maxConc := p.MaxConcurrency
	if maxConc < 1 {
		maxConc = 1
	}
	err := s.pool.QueryRow(ctx, query,
		p.Label, p.Scheme, p.Host, p.Port, p.Username, p.PasswordEnc, p.Weight, maxConc, p.Enabled,
	).Scan(&p.ID)
	return p.ID, err
}

// UpdateProxyHealth locks the row, applies fn and writes the health columns back.
func (s *PostgresStore) UpdateProxyHealth(ctx context.Context, id int64, fn func(p *models.ProxyEndpoint) error) (*models.ProxyEndpoint, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanProxy(tx.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxy_endpoints WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("proxy %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		UPDATE proxy_endpoints SET
			last_check_status = $2, last_check_at = $3, last_check_exit_ip = $4, last_check_error = $5,
			consecutive_failures = $6, unhealthy_until = $7, banned_until = $8, last_failure_at = $9,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		id, p.LastCheckStatus, p.LastCheckAt, p.LastCheckExitIP, p.LastCheckError,
		p.ConsecutiveFailures, p.UnhealthyUntil, p.BannedUntil, p.LastFailureAt,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}
