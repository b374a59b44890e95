package flowstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callrouting-platform/pkg/utils"
)

// NOTE: PostgresRepo assumes:
//
//	flow_versions (tenant_id, flow_id, version, name, document jsonb,
//	               published bool, published_at, created_by, created_at, updated_at,
//	               PRIMARY KEY (tenant_id, flow_id, version))
//
// with a partial unique index on (tenant_id, flow_id) WHERE published.

type Repository interface {
	// UpsertVersion creates a version or replaces its document, keeping the
	// published flag and CreatedAt.
	UpsertVersion(ctx context.Context, v Version) (Version, error)
	GetVersion(ctx context.Context, tenantID, flowID string, version int) (Version, error)
	ListVersions(ctx context.Context, tenantID, flowID string) ([]Version, error)
	ListFlows(ctx context.Context, tenantID string) ([]string, error)
	// Publish marks one version published and unpublishes the rest atomically.
	Publish(ctx context.Context, tenantID, flowID string, version int, at time.Time) (Version, error)
	GetPublished(ctx context.Context, tenantID, flowID string) (Version, error)
	DeleteVersion(ctx context.Context, tenantID, flowID string, version int) (bool, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const versionColumns = `tenant_id, flow_id, version, name, document, published, published_at,
	COALESCE(created_by, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (Version, error) {
	var v Version
	var doc []byte
	var publishedAt sql.NullTime
	if err := row.Scan(&v.TenantID, &v.FlowID, &v.Version, &v.Name, &doc, &v.Published, &publishedAt,
		&v.CreatedBy, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return Version{}, err
	}
	v.Document = doc
	if publishedAt.Valid {
		t := publishedAt.Time
		v.PublishedAt = &t
	}
	return v, nil
}

func (r *PostgresRepo) UpsertVersion(ctx context.Context, v Version) (Version, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO flow_versions (tenant_id, flow_id, version, name, document, published, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, false, NULLIF($6, ''), $7, $7)
		ON CONFLICT (tenant_id, flow_id, version) DO UPDATE
		SET name = EXCLUDED.name, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
		RETURNING `+versionColumns,
		v.TenantID, v.FlowID, v.Version, v.Name, []byte(v.Document), v.CreatedBy, v.UpdatedAt)
	return scanVersion(row)
}

func (r *PostgresRepo) GetVersion(ctx context.Context, tenantID, flowID string, version int) (Version, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+versionColumns+`
		FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2 AND version = $3`, tenantID, flowID, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	return v, err
}

func (r *PostgresRepo) ListVersions(ctx context.Context, tenantID, flowID string) ([]Version, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+versionColumns+`
		FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2 ORDER BY version DESC`, tenantID, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListFlows(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT flow_id FROM flow_versions WHERE tenant_id = $1 ORDER BY flow_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Publish(ctx context.Context, tenantID, flowID string, version int, at time.Time) (Version, error) {
	var out Version
	// Concurrent publishes collide on the partial unique index; the loser retries.
	err := utils.WithTxRetry(ctx, r.db, nil, 3, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE flow_versions SET published = false
			WHERE tenant_id = $1 AND flow_id = $2 AND published AND version <> $3`,
			tenantID, flowID, version); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE flow_versions SET published = true, published_at = $4, updated_at = $4
			WHERE tenant_id = $1 AND flow_id = $2 AND version = $3
			RETURNING `+versionColumns, tenantID, flowID, version, at)
		v, err := scanVersion(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		out = v
		return err
	})
	return out, err
}

func (r *PostgresRepo) GetPublished(ctx context.Context, tenantID, flowID string) (Version, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+versionColumns+`
		FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2 AND published`, tenantID, flowID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNothingPublished
	}
	return v, err
}

func (r *PostgresRepo) DeleteVersion(ctx context.Context, tenantID, flowID string, version int) (bool, error) {
	var published bool
	err := r.db.QueryRowContext(ctx, `
		SELECT published FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2 AND version = $3`,
		tenantID, flowID, version).Scan(&published)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if published {
		return false, ErrPublishedVersion
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2 AND version = $3 AND NOT published`,
		tenantID, flowID, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
