package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callrouting-platform/internal/callstate"
)

// NOTE: This repository assumes the following table exists:
//
//	calls (call_id PK, tenant_id, campaign_id, flow_id, buyer_id, target_id,
//	       from_number, to_number, status, end_reason, created_at, updated_at)
//
// with an index on (target_id, status).

var ErrNotFound = errors.New("calls: not found")

// Repository persists call records and answers live-concurrency queries.
type Repository interface {
	Upsert(ctx context.Context, c Call) error
	Get(ctx context.Context, callID string) (Call, error)
	CountActiveByTarget(ctx context.Context, targetIDs []string) (map[string]int, error)
	// ListCalls returns a tenant's calls created in [from, to), oldest first.
	// An empty campaignID matches every campaign.
	ListCalls(ctx context.Context, tenantID string, from, to time.Time, campaignID string) ([]Call, error)
	// ReleaseTarget unbinds a live call from targetID after a rejected dial.
	// It is a no-op when the call is bound elsewhere or already finished.
	ReleaseTarget(ctx context.Context, callID, targetID string, at time.Time) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// Upsert inserts or advances a call row. Empty fields never overwrite known
// values, status only moves forward and terminal rows are left untouched, so
// replayed events are harmless.
func (r *PostgresRepo) Upsert(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (call_id, tenant_id, campaign_id, flow_id, buyer_id, target_id, from_number, to_number, status, end_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
ON CONFLICT (call_id) DO UPDATE SET
  campaign_id = COALESCE(NULLIF(EXCLUDED.campaign_id, ''), calls.campaign_id),
  flow_id     = COALESCE(NULLIF(EXCLUDED.flow_id, ''), calls.flow_id),
  buyer_id    = COALESCE(NULLIF(EXCLUDED.buyer_id, ''), calls.buyer_id),
  target_id   = COALESCE(NULLIF(EXCLUDED.target_id, ''), calls.target_id),
  from_number = COALESCE(NULLIF(EXCLUDED.from_number, ''), calls.from_number),
  to_number   = COALESCE(NULLIF(EXCLUDED.to_number, ''), calls.to_number),
  status      = CASE
    WHEN EXCLUDED.status = 'failed' THEN EXCLUDED.status
    WHEN array_position(ARRAY['initiated', 'ringing', 'answered', 'completed'], EXCLUDED.status)
       > array_position(ARRAY['initiated', 'ringing', 'answered', 'completed'], calls.status) THEN EXCLUDED.status
    ELSE calls.status
  END,
  end_reason  = COALESCE(NULLIF(EXCLUDED.end_reason, ''), calls.end_reason),
  updated_at  = EXCLUDED.updated_at
WHERE calls.status NOT IN ('completed', 'failed')
`
	now := c.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, q,
		c.CallID, c.TenantID, c.CampaignID, c.FlowID, c.BuyerID, c.TargetID,
		c.From, c.To, string(c.Status), c.EndReason, now,
	)
	return err
}

func (r *PostgresRepo) ReleaseTarget(ctx context.Context, callID, targetID string, at time.Time) error {
	const q = `
UPDATE calls SET target_id = '', buyer_id = '', updated_at = $3
WHERE call_id = $1 AND target_id = $2 AND status NOT IN ('completed', 'failed')
`
	_, err := r.db.ExecContext(ctx, q, callID, targetID, at)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, callID string) (Call, error) {
	const q = `
SELECT call_id, tenant_id, campaign_id, flow_id, buyer_id, target_id, from_number, to_number, status, end_reason, created_at, updated_at
FROM calls
WHERE call_id = $1
`
	var c Call
	var status string
	if err := r.db.QueryRowContext(ctx, q, callID).Scan(
		&c.CallID,
		&c.TenantID,
		&c.CampaignID,
		&c.FlowID,
		&c.BuyerID,
		&c.TargetID,
		&c.From,
		&c.To,
		&status,
		&c.EndReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	c.Status = callstate.Status(status)
	return c, nil
}

// CountActiveByTarget runs one grouped query for all targetIDs. Targets with no
// live calls are present with a zero count.
func (r *PostgresRepo) CountActiveByTarget(ctx context.Context, targetIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(targetIDs))
	if len(targetIDs) == 0 {
		return out, nil
	}
	for _, id := range targetIDs {
		out[id] = 0
	}

	const q = `
SELECT target_id, COUNT(*)
FROM calls
WHERE target_id = ANY($1) AND status = ANY($2)
GROUP BY target_id
`
	active := make([]string, 0, len(callstate.ActiveStatuses))
	for _, s := range callstate.ActiveStatuses {
		active = append(active, string(s))
	}
	rows, err := r.db.QueryContext(ctx, q, targetIDs, active)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListCalls(ctx context.Context, tenantID string, from, to time.Time, campaignID string) ([]Call, error) {
	const q = `
SELECT call_id, tenant_id, campaign_id, flow_id, buyer_id, target_id, from_number, to_number, status, end_reason, created_at, updated_at
FROM calls
WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3 AND ($4 = '' OR campaign_id = $4)
ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, from, to, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		var c Call
		var status string
		if err := rows.Scan(
			&c.CallID, &c.TenantID, &c.CampaignID, &c.FlowID, &c.BuyerID, &c.TargetID,
			&c.From, &c.To, &status, &c.EndReason, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		c.Status = callstate.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}
