package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo writes to audit_events. The table should carry an
// INSERT-only policy.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, tenant_id, type, actor_user_id, actor_role, ip_address,
			 flow_id, flow_version, campaign_id, call_id, override_id,
			 message, metadata, created_at)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),
			NULLIF($7,''),NULLIF($8,0),NULLIF($9,''),NULLIF($10,''),NULLIF($11,''),
			$12,NULLIF($13,'')::jsonb,$14)`,
		e.ID, e.TenantID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.FlowID, e.FlowVersion, e.CampaignID, e.CallID, e.OverrideID,
		e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, type,
			COALESCE(actor_user_id,''), COALESCE(actor_role,''), COALESCE(ip_address,''),
			COALESCE(flow_id,''), COALESCE(flow_version,0), COALESCE(campaign_id,''),
			COALESCE(call_id,''), COALESCE(override_id,''),
			message, COALESCE(metadata::text,''), created_at
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &e.TenantID, &typ,
			&e.ActorUserID, &e.ActorRole, &e.IPAddress,
			&e.FlowID, &e.FlowVersion, &e.CampaignID,
			&e.CallID, &e.OverrideID,
			&e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
