package routing

import (
	"context"

	"callrouting-platform/internal/audit"
)

// AuditAdapter bridges override auditing to audit.Service.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) LogOverrideApplied(ctx context.Context, e OverrideAuditEvent) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.LogOverride(ctx, e.TenantID, e.CampaignID, e.CallID, e.OverrideID, e.IPAddress, e.ConnectTo, e.Metadata)
}
