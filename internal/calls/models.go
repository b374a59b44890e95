package calls

import (
	"time"

	"callrouting-platform/internal/callstate"
)

// Call is the durable, tenant-scoped record of a phone call.
//
// It is the authoritative set buyer concurrency is derived from: a target's
// live calls are the rows pointing at it with an active status.
type Call struct {
	CallID     string `json:"call_id" db:"call_id"`
	TenantID   string `json:"tenant_id" db:"tenant_id"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	FlowID     string `json:"flow_id,omitempty" db:"flow_id"`

	BuyerID  string `json:"buyer_id,omitempty" db:"buyer_id"`
	TargetID string `json:"target_id,omitempty" db:"target_id"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Status callstate.Status `json:"status" db:"status"`

	EndReason string `json:"end_reason,omitempty" db:"end_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
