package audit

import "time"

// Event is an append-only record of a privileged change: flow publish,
// rollback, version delete, or an applied routing override.
//
// Events are never updated or deleted. TenantID is required.
type Event struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	Type     EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	FlowID      string `json:"flow_id,omitempty" db:"flow_id"`
	FlowVersion int    `json:"flow_version,omitempty" db:"flow_version"`
	CampaignID  string `json:"campaign_id,omitempty" db:"campaign_id"`
	CallID      string `json:"call_id,omitempty" db:"call_id"`
	OverrideID  string `json:"override_id,omitempty" db:"override_id"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeFlowPublished  EventType = "flow_published"
	EventTypeFlowRolledBack EventType = "flow_rolled_back"
	EventTypeFlowDeleted    EventType = "flow_version_deleted"
	EventTypeOverride       EventType = "routing_override"
)

// Actor identifies who caused an event.
type Actor struct {
	UserID string
	Role   string
	IP     string
}
