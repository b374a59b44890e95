package flowstore

import (
	"encoding/json"
	"errors"
	"time"
)

// Version is one stored revision of a tenant's flow. Document holds the
// normalized JSON form; at most one version per flow is published.
type Version struct {
	TenantID    string          `json:"tenantId"`
	FlowID      string          `json:"flowId"`
	Version     int             `json:"version"`
	Name        string          `json:"name"`
	Document    json.RawMessage `json:"document"`
	Published   bool            `json:"published"`
	PublishedAt *time.Time      `json:"publishedAt,omitempty"`
	CreatedBy   string          `json:"createdBy,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

var (
	ErrNotFound         = errors.New("flowstore: not found")
	ErrPublishedVersion = errors.New("flowstore: cannot delete published flow version")
	ErrInvalidArgument  = errors.New("flowstore: invalid argument")
	ErrNothingPublished = errors.New("flowstore: flow has no published version")
)
