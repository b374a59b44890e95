package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is append-only. There is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, tenantID string, limit int) ([]Event, error)
}

// Service records internal audit information. Callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TenantID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Recent returns up to limit events for a tenant, newest first.
func (s *Service) Recent(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	if tenantID == "" {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.List(ctx, tenantID, limit)
}

// LogFlowChange records a publish, rollback or delete of a flow version.
func (s *Service) LogFlowChange(ctx context.Context, typ EventType, tenantID, flowID string, version int, actor Actor) error {
	return s.Append(ctx, Event{
		TenantID:    tenantID,
		Type:        typ,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		FlowID:      flowID,
		FlowVersion: version,
		Message:     fmt.Sprintf("%s v%d %s", flowID, version, typ),
	})
}

// LogOverride records an applied routing override.
func (s *Service) LogOverride(ctx context.Context, tenantID, campaignID, callID, overrideID, ip, connectTo, metadata string) error {
	return s.Append(ctx, Event{
		TenantID:   tenantID,
		Type:       EventTypeOverride,
		IPAddress:  ip,
		CampaignID: campaignID,
		CallID:     callID,
		OverrideID: overrideID,
		Message:    "override applied: " + connectTo,
		Metadata:   metadata,
	})
}
