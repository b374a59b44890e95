package routing

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// OverrideEngine applies silent, expiry-based campaign overrides ahead of
// normal buyer ranking. An applied override is audited internally and is
// never surfaced in the decision's Reason.
type OverrideEngine struct {
	Store OverrideStore
	Audit AuditLogger
	Now   func() time.Time
}

type OverrideStore interface {
	// GetActiveOverride returns (Override{}, false, nil) when none applies.
	GetActiveOverride(ctx context.Context, tenantID, campaignID string, now time.Time) (Override, bool, error)
}

type AuditLogger interface {
	LogOverrideApplied(ctx context.Context, e OverrideAuditEvent) error
}

type Override struct {
	ID         string
	TenantID   string
	CampaignID string
	BuyerID    string
	TargetID   string
	ConnectTo  string
	ExpiresAt  time.Time
	Metadata   string
}

type OverrideAuditEvent struct {
	TenantID   string
	CampaignID string
	OverrideID string
	CallID     string
	IPAddress  string
	ConnectTo  string
	AppliedAt  time.Time
	ExpiresAt  time.Time
	Metadata   string
}

func NewOverrideEngine(store OverrideStore, audit AuditLogger) *OverrideEngine {
	return &OverrideEngine{Store: store, Audit: audit, Now: time.Now}
}

// Decide returns (decision, true, nil) when an active override applies.
func (e *OverrideEngine) Decide(ctx context.Context, tenantID, campaignID string) (Decision, bool, error) {
	if tenantID == "" {
		return Decision{}, false, errors.New("routing: tenant_id required")
	}
	if e == nil || e.Store == nil {
		return Decision{}, false, nil
	}
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}

	o, ok, err := e.Store.GetActiveOverride(ctx, tenantID, campaignID, now)
	if err != nil || !ok {
		return Decision{}, false, err
	}
	if !o.ExpiresAt.After(now) {
		return Decision{}, false, nil
	}
	if o.ConnectTo == "" {
		return Decision{}, false, errors.New("routing: override connect_to empty")
	}

	d := Decision{
		TenantID:    tenantID,
		CampaignID:  campaignID,
		BuyerID:     o.BuyerID,
		TargetID:    o.TargetID,
		Destination: o.ConnectTo,
	}
	if e.Audit != nil {
		_ = e.Audit.LogOverrideApplied(ctx, OverrideAuditEvent{
			TenantID:   tenantID,
			CampaignID: campaignID,
			OverrideID: o.ID,
			CallID:     CallIDFromContext(ctx),
			IPAddress:  ClientIPFromContext(ctx),
			ConnectTo:  o.ConnectTo,
			AppliedAt:  now,
			ExpiresAt:  o.ExpiresAt,
			Metadata:   o.Metadata,
		})
	}
	return d, true, nil
}

type clientIPKey struct{}
type callIDKey struct{}

// WithClientIP attaches the resolved client IP for override auditing.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIPFromContext(ctx context.Context) string {
	s, _ := ctx.Value(clientIPKey{}).(string)
	return s
}

func WithCallID(ctx context.Context, callID string) context.Context {
	if callID == "" {
		return ctx
	}
	return context.WithValue(ctx, callIDKey{}, callID)
}

func CallIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(callIDKey{}).(string)
	return s
}

// PostgresOverrideStore reads routing_overrides
// (id, tenant_id, campaign_id, buyer_id, target_id, connect_to, expires_at, metadata).
type PostgresOverrideStore struct {
	db *sql.DB
}

func NewPostgresOverrideStore(db *sql.DB) *PostgresOverrideStore {
	return &PostgresOverrideStore{db: db}
}

func (s *PostgresOverrideStore) GetActiveOverride(ctx context.Context, tenantID, campaignID string, now time.Time) (Override, bool, error) {
	var o Override
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, campaign_id, COALESCE(buyer_id,''), COALESCE(target_id,''),
			connect_to, expires_at, COALESCE(metadata::text,'')
		FROM routing_overrides
		WHERE tenant_id = $1 AND campaign_id = $2 AND expires_at > $3
		ORDER BY expires_at DESC
		LIMIT 1`, tenantID, campaignID, now).
		Scan(&o.ID, &o.TenantID, &o.CampaignID, &o.BuyerID, &o.TargetID, &o.ConnectTo, &o.ExpiresAt, &o.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return Override{}, false, nil
	}
	if err != nil {
		return Override{}, false, err
	}
	return o, true, nil
}

// MemoryOverrideStore keeps overrides per (tenant, campaign).
type MemoryOverrideStore struct {
	mu     sync.Mutex
	active map[string]Override
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{active: map[string]Override{}}
}

func (s *MemoryOverrideStore) Put(o Override) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[o.TenantID+"/"+o.CampaignID] = o
}

func (s *MemoryOverrideStore) GetActiveOverride(ctx context.Context, tenantID, campaignID string, now time.Time) (Override, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.active[tenantID+"/"+campaignID]
	if !ok || !o.ExpiresAt.After(now) {
		return Override{}, false, nil
	}
	return o, true, nil
}
