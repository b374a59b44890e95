package telephony

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"
)

// NOTE: PostgresNumbers assumes this table exists:
//
//	phone_numbers (e164 PK, tenant_id, flow_id, campaign_id NULL, status)

var ErrUnknownNumber = errors.New("telephony: unknown number")

// NumberRoute is what a dialed number is provisioned to.
type NumberRoute struct {
	Number     string
	TenantID   string
	FlowID     string
	CampaignID string
}

// NumberResolver maps a dialed number to the tenant and flow that own it.
type NumberResolver interface {
	Resolve(ctx context.Context, number string) (NumberRoute, error)
}

type PostgresNumbers struct {
	db *sql.DB
}

func NewPostgresNumbers(db *sql.DB) *PostgresNumbers { return &PostgresNumbers{db: db} }

func (n *PostgresNumbers) Resolve(ctx context.Context, number string) (NumberRoute, error) {
	number = normalizePhone(number)
	if number == "" {
		return NumberRoute{}, ErrUnknownNumber
	}
	var (
		r        NumberRoute
		campaign pgtype.Text
	)
	err := n.db.QueryRowContext(ctx, `
		SELECT e164, tenant_id, flow_id, campaign_id
		FROM phone_numbers
		WHERE e164 = $1 AND status = 'active'`, number).
		Scan(&r.Number, &r.TenantID, &r.FlowID, &campaign)
	if errors.Is(err, sql.ErrNoRows) {
		return NumberRoute{}, ErrUnknownNumber
	}
	if err != nil {
		return NumberRoute{}, fmt.Errorf("telephony: resolve %s: %w", number, err)
	}
	if campaign.Valid {
		r.CampaignID = campaign.String
	}
	return r, nil
}

// MemoryNumbers is a NumberResolver for tests and local runs.
type MemoryNumbers struct {
	mu     sync.RWMutex
	routes map[string]NumberRoute
}

func NewMemoryNumbers() *MemoryNumbers {
	return &MemoryNumbers{routes: make(map[string]NumberRoute)}
}

func (m *MemoryNumbers) Put(r NumberRoute) {
	r.Number = normalizePhone(r.Number)
	m.mu.Lock()
	m.routes[r.Number] = r
	m.mu.Unlock()
}

func (m *MemoryNumbers) Resolve(_ context.Context, number string) (NumberRoute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[normalizePhone(number)]
	if !ok {
		return NumberRoute{}, ErrUnknownNumber
	}
	return r, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}
