package routing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"
)

// NOTE: PostgresDirectory assumes these tables exist:
//
//	buyers (id PK, tenant_id, name, status)
//	campaign_buyers (campaign_id, buyer_id, position)
//	buyer_targets (id PK, buyer_id, destination, max_concurrency, priority, weight, status)
//	buyer_scores (tenant_id, campaign_id, buyer_id, score, call_count)

var ErrUnknownBuyer = errors.New("routing: unknown buyer")

type Buyer struct {
	ID       string
	TenantID string
	Name     string
	// Position is the campaign's configured order, used by STATIC mode.
	Position int
	Active   bool
	Targets  []Target
}

type Target struct {
	ID             string
	BuyerID        string
	Destination    string
	MaxConcurrency int
	Priority       int
	Weight         int
	Active         bool
}

// Score is a buyer's historical performance on a campaign. Calls is the
// sample size behind Value.
type Score struct {
	Value float64
	Calls int
}

// BuyerDirectory resolves buyer configuration.
type BuyerDirectory interface {
	// CampaignBuyers returns the buyers routed by a campaign in configured order.
	CampaignBuyers(ctx context.Context, tenantID, campaignID string) ([]Buyer, error)
	BuyerTargets(ctx context.Context, buyerID string) ([]Target, error)
	// BuyerTenant returns the owning tenant, or ErrUnknownBuyer.
	BuyerTenant(ctx context.Context, buyerID string) (string, error)
}

// ScoreLookup supplies performance scores computed elsewhere.
type ScoreLookup interface {
	BuyerScores(ctx context.Context, tenantID, campaignID string) (map[string]Score, error)
}

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory { return &PostgresDirectory{db: db} }

func (d *PostgresDirectory) CampaignBuyers(ctx context.Context, tenantID, campaignID string) ([]Buyer, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT b.id, b.tenant_id, b.name, cb.position, b.status = 'active',
			t.id, t.destination, t.max_concurrency, t.priority, t.weight, t.status = 'active'
		FROM campaign_buyers cb
		JOIN buyers b ON b.id = cb.buyer_id
		LEFT JOIN buyer_targets t ON t.buyer_id = b.id
		WHERE cb.campaign_id = $1 AND b.tenant_id = $2
		ORDER BY cb.position, b.id, t.priority DESC, t.id`, campaignID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("routing: campaign buyers: %w", err)
	}
	defer rows.Close()

	var out []Buyer
	index := map[string]int{}
	for rows.Next() {
		var b Buyer
		var (
			tid, dest             pgtype.Text
			maxConc, prio, weight pgtype.Int4
			targetActive          pgtype.Bool
		)
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Name, &b.Position, &b.Active,
			&tid, &dest, &maxConc, &prio, &weight, &targetActive); err != nil {
			return nil, err
		}
		i, seen := index[b.ID]
		if !seen {
			i = len(out)
			index[b.ID] = i
			out = append(out, b)
		}
		if tid.Valid {
			out[i].Targets = append(out[i].Targets, Target{
				ID:             tid.String,
				BuyerID:        b.ID,
				Destination:    dest.String,
				MaxConcurrency: int(maxConc.Int32),
				Priority:       int(prio.Int32),
				Weight:         int(weight.Int32),
				Active:         targetActive.Valid && targetActive.Bool,
			})
		}
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) BuyerTargets(ctx context.Context, buyerID string) ([]Target, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, destination, max_concurrency, priority, weight, status = 'active'
		FROM buyer_targets
		WHERE buyer_id = $1
		ORDER BY priority DESC, id`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("routing: buyer targets: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		t := Target{BuyerID: buyerID}
		if err := rows.Scan(&t.ID, &t.Destination, &t.MaxConcurrency, &t.Priority, &t.Weight, &t.Active); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) BuyerTenant(ctx context.Context, buyerID string) (string, error) {
	var tenantID string
	err := d.db.QueryRowContext(ctx, `SELECT tenant_id FROM buyers WHERE id = $1`, buyerID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownBuyer
	}
	if err != nil {
		return "", fmt.Errorf("routing: buyer tenant: %w", err)
	}
	return tenantID, nil
}

func (d *PostgresDirectory) BuyerScores(ctx context.Context, tenantID, campaignID string) (map[string]Score, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT buyer_id, score, call_count
		FROM buyer_scores
		WHERE tenant_id = $1 AND campaign_id = $2`, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("routing: buyer scores: %w", err)
	}
	defer rows.Close()

	out := map[string]Score{}
	for rows.Next() {
		var id string
		var s Score
		if err := rows.Scan(&id, &s.Value, &s.Calls); err != nil {
			return nil, err
		}
		out[id] = s
	}
	return out, rows.Err()
}

// MemoryDirectory is an in-memory BuyerDirectory and ScoreLookup for tests
// and local runs.
type MemoryDirectory struct {
	mu        sync.RWMutex
	buyers    map[string]Buyer
	campaigns map[string][]string
	scores    map[string]map[string]Score
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		buyers:    map[string]Buyer{},
		campaigns: map[string][]string{},
		scores:    map[string]map[string]Score{},
	}
}

// AddBuyer registers b on campaignID, appended to the configured order.
func (d *MemoryDirectory) AddBuyer(campaignID string, b Buyer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range b.Targets {
		b.Targets[i].BuyerID = b.ID
	}
	b.Position = len(d.campaigns[campaignID])
	d.buyers[b.ID] = b
	d.campaigns[campaignID] = append(d.campaigns[campaignID], b.ID)
}

func (d *MemoryDirectory) SetScore(campaignID, buyerID string, s Score) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scores[campaignID] == nil {
		d.scores[campaignID] = map[string]Score{}
	}
	d.scores[campaignID][buyerID] = s
}

func (d *MemoryDirectory) CampaignBuyers(ctx context.Context, tenantID, campaignID string) ([]Buyer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Buyer
	for _, id := range d.campaigns[campaignID] {
		b := d.buyers[id]
		if b.TenantID != "" && b.TenantID != tenantID {
			continue
		}
		b.Targets = sortedTargets(b.Targets)
		out = append(out, b)
	}
	return out, nil
}

func (d *MemoryDirectory) BuyerTargets(ctx context.Context, buyerID string) ([]Target, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buyers[buyerID]
	if !ok {
		return nil, nil
	}
	return sortedTargets(b.Targets), nil
}

func (d *MemoryDirectory) BuyerTenant(ctx context.Context, buyerID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buyers[buyerID]
	if !ok {
		return "", ErrUnknownBuyer
	}
	return b.TenantID, nil
}

func (d *MemoryDirectory) BuyerScores(ctx context.Context, tenantID, campaignID string) (map[string]Score, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Score, len(d.scores[campaignID]))
	for k, v := range d.scores[campaignID] {
		out[k] = v
	}
	return out, nil
}

func sortedTargets(in []Target) []Target {
	out := append([]Target(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
