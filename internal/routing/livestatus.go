package routing

import (
	"context"
	"fmt"
)

// CallSource counts in-flight calls (initiated, ringing, answered) per
// target. calls.PostgresRepo and calls.MemoryRepo satisfy it.
type CallSource interface {
	CountActiveByTarget(ctx context.Context, targetIDs []string) (map[string]int, error)
}

type TargetStatus struct {
	TargetID       string `json:"targetId"`
	LiveCalls      int    `json:"liveCalls"`
	MaxConcurrency int    `json:"maxConcurrency"`
	IsFull         bool   `json:"isFull"`
}

type BuyerStatus struct {
	BuyerID        string         `json:"buyerId"`
	TotalLiveCalls int            `json:"totalLiveCalls"`
	Targets        []TargetStatus `json:"targets"`
}

// LiveStatusProvider derives concurrency from the active-calls set on every
// call. Nothing is cached and no counters are kept.
type LiveStatusProvider struct {
	calls CallSource
	dir   BuyerDirectory
}

func NewLiveStatusProvider(calls CallSource, dir BuyerDirectory) *LiveStatusProvider {
	return &LiveStatusProvider{calls: calls, dir: dir}
}

func (p *LiveStatusProvider) TargetConcurrency(ctx context.Context, targetID string) (int, error) {
	counts, err := p.calls.CountActiveByTarget(ctx, []string{targetID})
	if err != nil {
		return 0, fmt.Errorf("routing: target concurrency: %w", err)
	}
	return counts[targetID], nil
}

// BuyerLiveStatus reports every target of a buyer with one batched query.
func (p *LiveStatusProvider) BuyerLiveStatus(ctx context.Context, buyerID string) (BuyerStatus, error) {
	if p.dir == nil {
		return BuyerStatus{}, fmt.Errorf("routing: buyer directory not configured")
	}
	targets, err := p.dir.BuyerTargets(ctx, buyerID)
	if err != nil {
		return BuyerStatus{}, err
	}
	out := BuyerStatus{BuyerID: buyerID, Targets: []TargetStatus{}}
	if len(targets) == 0 {
		return out, nil
	}
	statuses, err := p.TargetsLiveStatus(ctx, targets)
	if err != nil {
		return BuyerStatus{}, err
	}
	for _, t := range targets {
		st := statuses[t.ID]
		out.TotalLiveCalls += st.LiveCalls
		out.Targets = append(out.Targets, st)
	}
	return out, nil
}

// TenantBuyerLiveStatus is BuyerLiveStatus for a buyer that must belong to
// tenantID. Buyers of other tenants report ErrUnknownBuyer.
func (p *LiveStatusProvider) TenantBuyerLiveStatus(ctx context.Context, tenantID, buyerID string) (BuyerStatus, error) {
	if p.dir == nil {
		return BuyerStatus{}, fmt.Errorf("routing: buyer directory not configured")
	}
	owner, err := p.dir.BuyerTenant(ctx, buyerID)
	if err != nil {
		return BuyerStatus{}, err
	}
	if owner != tenantID {
		return BuyerStatus{}, ErrUnknownBuyer
	}
	return p.BuyerLiveStatus(ctx, buyerID)
}

// TargetsLiveStatus returns status keyed by target id.
func (p *LiveStatusProvider) TargetsLiveStatus(ctx context.Context, targets []Target) (map[string]TargetStatus, error) {
	out := make(map[string]TargetStatus, len(targets))
	if len(targets) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID)
	}
	counts, err := p.calls.CountActiveByTarget(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("routing: targets live status: %w", err)
	}
	for _, t := range targets {
		out[t.ID] = targetStatus(t.ID, counts[t.ID], t.MaxConcurrency)
	}
	return out, nil
}

func targetStatus(id string, live, max int) TargetStatus {
	return TargetStatus{
		TargetID:       id,
		LiveCalls:      live,
		MaxConcurrency: max,
		IsFull:         max > 0 && live >= max,
	}
}
