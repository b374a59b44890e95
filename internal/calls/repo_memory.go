package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"callrouting-platform/internal/callstate"
)

// MemoryRepo is a simple in-memory repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{calls: make(map[string]Call)} }

func (r *MemoryRepo) Upsert(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	cur, ok := r.calls[c.CallID]
	if !ok {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = c.UpdatedAt
		}
		r.calls[c.CallID] = c
		return nil
	}
	if cur.Status.Terminal() {
		return nil
	}
	if callstate.CanTransition(cur.Status, c.Status) {
		cur.Status = c.Status
	}
	cur.UpdatedAt = c.UpdatedAt
	keep(&cur.CampaignID, c.CampaignID)
	keep(&cur.FlowID, c.FlowID)
	keep(&cur.BuyerID, c.BuyerID)
	keep(&cur.TargetID, c.TargetID)
	keep(&cur.From, c.From)
	keep(&cur.To, c.To)
	keep(&cur.EndReason, c.EndReason)
	r.calls[c.CallID] = cur
	return nil
}

func keep(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (r *MemoryRepo) ReleaseTarget(ctx context.Context, callID, targetID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok || c.TargetID != targetID || c.Status.Terminal() {
		return nil
	}
	c.TargetID = ""
	c.BuyerID = ""
	c.UpdatedAt = at
	r.calls[callID] = c
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, callID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) CountActiveByTarget(ctx context.Context, targetIDs []string) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(targetIDs))
	for _, id := range targetIDs {
		out[id] = 0
	}
	for _, c := range r.calls {
		if _, want := out[c.TargetID]; want && c.Status.Active() {
			out[c.TargetID]++
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListCalls(ctx context.Context, tenantID string, from, to time.Time, campaignID string) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Call, 0)
	for _, c := range r.calls {
		if c.TenantID != tenantID || c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		if campaignID != "" && c.CampaignID != campaignID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
