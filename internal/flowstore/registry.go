package flowstore

import (
	"fmt"
	"sync"

	"callrouting-platform/internal/flow"
)

// Registry caches compiled plans per (tenant, flow, version) so a document
// is parsed once per version rather than once per call.
type Registry struct {
	mu    sync.RWMutex
	plans map[string]*flow.ExecutionPlan
}

func NewRegistry() *Registry {
	return &Registry{plans: map[string]*flow.ExecutionPlan{}}
}

func planKey(tenantID, flowID string, version int) string {
	return fmt.Sprintf("%s/%s/%d", tenantID, flowID, version)
}

// Plan returns the cached plan for v, compiling its document on a miss.
func (r *Registry) Plan(v Version) (*flow.ExecutionPlan, error) {
	k := planKey(v.TenantID, v.FlowID, v.Version)
	r.mu.RLock()
	p, ok := r.plans[k]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	_, p, err := flow.ParseAndPlan(v.Document)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.plans[k] = p
	r.mu.Unlock()
	return p, nil
}

func (r *Registry) Put(tenantID, flowID string, version int, p *flow.ExecutionPlan) {
	r.mu.Lock()
	r.plans[planKey(tenantID, flowID, version)] = p
	r.mu.Unlock()
}

func (r *Registry) Invalidate(tenantID, flowID string, version int) {
	r.mu.Lock()
	delete(r.plans, planKey(tenantID, flowID, version))
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plans)
}
