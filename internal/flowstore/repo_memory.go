package flowstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is a simple in-memory repository useful for tests and flowctl.
type MemoryRepo struct {
	mu       sync.Mutex
	versions map[string]map[int]Version
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{versions: map[string]map[int]Version{}}
}

func flowKey(tenantID, flowID string) string { return tenantID + "/" + flowID }

func (r *MemoryRepo) UpsertVersion(ctx context.Context, v Version) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := flowKey(v.TenantID, v.FlowID)
	if r.versions[k] == nil {
		r.versions[k] = map[int]Version{}
	}
	if cur, ok := r.versions[k][v.Version]; ok {
		cur.Name = v.Name
		cur.Document = v.Document
		cur.UpdatedAt = v.UpdatedAt
		r.versions[k][v.Version] = cur
		return cur, nil
	}
	v.Published = false
	v.PublishedAt = nil
	v.CreatedAt = v.UpdatedAt
	r.versions[k][v.Version] = v
	return v, nil
}

func (r *MemoryRepo) GetVersion(ctx context.Context, tenantID, flowID string, version int) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[flowKey(tenantID, flowID)][version]
	if !ok {
		return Version{}, ErrNotFound
	}
	return v, nil
}

func (r *MemoryRepo) ListVersions(ctx context.Context, tenantID, flowID string) ([]Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Version
	for _, v := range r.versions[flowKey(tenantID, flowID)] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (r *MemoryRepo) ListFlows(ctx context.Context, tenantID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, byVersion := range r.versions {
		for _, v := range byVersion {
			if v.TenantID == tenantID {
				out = append(out, v.FlowID)
			}
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRepo) Publish(ctx context.Context, tenantID, flowID string, version int, at time.Time) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion := r.versions[flowKey(tenantID, flowID)]
	target, ok := byVersion[version]
	if !ok {
		return Version{}, ErrNotFound
	}
	for n, v := range byVersion {
		if v.Published && n != version {
			v.Published = false
			byVersion[n] = v
		}
	}
	t := at
	target.Published = true
	target.PublishedAt = &t
	target.UpdatedAt = at
	byVersion[version] = target
	return target, nil
}

func (r *MemoryRepo) GetPublished(ctx context.Context, tenantID, flowID string) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.versions[flowKey(tenantID, flowID)] {
		if v.Published {
			return v, nil
		}
	}
	return Version{}, ErrNothingPublished
}

func (r *MemoryRepo) DeleteVersion(ctx context.Context, tenantID, flowID string, version int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion := r.versions[flowKey(tenantID, flowID)]
	v, ok := byVersion[version]
	if !ok {
		return false, nil
	}
	if v.Published {
		return false, ErrPublishedVersion
	}
	delete(byVersion, version)
	if len(byVersion) == 0 {
		delete(r.versions, flowKey(tenantID, flowID))
	}
	return true, nil
}
