package callstate

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBackend is a versioned in-memory backend useful for tests.
// It is not intended for production use.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	raw       []byte
	version   int64
	expiresAt time.Time
}

func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{items: make(map[string]memItem), now: now}
}

func (b *MemoryBackend) Load(ctx context.Context, callID string) (CallState, bool, error) {
	b.mu.Lock()
	it, ok := b.live(callID)
	b.mu.Unlock()
	if !ok {
		return CallState{}, false, nil
	}
	var cs CallState
	if err := json.Unmarshal(it.raw, &cs); err != nil {
		return CallState{}, false, err
	}
	return cs, true, nil
}

func (b *MemoryBackend) CompareAndSwap(ctx context.Context, next CallState, expectedVersion int64, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, exists := b.live(next.ID)
	switch {
	case expectedVersion == 0 && exists:
		return false, nil
	case expectedVersion != 0 && (!exists || cur.version != expectedVersion):
		return false, nil
	}
	b.items[next.ID] = memItem{raw: raw, version: next.Version, expiresAt: b.now().Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, callID)
	return nil
}

// TTL returns the remaining lifetime of a key, or 0 when absent.
func (b *MemoryBackend) TTL(callID string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.live(callID)
	if !ok {
		return 0
	}
	return it.expiresAt.Sub(b.now())
}

// live returns a non-expired item. Caller holds mu.
func (b *MemoryBackend) live(callID string) (memItem, bool) {
	it, ok := b.items[callID]
	if !ok {
		return memItem{}, false
	}
	if !b.now().Before(it.expiresAt) {
		delete(b.items, callID)
		return memItem{}, false
	}
	return it, true
}
