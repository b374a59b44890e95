package callstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callrouting-platform/internal/metrics"
)

// Backend is the versioned key-value contract the Store runs on.
type Backend interface {
	// Load returns the stored state, or ok=false when absent or expired.
	Load(ctx context.Context, callID string) (CallState, bool, error)
	// CompareAndSwap writes next only if the stored version equals
	// expectedVersion (0 = must not exist). It reports false on conflict.
	CompareAndSwap(ctx context.Context, next CallState, expectedVersion int64, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, callID string) error
}

// Store is the call state service. Every mutation is an optimistic
// read-modify-write that bumps Version, refreshes UpdatedAt and resets the TTL.
type Store struct {
	backend    Backend
	ttl        time.Duration
	maxRetries int
	clock      func() time.Time
	log        *slog.Logger
}

type Options struct {
	TTL        time.Duration
	MaxRetries int
	Now        func() time.Time
	Logger     *slog.Logger
}

func NewStore(backend Backend, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		backend:    backend,
		ttl:        opts.TTL,
		maxRetries: opts.MaxRetries,
		clock:      opts.Now,
		log:        opts.Logger.With("component", "callstate"),
	}
}

// Get returns nil, nil when the call has no state.
func (s *Store) Get(ctx context.Context, callID string) (*CallState, error) {
	if callID == "" {
		return nil, ErrInvalidArgument
	}
	cur, ok, err := s.backend.Load(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("callstate: load %s: %w", callID, err)
	}
	if !ok {
		return nil, nil
	}
	return &cur, nil
}

// Set creates the record or fully replaces it. Replacing is still subject to
// status transition rules.
func (s *Store) Set(ctx context.Context, state CallState) (*CallState, error) {
	if state.ID == "" || state.TenantID == "" {
		return nil, ErrInvalidArgument
	}
	if state.Status == "" {
		state.Status = StatusInitiated
	}
	if !state.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, state.Status)
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, exists, err := s.backend.Load(ctx, state.ID)
		if err != nil {
			return nil, fmt.Errorf("callstate: load %s: %w", state.ID, err)
		}

		now := s.clock().UTC()
		next := state.clone()
		next.UpdatedAt = now
		var expected int64
		if exists {
			if !CanTransition(cur.Status, next.Status) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
			}
			expected = cur.Version
			next.CreatedAt = cur.CreatedAt
		} else if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		next.Version = expected + 1
		normalize(&next)

		ok, err := s.backend.CompareAndSwap(ctx, next, expected, s.ttl)
		if err != nil {
			return nil, fmt.Errorf("callstate: write %s: %w", state.ID, err)
		}
		if ok {
			return &next, nil
		}
		metrics.CallStateConflictsTotal.Inc()
	}
	return nil, ErrConflict
}

// Update merges patch into an existing record. Missing records yield nil, nil;
// callers must Set first.
func (s *Store) Update(ctx context.Context, callID string, patch Patch) (*CallState, error) {
	return s.mutate(ctx, callID, func(cs *CallState) error {
		if patch.Status != nil {
			if !CanTransition(cs.Status, *patch.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cs.Status, *patch.Status)
			}
			cs.Status = *patch.Status
		}
		if patch.CurrentNodeID != nil {
			cs.CurrentNodeID = *patch.CurrentNodeID
		}
		for k, v := range patch.Metadata {
			cs.Metadata[k] = v
		}
		return nil
	})
}

func (s *Store) UpdateStatus(ctx context.Context, callID string, status Status) (*CallState, error) {
	return s.Update(ctx, callID, Patch{Status: &status})
}

func (s *Store) UpdateCurrentNode(ctx context.Context, callID, nodeID string) (*CallState, error) {
	return s.Update(ctx, callID, Patch{CurrentNodeID: &nodeID})
}

func (s *Store) AddParticipant(ctx context.Context, callID string, p Participant) (*CallState, error) {
	if p.ID == "" {
		return nil, ErrInvalidArgument
	}
	return s.mutate(ctx, callID, func(cs *CallState) error {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = s.clock().UTC()
		}
		cs.Participants = append(cs.Participants, p)
		return nil
	})
}

func (s *Store) UpdateParticipant(ctx context.Context, callID, participantID string, patch ParticipantPatch) (*CallState, error) {
	return s.mutate(ctx, callID, func(cs *CallState) error {
		for i := range cs.Participants {
			if cs.Participants[i].ID != participantID {
				continue
			}
			if patch.Status != nil {
				cs.Participants[i].Status = *patch.Status
			}
			if patch.LeftAt != nil {
				t := patch.LeftAt.UTC()
				cs.Participants[i].LeftAt = &t
			}
			return nil
		}
		return ErrParticipantNotFound
	})
}

func (s *Store) AddTimer(ctx context.Context, callID string, t Timer) (*CallState, error) {
	if t.ID == "" || t.Name == "" {
		return nil, ErrInvalidArgument
	}
	return s.mutate(ctx, callID, func(cs *CallState) error {
		if t.StartedAt.IsZero() {
			t.StartedAt = s.clock().UTC()
		}
		cs.Timers = append(cs.Timers, t)
		return nil
	})
}

func (s *Store) UpdateTimer(ctx context.Context, callID, timerID string, patch TimerPatch) (*CallState, error) {
	return s.mutate(ctx, callID, func(cs *CallState) error {
		for i := range cs.Timers {
			if cs.Timers[i].ID != timerID {
				continue
			}
			if patch.CompletedAt != nil {
				t := patch.CompletedAt.UTC()
				cs.Timers[i].CompletedAt = &t
			}
			return nil
		}
		return ErrTimerNotFound
	})
}

func (s *Store) Delete(ctx context.Context, callID string) error {
	if callID == "" {
		return ErrInvalidArgument
	}
	if err := s.backend.Delete(ctx, callID); err != nil {
		return fmt.Errorf("callstate: delete %s: %w", callID, err)
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, callID string, fn func(*CallState) error) (*CallState, error) {
	if callID == "" {
		return nil, ErrInvalidArgument
	}
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, ok, err := s.backend.Load(ctx, callID)
		if err != nil {
			return nil, fmt.Errorf("callstate: load %s: %w", callID, err)
		}
		if !ok {
			return nil, nil
		}

		next := cur.clone()
		normalize(&next)
		if err := fn(&next); err != nil {
			return nil, err
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = s.clock().UTC()

		ok, err = s.backend.CompareAndSwap(ctx, next, cur.Version, s.ttl)
		if err != nil {
			return nil, fmt.Errorf("callstate: write %s: %w", callID, err)
		}
		if ok {
			return &next, nil
		}
		metrics.CallStateConflictsTotal.Inc()
		s.log.Debug("version conflict; retrying", "call_id", callID, "attempt", attempt+1)
	}
	return nil, ErrConflict
}

func normalize(cs *CallState) {
	if cs.Participants == nil {
		cs.Participants = []Participant{}
	}
	if cs.Timers == nil {
		cs.Timers = []Timer{}
	}
	if cs.Metadata == nil {
		cs.Metadata = map[string]any{}
	}
}
