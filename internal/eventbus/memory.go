package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus with the same delivery semantics as RedisBus:
// consumer groups start at the beginning of the log, each entry goes to one
// member, failed entries stay pending and are reclaimed after ClaimIdle.
// It keeps the whole log and is intended for tests and single-process tools.
type MemoryBus struct {
	mu        sync.Mutex
	events    []Event
	lastMs    int64
	seq       int64
	groups    map[string]*memGroup
	listeners map[int]*memListener
	nextSub   int
	bound     groupPatterns

	claimIdle time.Duration
	now       func() time.Time
	log       *slog.Logger
}

type memGroup struct {
	next    int
	pending map[string]*memPending
	waiters map[string]chan struct{}
}

type memPending struct {
	idx         int
	consumer    string
	deliveredAt time.Time
	deliveries  int
	inFlight    bool
}

type memListener struct {
	patterns []string
	ch       chan Event
}

type MemoryOptions struct {
	ClaimIdle time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

func NewMemoryBus(opts MemoryOptions) *MemoryBus {
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MemoryBus{
		groups:    make(map[string]*memGroup),
		listeners: make(map[int]*memListener),
		claimIdle: opts.ClaimIdle,
		now:       opts.Now,
		log:       opts.Logger.With("component", "eventbus"),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, p Payload) (string, error) {
	if err := validatePayload(p); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", &PublishError{Channel: channel, Event: p.Event, Err: err}
	}

	now := b.now()
	e := newEvent(channel, p, now)

	b.mu.Lock()
	e.ID = b.nextID(now)
	b.events = append(b.events, e)
	for _, g := range b.groups {
		g.notify()
	}
	var targets []*memListener
	for _, l := range b.listeners {
		if matchAny(l.patterns, e.Event) {
			targets = append(targets, l)
		}
	}
	b.mu.Unlock()

	for _, l := range targets {
		select {
		case l.ch <- e:
		default:
			b.log.Warn("broadcast listener full; dropping", "event", e.Event, "id", e.ID)
		}
	}
	return e.ID, nil
}

// nextID mirrors stream ids: <ms>-<seq>, strictly increasing. Caller holds mu.
func (b *MemoryBus) nextID(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= b.lastMs {
		b.seq++
	} else {
		b.lastMs = ms
		b.seq = 0
	}
	return fmt.Sprintf("%d-%d", b.lastMs, b.seq)
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern, group, consumer string, h Handler) (Unsubscribe, error) {
	if err := validateSubscription(group, consumer, h); err != nil {
		return nil, err
	}
	release, err := b.bound.bind(group, pattern)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	g, ok := b.groups[group]
	if !ok {
		g = &memGroup{pending: make(map[string]*memPending), waiters: make(map[string]chan struct{})}
		b.groups[group] = g
	}
	signal := make(chan struct{}, 1)
	g.waiters[consumer] = signal
	b.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	log := b.log.With("group", group, "consumer", consumer, "pattern", pattern)

	go func() {
		defer close(done)
		for _, e := range b.ownPending(group, consumer) {
			if loopCtx.Err() != nil {
				return
			}
			b.deliver(loopCtx, log, g, pattern, consumer, e, h)
		}

		tick := b.claimIdle / 2
		if tick < 5*time.Millisecond {
			tick = 5 * time.Millisecond
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for loopCtx.Err() == nil {
			e, ok := b.claim(g, consumer)
			if ok {
				b.deliver(loopCtx, log, g, pattern, consumer, e, h)
				continue
			}
			select {
			case <-loopCtx.Done():
			case <-signal:
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			b.mu.Lock()
			if g.waiters[consumer] == signal {
				delete(g.waiters, consumer)
			}
			b.mu.Unlock()
			release()
		})
	}, nil
}

// ownPending snapshots entries already delivered to consumer and not yet
// acknowledged, oldest first.
func (b *MemoryBus) ownPending(group, consumer string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[group]
	var out []Event
	for i := 0; i < g.next; i++ {
		e := b.events[i]
		if p, ok := g.pending[e.ID]; ok && p.consumer == consumer && !p.inFlight {
			p.inFlight = true
			p.deliveries++
			p.deliveredAt = b.now()
			out = append(out, e)
		}
	}
	return out
}

// claim returns an idle pending entry (reassigning it to consumer) or the next
// never-delivered entry.
func (b *MemoryBus) claim(g *memGroup, consumer string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	for i := 0; i < g.next; i++ {
		e := b.events[i]
		p, ok := g.pending[e.ID]
		if !ok || p.inFlight || now.Sub(p.deliveredAt) < b.claimIdle {
			continue
		}
		p.consumer = consumer
		p.inFlight = true
		p.deliveries++
		p.deliveredAt = now
		return e, true
	}

	if g.next < len(b.events) {
		e := b.events[g.next]
		g.pending[e.ID] = &memPending{idx: g.next, consumer: consumer, deliveredAt: now, deliveries: 1, inFlight: true}
		g.next++
		return e, true
	}
	return Event{}, false
}

func (b *MemoryBus) deliver(ctx context.Context, log *slog.Logger, g *memGroup, pattern, consumer string, e Event, h Handler) {
	if MatchPattern(pattern, e.Event) {
		if err := invoke(ctx, h, e); err != nil {
			log.Error("handler failed; entry left pending", "id", e.ID, "event", e.Event, "err", err)
			b.release(g, e.ID)
			return
		}
	}
	b.mu.Lock()
	delete(g.pending, e.ID)
	b.mu.Unlock()
}

func (b *MemoryBus) release(g *memGroup, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := g.pending[id]; ok {
		p.inFlight = false
		p.deliveredAt = b.now()
	}
}

func (g *memGroup) notify() {
	for _, ch := range g.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *MemoryBus) SubscribePubSub(ctx context.Context, patterns []string, h Handler) (Unsubscribe, error) {
	if h == nil {
		return nil, ErrHandlerRequired
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	l := &memListener{patterns: patterns, ch: make(chan Event, 256)}

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.listeners[id] = l
	b.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case e := <-l.ch:
				if err := invoke(loopCtx, h, e); err != nil {
					b.log.Warn("broadcast handler failed", "event", e.Event, "err", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
			cancel()
			<-done
		})
	}, nil
}

func (b *MemoryBus) GetEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	start := len(b.events) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(b.events)-start)
	copy(out, b.events[start:])
	return out, nil
}

// Pending returns the number of unacknowledged entries in group.
func (b *MemoryBus) Pending(group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// Deliveries returns how many times the entry id was handed to group members.
func (b *MemoryBus) Deliveries(group, id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[group]
	if !ok {
		return 0
	}
	if p, ok := g.pending[id]; ok {
		return p.deliveries
	}
	return 0
}
