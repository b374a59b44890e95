package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callrouting-platform/internal/metrics"
	"callrouting-platform/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const (
	payloadField     = "payload"
	broadcastPrefix  = "events:"
	readErrorBackoff = time.Second
)

// RedisOptions configures the stream-backed bus.
type RedisOptions struct {
	Stream    string
	MaxLen    int64
	BatchSize int64
	Block     time.Duration
	ClaimIdle time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	out := o
	if out.Stream == "" {
		out.Stream = "events:stream"
	}
	if out.MaxLen <= 0 {
		out.MaxLen = 100000
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.Block <= 0 {
		out.Block = time.Second
	}
	if out.ClaimIdle <= 0 {
		out.ClaimIdle = 30 * time.Second
	}
	return out
}

// RedisBus implements Bus on a Redis stream (durable log with consumer groups)
// plus Redis pub/sub (broadcast).
type RedisBus struct {
	rdb  redis.UniversalClient
	opts RedisOptions
	log  *slog.Logger
	now  func() time.Time

	// bound only sees subscribers of this process; members of one group in
	// other processes must be deployed with the same pattern.
	bound groupPatterns
}

func NewRedisBus(rdb redis.UniversalClient, opts RedisOptions, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, opts: opts.withDefaults(), log: log.With("component", "eventbus"), now: time.Now}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, p Payload) (string, error) {
	if err := validatePayload(p); err != nil {
		return "", err
	}
	e := newEvent(channel, p, b.now())
	raw, err := encodeEvent(e)
	if err != nil {
		return "", &PublishError{Channel: e.Channel, Event: e.Event, Err: err}
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.opts.Stream,
		MaxLen: b.opts.MaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{payloadField: string(raw)},
	}).Result()
	if err != nil {
		metrics.EventPublishFailuresTotal.Inc()
		return "", &PublishError{Channel: e.Channel, Event: e.Event, Err: err}
	}
	metrics.EventsPublishedTotal.WithLabelValues(e.Channel).Inc()

	// Broadcast is best-effort: the durable append already succeeded.
	e.ID = id
	if raw, err = encodeEvent(e); err == nil {
		if err := b.rdb.Publish(ctx, broadcastPrefix+e.Event, raw).Err(); err != nil {
			b.log.Warn("broadcast failed", "event", e.Event, "id", id, "err", err)
		}
	}
	return id, nil
}

func (b *RedisBus) Subscribe(ctx context.Context, pattern, group, consumer string, h Handler) (Unsubscribe, error) {
	if err := validateSubscription(group, consumer, h); err != nil {
		return nil, err
	}
	release, err := b.bound.bind(group, pattern)
	if err != nil {
		return nil, err
	}
	if err := b.ensureGroup(ctx, group); err != nil {
		release()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	l := &groupLoop{
		bus:      b,
		pattern:  pattern,
		group:    group,
		consumer: consumer,
		handler:  h,
		log:      b.log.With("group", group, "consumer", consumer, "pattern", pattern),
	}
	go func() {
		defer close(done)
		l.run(loopCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			release()
		})
	}, nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.opts.Stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("eventbus: create group %s: %w", group, err)
	}
	return nil
}

func (b *RedisBus) SubscribePubSub(ctx context.Context, patterns []string, h Handler) (Unsubscribe, error) {
	if h == nil {
		return nil, ErrHandlerRequired
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	channels := make([]string, 0, len(patterns))
	for _, p := range patterns {
		channels = append(channels, broadcastPrefix+p)
	}

	ps := b.rdb.PSubscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("eventbus: psubscribe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := ps.Channel()
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				e, err := decodeEvent("", msg.Payload)
				if err != nil {
					b.log.Warn("broadcast decode failed", "channel", msg.Channel, "err", err)
					continue
				}
				if !matchAny(patterns, e.Event) {
					continue
				}
				if err := invoke(loopCtx, h, e); err != nil {
					b.log.Warn("broadcast handler failed", "event", e.Event, "err", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
			<-done
		})
	}, nil
}

func (b *RedisBus) GetEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := b.rdb.XRevRangeN(ctx, b.opts.Stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: read recent: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		e, err := messageEvent(msgs[i])
		if err != nil {
			b.log.Warn("skipping undecodable entry", "id", msgs[i].ID, "err", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Pending returns the number of delivered-but-unacknowledged entries for group.
func (b *RedisBus) Pending(ctx context.Context, group string) (int64, error) {
	res, err := b.rdb.XPending(ctx, b.opts.Stream, group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func messageEvent(m redis.XMessage) (Event, error) {
	raw, ok := m.Values[payloadField]
	if !ok {
		return Event{}, fmt.Errorf("eventbus: entry %s has no %s field", m.ID, payloadField)
	}
	switch v := raw.(type) {
	case string:
		return decodeEvent(m.ID, v)
	case []byte:
		return decodeEvent(m.ID, string(v))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Event{}, err
		}
		return decodeEvent(m.ID, string(b))
	}
}

// groupLoop is one consumer's read loop inside a consumer group.
type groupLoop struct {
	bus      *RedisBus
	pattern  string
	group    string
	consumer string
	handler  Handler
	log      *slog.Logger
}

func (l *groupLoop) run(ctx context.Context) {
	// Entries this consumer received before a crash come back first.
	l.drainOwnPending(ctx)

	lastClaim := time.Now()
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= l.bus.opts.ClaimIdle/2 {
			l.reclaim(ctx)
			lastClaim = time.Now()
		}

		streams, err := l.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    l.group,
			Consumer: l.consumer,
			Streams:  []string{l.bus.opts.Stream, ">"},
			Count:    l.bus.opts.BatchSize,
			Block:    l.bus.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			l.log.Error("read failed", "err", err)
			sleepCtx(ctx, readErrorBackoff)
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				l.process(ctx, m)
			}
		}
	}
}

func (l *groupLoop) drainOwnPending(ctx context.Context) {
	last := "0"
	for ctx.Err() == nil {
		streams, err := l.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    l.group,
			Consumer: l.consumer,
			Streams:  []string{l.bus.opts.Stream, last},
			Count:    l.bus.opts.BatchSize,
			Block:    -1,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				l.log.Error("pending read failed", "err", err)
			}
			return
		}
		n := 0
		for _, s := range streams {
			for _, m := range s.Messages {
				n++
				last = m.ID
				l.process(ctx, m)
			}
		}
		if n == 0 {
			return
		}
	}
}

func (l *groupLoop) reclaim(ctx context.Context) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := l.bus.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   l.bus.opts.Stream,
			Group:    l.group,
			Consumer: l.consumer,
			MinIdle:  l.bus.opts.ClaimIdle,
			Start:    start,
			Count:    l.bus.opts.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn("reclaim failed", "err", err)
			}
			return
		}
		if len(msgs) > 0 {
			metrics.EventsRedeliveredTotal.WithLabelValues(l.group).Add(float64(len(msgs)))
		}
		for _, m := range msgs {
			l.process(ctx, m)
		}
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

func (l *groupLoop) process(ctx context.Context, m redis.XMessage) {
	e, err := messageEvent(m)
	if err != nil {
		// Poison entry: acknowledge so it does not block the group forever.
		l.log.Error("dropping undecodable entry", "id", m.ID, "err", err)
		l.ack(ctx, m.ID)
		metrics.EventsHandledTotal.WithLabelValues(l.group, "poison").Inc()
		return
	}
	if !MatchPattern(l.pattern, e.Event) {
		// Not for this group; every member shares the pattern.
		l.ack(ctx, m.ID)
		return
	}
	hctx := logger.With(ctx, l.log.With("event_id", e.ID, "event", e.Event))
	if err := invoke(hctx, l.handler, e); err != nil {
		l.log.Error("handler failed; entry left pending", "id", m.ID, "event", e.Event, "err", err)
		metrics.EventsHandledTotal.WithLabelValues(l.group, "error").Inc()
		return
	}
	l.ack(ctx, m.ID)
	metrics.EventsHandledTotal.WithLabelValues(l.group, "ok").Inc()
}

func (l *groupLoop) ack(ctx context.Context, id string) {
	// Ack must survive loop cancellation that races with a finished handler.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := l.bus.rdb.XAck(ackCtx, l.bus.opts.Stream, l.group, id).Err(); err != nil {
		l.log.Warn("ack failed", "id", id, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
