package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBus(t *testing.T, opts RedisOptions) (*RedisBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	if opts.Block == 0 {
		opts.Block = 20 * time.Millisecond
	}
	return NewRedisBus(rdb, opts, nil), rdb
}

func pending(t *testing.T, bus *RedisBus, group string) int64 {
	t.Helper()
	n, err := bus.Pending(context.Background(), group)
	require.NoError(t, err)
	return n
}

func TestRedisOptionsDefaults(t *testing.T) {
	o := RedisOptions{}.withDefaults()
	assert.Equal(t, "events:stream", o.Stream)
	assert.Equal(t, int64(10), o.BatchSize)
	assert.Equal(t, time.Second, o.Block)
	assert.Equal(t, 30*time.Second, o.ClaimIdle)
}

func TestMessageEventUsesStreamID(t *testing.T) {
	raw, err := encodeEvent(newEvent("", Payload{Event: "call.ended", TenantID: "t1", Data: map[string]any{"reason": "normal"}}, time.Unix(1700000000, 0)))
	require.NoError(t, err)

	e, err := messageEvent(redis.XMessage{ID: "1700000000000-3", Values: map[string]any{"payload": string(raw)}})
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-3", e.ID)
	assert.Equal(t, "call.*", e.Channel)
	assert.Equal(t, "t1", e.TenantID)
	assert.Equal(t, "normal", e.Data["reason"])
}

func TestMessageEventRejectsMissingPayload(t *testing.T) {
	_, err := messageEvent(redis.XMessage{ID: "1-0", Values: map[string]any{}})
	require.Error(t, err)
}

func TestRedisBus_PublishAndConsume(t *testing.T) {
	ctx := context.Background()
	bus, _ := newRedisBus(t, RedisOptions{})

	id, err := bus.Publish(ctx, "", Payload{Event: "call.started", TenantID: "t1", Data: map[string]any{"callId": "c1"}})
	require.NoError(t, err)

	got := make(chan Event, 1)
	u, err := bus.Subscribe(ctx, "call.*", "projector", "w1", func(_ context.Context, e Event) error {
		got <- e
		return nil
	})
	require.NoError(t, err)
	defer u()

	select {
	case e := <-got:
		assert.Equal(t, id, e.ID)
		assert.Equal(t, "c1", e.Data["callId"])
	case <-time.After(2 * time.Second):
		t.Fatal("entry not delivered")
	}
	require.Eventually(t, func() bool { return pending(t, bus, "projector") == 0 }, time.Second, 10*time.Millisecond)

	recent, err := bus.GetEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "call.*", recent[0].Channel)
}

func TestRedisBus_FailedHandlerIsRedelivered(t *testing.T) {
	ctx := context.Background()
	bus, _ := newRedisBus(t, RedisOptions{ClaimIdle: 50 * time.Millisecond})

	var attempts atomic.Int32
	u, err := bus.Subscribe(ctx, "call.*", "billing", "w1", func(context.Context, Event) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	defer u()

	_, err = bus.Publish(ctx, "", Payload{Event: "call.ended", TenantID: "t1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return attempts.Load() >= 2 && pending(t, bus, "billing") == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRedisBus_RestartedConsumerDrainsOwnPending(t *testing.T) {
	ctx := context.Background()
	// Reclaim is effectively disabled so only the restart path can finish the entry.
	bus, _ := newRedisBus(t, RedisOptions{ClaimIdle: time.Hour})

	var failures atomic.Int32
	u1, err := bus.Subscribe(ctx, "call.*", "billing", "worker-1", func(context.Context, Event) error {
		failures.Add(1)
		return errors.New("crash")
	})
	require.NoError(t, err)

	id, err := bus.Publish(ctx, "", Payload{Event: "call.ended", TenantID: "t1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return failures.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	u1()
	require.Equal(t, int64(1), pending(t, bus, "billing"))

	var handled atomic.Value
	u2, err := bus.Subscribe(ctx, "call.*", "billing", "worker-1", func(_ context.Context, e Event) error {
		handled.Store(e.ID)
		return nil
	})
	require.NoError(t, err)
	defer u2()

	require.Eventually(t, func() bool { return pending(t, bus, "billing") == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, handled.Load())
}

func TestRedisBus_ReclaimsEntriesOfDeadConsumer(t *testing.T) {
	ctx := context.Background()
	bus, rdb := newRedisBus(t, RedisOptions{ClaimIdle: 50 * time.Millisecond})
	require.NoError(t, bus.ensureGroup(ctx, "billing"))

	id, err := bus.Publish(ctx, "", Payload{Event: "call.ended", TenantID: "t1"})
	require.NoError(t, err)

	// A consumer that read the entry and died before acknowledging it.
	_, err = rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "billing",
		Consumer: "dead-worker",
		Streams:  []string{bus.opts.Stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), pending(t, bus, "billing"))

	var (
		mu   sync.Mutex
		seen []string
	)
	u, err := bus.Subscribe(ctx, "call.*", "billing", "live-worker", func(_ context.Context, e Event) error {
		mu.Lock()
		seen = append(seen, e.ID)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer u()

	require.Eventually(t, func() bool { return pending(t, bus, "billing") == 0 }, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{id}, seen)
}

func TestRedisBus_NonMatchingEntriesAreAcknowledged(t *testing.T) {
	ctx := context.Background()
	bus, _ := newRedisBus(t, RedisOptions{})

	var calls atomic.Int32
	u, err := bus.Subscribe(ctx, "call.*", "g", "c", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer u()

	_, err = bus.Publish(ctx, "", Payload{Event: "recording.completed"})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "", Payload{Event: "call.ended"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return calls.Load() == 1 && pending(t, bus, "g") == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	_, err = bus.Subscribe(ctx, "recording.*", "g", "c2", func(context.Context, Event) error { return nil })
	require.ErrorIs(t, err, ErrGroupPattern)
}
