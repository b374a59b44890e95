package calls

import (
	"context"
	"testing"
	"time"

	"callrouting-platform/internal/callstate"
	"callrouting-platform/internal/eventbus"
)

func TestProjector_TracksLifecycleAndActiveCounts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	p := NewProjector(repo, nil)
	ts := time.Unix(1700000000, 0).UTC()

	events := []eventbus.Event{
		{Event: eventbus.EventCallStarted, TenantID: "t1", Timestamp: ts, Data: map[string]any{"callId": "c1", "from": "+1"}},
		{Event: eventbus.EventCallDial, TenantID: "t1", Timestamp: ts, Data: map[string]any{"callId": "c1", "targetId": "tg1", "buyerId": "b1"}},
		{Event: eventbus.EventCallStarted, TenantID: "t1", Timestamp: ts, Data: map[string]any{"callId": "c2"}},
		{Event: eventbus.EventCallDial, TenantID: "t1", Timestamp: ts, Data: map[string]any{"callId": "c2", "targetId": "tg1"}},
	}
	for _, e := range events {
		if err := p.Handle(ctx, e); err != nil {
			t.Fatalf("handle %s: %v", e.Event, err)
		}
	}

	counts, err := repo.CountActiveByTarget(ctx, []string{"tg1", "tg2"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["tg1"] != 2 || counts["tg2"] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	if err := p.Handle(ctx, eventbus.Event{Event: eventbus.EventCallEnded, TenantID: "t1", Data: map[string]any{"callId": "c1", "reason": "normal"}}); err != nil {
		t.Fatalf("handle ended: %v", err)
	}
	// Replayed dial after completion must not resurrect the call.
	if err := p.Handle(ctx, events[1]); err != nil {
		t.Fatalf("handle replay: %v", err)
	}

	c1, err := repo.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c1.Status != callstate.StatusCompleted || c1.EndReason != "normal" || c1.BuyerID != "b1" || c1.From != "+1" {
		t.Fatalf("unexpected call: %+v", c1)
	}

	counts, _ = repo.CountActiveByTarget(ctx, []string{"tg1"})
	if counts["tg1"] != 1 {
		t.Fatalf("expected 1 active call, got %d", counts["tg1"])
	}
}

func TestProjector_IgnoresUnrelatedEvents(t *testing.T) {
	repo := NewMemoryRepo()
	p := NewProjector(repo, nil)
	if err := p.Handle(context.Background(), eventbus.Event{Event: eventbus.EventCallPlay, Data: map[string]any{"callId": "c1"}}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := repo.Get(context.Background(), "c1"); err != ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProjector_FailedDialReleasesTarget(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	p := NewProjector(repo, nil)
	ts := time.Unix(1700000000, 0).UTC()

	events := []eventbus.Event{
		{Event: eventbus.EventCallStarted, TenantID: "t1", Timestamp: ts, Data: map[string]any{"callId": "c1"}},
		{Event: eventbus.EventCallDial, TenantID: "t1", Timestamp: ts, Data: map[string]any{"callId": "c1", "buyerId": "acme", "targetId": "acme-1"}},
		{Event: eventbus.EventCallDialFailed, TenantID: "t1", Timestamp: ts.Add(time.Second), Data: map[string]any{"callId": "c1", "buyerId": "acme", "targetId": "acme-1"}},
	}
	for _, e := range events {
		if err := p.Handle(ctx, e); err != nil {
			t.Fatalf("handle %s: %v", e.Event, err)
		}
	}

	counts, err := repo.CountActiveByTarget(ctx, []string{"acme-1"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["acme-1"] != 0 {
		t.Fatalf("expected target released, got %d live calls", counts["acme-1"])
	}
	c1, _ := repo.Get(ctx, "c1")
	if c1.TargetID != "" || c1.BuyerID != "" || c1.Status.Terminal() {
		t.Fatalf("unexpected call after failed dial: %+v", c1)
	}

	// A stale failure for an earlier target leaves the current binding alone.
	redial := eventbus.Event{Event: eventbus.EventCallDial, TenantID: "t1", Timestamp: ts.Add(2 * time.Second), Data: map[string]any{"callId": "c1", "buyerId": "zen", "targetId": "zen-1"}}
	if err := p.Handle(ctx, redial); err != nil {
		t.Fatalf("handle redial: %v", err)
	}
	if err := p.Handle(ctx, events[2]); err != nil {
		t.Fatalf("handle stale failure: %v", err)
	}
	counts, _ = repo.CountActiveByTarget(ctx, []string{"zen-1"})
	if counts["zen-1"] != 1 {
		t.Fatalf("expected zen-1 to stay bound, got %d", counts["zen-1"])
	}
}
