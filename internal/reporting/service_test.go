package reporting

import (
	"context"
	"testing"
	"time"

	"callrouting-platform/internal/calls"
	"callrouting-platform/internal/callstate"
)

func seed(t *testing.T, repo *calls.MemoryRepo, cs ...calls.Call) {
	t.Helper()
	for _, c := range cs {
		if err := repo.Upsert(context.Background(), c); err != nil {
			t.Fatalf("seed %s: %v", c.CallID, err)
		}
	}
}

func TestReporting_TenantIsolation(t *testing.T) {
	repo := calls.NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	seed(t, repo,
		calls.Call{CallID: "c1", TenantID: "t1", CampaignID: "camp", Status: callstate.StatusInitiated, CreatedAt: now, UpdatedAt: now},
		calls.Call{CallID: "c2", TenantID: "t2", CampaignID: "camp", Status: callstate.StatusInitiated, CreatedAt: now, UpdatedAt: now},
	)
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{TenantID: "t1", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 1 || out.InProgressCalls != 1 {
		t.Fatalf("expected 1 in-progress call, got %+v", out)
	}
}

func TestReporting_CallsSummaryAggregates(t *testing.T) {
	repo := calls.NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	seed(t, repo,
		calls.Call{CallID: "c1", TenantID: "t", BuyerID: "acme", Status: callstate.StatusInitiated, CreatedAt: now, UpdatedAt: now},
		calls.Call{CallID: "c1", TenantID: "t", Status: callstate.StatusCompleted, EndReason: "normal", UpdatedAt: now.Add(90 * time.Second)},
		calls.Call{CallID: "c2", TenantID: "t", Status: callstate.StatusInitiated, CreatedAt: now, UpdatedAt: now},
		calls.Call{CallID: "c2", TenantID: "t", Status: callstate.StatusFailed, EndReason: "error", UpdatedAt: now.Add(30 * time.Second)},
		calls.Call{CallID: "c3", TenantID: "t", Status: callstate.StatusRinging, CreatedAt: now, UpdatedAt: now},
	)

	out, err := NewService(repo).CallsSummary(context.Background(), CallsSummaryRequest{TenantID: "t", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 3 || out.CompletedCalls != 1 || out.FailedCalls != 1 || out.InProgressCalls != 1 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.RoutedCalls != 1 {
		t.Fatalf("expected 1 routed call, got %d", out.RoutedCalls)
	}
	if out.EndReasons["normal"] != 1 || out.EndReasons["error"] != 1 {
		t.Fatalf("unexpected end reasons: %v", out.EndReasons)
	}
	if out.TotalDurationSeconds != 120 || out.AverageDurationSeconds != 60 {
		t.Fatalf("unexpected durations: total=%d avg=%d", out.TotalDurationSeconds, out.AverageDurationSeconds)
	}
}

func TestReporting_BuyerReport(t *testing.T) {
	repo := calls.NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	seed(t, repo,
		calls.Call{CallID: "c1", TenantID: "t", CampaignID: "camp", BuyerID: "b", Status: callstate.StatusCompleted, CreatedAt: now},
		calls.Call{CallID: "c2", TenantID: "t", CampaignID: "camp", BuyerID: "a", Status: callstate.StatusCompleted, CreatedAt: now},
		calls.Call{CallID: "c3", TenantID: "t", CampaignID: "camp", BuyerID: "a", Status: callstate.StatusFailed, CreatedAt: now},
		calls.Call{CallID: "c4", TenantID: "t", CampaignID: "camp", Status: callstate.StatusCompleted, CreatedAt: now},
		calls.Call{CallID: "c5", TenantID: "t", CampaignID: "other", BuyerID: "a", Status: callstate.StatusCompleted, CreatedAt: now},
	)

	r, err := NewService(repo).BuyerReport(context.Background(), BuyerReportRequest{TenantID: "t", CampaignID: "camp", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if r.Unrouted != 1 || len(r.Buyers) != 2 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.Buyers[0].BuyerID != "a" || r.Buyers[0].CallsRouted != 2 || r.Buyers[0].CompletionRate != 0.5 {
		t.Fatalf("unexpected first buyer: %+v", r.Buyers[0])
	}
	if r.Buyers[1].BuyerID != "b" || r.Buyers[1].CompletionRate != 1 {
		t.Fatalf("unexpected second buyer: %+v", r.Buyers[1])
	}
}

func TestReporting_RejectsBadRange(t *testing.T) {
	svc := NewService(calls.NewMemoryRepo())
	now := time.Now()
	if _, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{TenantID: "t", Range: TimeRange{From: now, To: now}}); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.BuyerReport(context.Background(), BuyerReportRequest{TenantID: "t", Range: TimeRange{From: now, To: now.Add(time.Hour)}}); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest without campaign, got %v", err)
	}
}
