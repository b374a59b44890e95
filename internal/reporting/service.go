package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"callrouting-platform/internal/calls"
	"callrouting-platform/internal/callstate"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT: implementations must filter by tenant. calls.PostgresRepo and
// calls.MemoryRepo satisfy it; reports read the projected calls table only.
type Repository interface {
	ListCalls(ctx context.Context, tenantID string, from, to time.Time, campaignID string) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.TenantID == "" || !req.Range.valid() {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.TenantID, req.Range.From, req.Range.To, req.CampaignID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{TenantID: req.TenantID, CampaignID: req.CampaignID, EndReasons: map[string]int{}}
	finished := 0
	for _, c := range rows {
		out.TotalCalls++
		if c.BuyerID != "" {
			out.RoutedCalls++
		}
		switch c.Status {
		case callstate.StatusCompleted:
			out.CompletedCalls++
		case callstate.StatusFailed:
			out.FailedCalls++
		default:
			out.InProgressCalls++
		}
		if !c.Status.Terminal() {
			continue
		}
		finished++
		if c.EndReason != "" {
			out.EndReasons[c.EndReason]++
		}
		if d := c.UpdatedAt.Sub(c.CreatedAt); d > 0 {
			out.TotalDurationSeconds += int(d / time.Second)
		}
	}
	if finished > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / finished
	}
	return out, nil
}

// BuyerReport breaks a campaign's routed calls down by buyer, busiest first.
func (s *Service) BuyerReport(ctx context.Context, req BuyerReportRequest) (BuyerReport, error) {
	if req.TenantID == "" || req.CampaignID == "" || !req.Range.valid() {
		return BuyerReport{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return BuyerReport{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.TenantID, req.Range.From, req.Range.To, req.CampaignID)
	if err != nil {
		return BuyerReport{}, err
	}

	out := BuyerReport{TenantID: req.TenantID, CampaignID: req.CampaignID, Buyers: []BuyerStats{}}
	byBuyer := map[string]*BuyerStats{}
	for _, c := range rows {
		if c.BuyerID == "" {
			out.Unrouted++
			continue
		}
		st, ok := byBuyer[c.BuyerID]
		if !ok {
			st = &BuyerStats{BuyerID: c.BuyerID}
			byBuyer[c.BuyerID] = st
		}
		st.CallsRouted++
		switch c.Status {
		case callstate.StatusCompleted:
			st.CallsCompleted++
		case callstate.StatusFailed:
			st.CallsFailed++
		}
	}
	for _, st := range byBuyer {
		st.CompletionRate = float64(st.CallsCompleted) / float64(st.CallsRouted)
		out.Buyers = append(out.Buyers, *st)
	}
	sort.Slice(out.Buyers, func(i, j int) bool {
		if out.Buyers[i].CallsRouted != out.Buyers[j].CallsRouted {
			return out.Buyers[i].CallsRouted > out.Buyers[j].CallsRouted
		}
		return out.Buyers[i].BuyerID < out.Buyers[j].BuyerID
	})
	return out, nil
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}
