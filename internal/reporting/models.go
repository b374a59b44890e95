package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics.
// Tenant isolation: TenantID is required.

type CallsSummaryRequest struct {
	TenantID   string    `json:"tenant_id"`
	Range      TimeRange `json:"range"`
	CampaignID string    `json:"campaign_id,omitempty"`
}

type CallsSummary struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	// RoutedCalls reached a buyer dial.
	RoutedCalls int `json:"routed_calls"`

	// EndReasons counts finished calls by hangup reason (normal, busy, ...).
	EndReasons map[string]int `json:"end_reasons"`

	// Durations cover finished calls only, measured from the first to the
	// last projected event.
	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}

// BuyerReportRequest asks for per-buyer routing outcomes on a campaign.

type BuyerReportRequest struct {
	TenantID   string    `json:"tenant_id"`
	Range      TimeRange `json:"range"`
	CampaignID string    `json:"campaign_id"`
}

type BuyerStats struct {
	BuyerID string `json:"buyer_id"`

	CallsRouted    int `json:"calls_routed"`
	CallsCompleted int `json:"calls_completed"`
	CallsFailed    int `json:"calls_failed"`

	CompletionRate float64 `json:"completion_rate"`
}

type BuyerReport struct {
	TenantID   string       `json:"tenant_id"`
	CampaignID string       `json:"campaign_id"`
	Buyers     []BuyerStats `json:"buyers"`
	// Unrouted is the campaign's calls that never reached a buyer.
	Unrouted int `json:"unrouted"`
}
