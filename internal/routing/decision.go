package routing

import "strings"

// Decision is the provider-agnostic output of buyer selection. It carries
// only what the telephony layer needs to dial.
type Decision struct {
	TenantID    string `json:"tenant_id,omitempty"`
	CampaignID  string `json:"campaign_id,omitempty"`
	BuyerID     string `json:"buyer_id"`
	TargetID    string `json:"target_id"`
	Destination string `json:"destination"`

	Mode     Mode     `json:"mode,omitempty"`
	Strategy Strategy `json:"strategy,omitempty"`
	// Tier is "performance" or "static_fallback" for ranked modes.
	Tier string `json:"tier,omitempty"`

	// Reason is for internal logs and metrics only.
	Reason string `json:"reason,omitempty"`
}

type Mode string

const (
	ModeStatic      Mode = "STATIC"
	ModePerformance Mode = "PERFORMANCE"
	ModeHybrid      Mode = "HYBRID"
)

// ParseMode is case-insensitive. ok is false for unknown values.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeStatic, ModePerformance, ModeHybrid:
		return m, true
	}
	return "", false
}

// Strategy picks among flow-declared candidates.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyLeastCalls Strategy = "least-calls"
)

const (
	TierPerformance    = "performance"
	TierStaticFallback = "static_fallback"
)

// Candidate is a destination declared inline on a flow's buyer node.
type Candidate struct {
	BuyerID     string
	TargetID    string
	Destination string
	Weight      int
	// MaxConcurrency <= 0 means uncapped.
	MaxConcurrency int
	Priority       int
}
