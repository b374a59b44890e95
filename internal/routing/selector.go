package routing

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sort"

	"callrouting-platform/internal/metrics"
)

// Selector picks a buyer target for a call. Admission control is applied
// before any ordering: a full target is never returned.
type Selector struct {
	status      *LiveStatusProvider
	dir         BuyerDirectory
	scores      ScoreLookup
	overrides   *OverrideEngine
	minCalls    int
	defaultMode Mode
	log         *slog.Logger
}

type SelectorOptions struct {
	// MinCallsForScore is the volume below which a score is not trusted.
	MinCallsForScore int
	DefaultMode      Mode
	Overrides        *OverrideEngine
	Logger           *slog.Logger
}

func NewSelector(status *LiveStatusProvider, dir BuyerDirectory, scores ScoreLookup, opts SelectorOptions) *Selector {
	if opts.DefaultMode == "" {
		opts.DefaultMode = ModeHybrid
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Selector{
		status:      status,
		dir:         dir,
		scores:      scores,
		overrides:   opts.Overrides,
		minCalls:    opts.MinCallsForScore,
		defaultMode: opts.DefaultMode,
		log:         opts.Logger.With("component", "routing"),
	}
}

// RankedBuyer is a buyer with its best open target.
type RankedBuyer struct {
	Buyer  Buyer
	Target Target
	Tier   string
	Score  *Score
}

// RankBuyers returns every buyer with at least one open target, in
// selection order for mode.
func (s *Selector) RankBuyers(ctx context.Context, tenantID, campaignID string, mode Mode) ([]RankedBuyer, error) {
	return s.rank(ctx, tenantID, campaignID, mode, nil)
}

func (s *Selector) rank(ctx context.Context, tenantID, campaignID string, mode Mode, skip map[string]bool) ([]RankedBuyer, error) {
	if tenantID == "" || campaignID == "" {
		return nil, errors.New("routing: tenant_id and campaign_id required")
	}
	if s.dir == nil {
		return nil, errors.New("routing: buyer directory not configured")
	}
	mode = s.resolveMode(mode)

	buyers, err := s.dir.CampaignBuyers(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	var targets []Target
	for _, b := range buyers {
		if !b.Active {
			continue
		}
		for _, t := range b.Targets {
			if t.Active && !skip[t.ID] {
				targets = append(targets, t)
			}
		}
	}
	statuses, err := s.status.TargetsLiveStatus(ctx, targets)
	if err != nil {
		return nil, err
	}

	var open []RankedBuyer
	for _, b := range buyers {
		if !b.Active {
			continue
		}
		if t, ok := firstOpenTarget(b.Targets, statuses, skip); ok {
			open = append(open, RankedBuyer{Buyer: b, Target: t})
		}
	}

	if mode == ModeStatic {
		sort.SliceStable(open, func(i, j int) bool { return open[i].Buyer.Position < open[j].Buyer.Position })
		return open, nil
	}

	scores := map[string]Score{}
	if s.scores != nil {
		if scores, err = s.scores.BuyerScores(ctx, tenantID, campaignID); err != nil {
			return nil, err
		}
	}

	var tier1, tier2 []RankedBuyer
	for _, rb := range open {
		if sc, ok := scores[rb.Buyer.ID]; ok && sc.Calls >= s.minCalls {
			sc := sc
			rb.Score = &sc
			rb.Tier = TierPerformance
			tier1 = append(tier1, rb)
			continue
		}
		rb.Tier = TierStaticFallback
		tier2 = append(tier2, rb)
	}
	sort.SliceStable(tier1, func(i, j int) bool { return tier1[i].Score.Value > tier1[j].Score.Value })
	sort.SliceStable(tier2, func(i, j int) bool {
		if tier2[i].Buyer.Name != tier2[j].Buyer.Name {
			return tier2[i].Buyer.Name < tier2[j].Buyer.Name
		}
		return tier2[i].Buyer.ID < tier2[j].Buyer.ID
	})
	return append(tier1, tier2...), nil
}

// SelectBestBuyer returns ok=false when no buyer has an open target. That is
// a normal outcome; the caller applies its own overflow.
func (s *Selector) SelectBestBuyer(ctx context.Context, tenantID, campaignID string, mode Mode) (Decision, bool, error) {
	mode = s.resolveMode(mode)

	if d, ok, err := s.overrides.Decide(ctx, tenantID, campaignID); err != nil {
		return Decision{}, false, err
	} else if ok {
		d.Mode = mode
		metrics.RoutingDecisionsTotal.WithLabelValues(string(mode), "override").Inc()
		return d, true, nil
	}

	ranked, err := s.RankBuyers(ctx, tenantID, campaignID, mode)
	if err != nil {
		return Decision{}, false, err
	}
	if len(ranked) == 0 {
		metrics.RoutingDecisionsTotal.WithLabelValues(string(mode), "none").Inc()
		s.log.InfoContext(ctx, "no eligible buyer", "tenant_id", tenantID, "campaign_id", campaignID, "mode", mode)
		return Decision{}, false, nil
	}

	best := ranked[0]
	tier := best.Tier
	if tier == "" {
		tier = "static"
	}
	metrics.RoutingDecisionsTotal.WithLabelValues(string(mode), tier).Inc()
	attrs := []any{"campaign_id", campaignID, "mode", mode, "buyer_id", best.Buyer.ID, "target_id", best.Target.ID, "tier", tier}
	if best.Score != nil {
		attrs = append(attrs, "score", best.Score.Value)
	}
	s.log.InfoContext(ctx, "selected best buyer", attrs...)

	return Decision{
		TenantID:    tenantID,
		CampaignID:  campaignID,
		BuyerID:     best.Buyer.ID,
		TargetID:    best.Target.ID,
		Destination: best.Target.Destination,
		Mode:        mode,
		Tier:        best.Tier,
		Reason:      "selected",
	}, true, nil
}

// NextBuyer picks the best open target after a dial to each of tried has
// failed. Overrides are not consulted: an override names one destination and
// that destination already failed.
func (s *Selector) NextBuyer(ctx context.Context, tenantID, campaignID string, mode Mode, tried []string) (Decision, bool, error) {
	mode = s.resolveMode(mode)
	skip := make(map[string]bool, len(tried))
	for _, id := range tried {
		skip[id] = true
	}
	ranked, err := s.rank(ctx, tenantID, campaignID, mode, skip)
	if err != nil {
		return Decision{}, false, err
	}
	if len(ranked) == 0 {
		metrics.RoutingDecisionsTotal.WithLabelValues(string(mode), "none").Inc()
		return Decision{}, false, nil
	}
	best := ranked[0]
	metrics.RoutingDecisionsTotal.WithLabelValues(string(mode), "retry").Inc()
	s.log.InfoContext(ctx, "selected next buyer", "campaign_id", campaignID, "mode", mode,
		"buyer_id", best.Buyer.ID, "target_id", best.Target.ID, "tried", len(tried))
	return Decision{
		TenantID:    tenantID,
		CampaignID:  campaignID,
		BuyerID:     best.Buyer.ID,
		TargetID:    best.Target.ID,
		Destination: best.Target.Destination,
		Mode:        mode,
		Tier:        best.Tier,
		Reason:      "retry",
	}, true, nil
}

// SelectCandidate picks among flow-declared candidates. Full candidates are
// excluded first. Picks are a deterministic function of callID and the
// live counts, so replaying a step yields the same destination.
func (s *Selector) SelectCandidate(ctx context.Context, callID string, candidates []Candidate, strategy Strategy) (Decision, bool, error) {
	if len(candidates) == 0 {
		return Decision{}, false, nil
	}
	targets := make([]Target, 0, len(candidates))
	for _, c := range candidates {
		targets = append(targets, Target{ID: candidateTarget(c), BuyerID: c.BuyerID, MaxConcurrency: c.MaxConcurrency})
	}
	statuses, err := s.status.TargetsLiveStatus(ctx, targets)
	if err != nil {
		return Decision{}, false, err
	}

	type openCandidate struct {
		Candidate
		live int
	}
	var open []openCandidate
	for _, c := range candidates {
		st := statuses[candidateTarget(c)]
		if st.IsFull {
			continue
		}
		open = append(open, openCandidate{Candidate: c, live: st.LiveCalls})
	}
	if len(open) == 0 {
		metrics.RoutingDecisionsTotal.WithLabelValues(string(strategy), "none").Inc()
		return Decision{}, false, nil
	}

	seed := callSeed(callID)
	var pick Candidate
	switch strategy {
	case StrategyRoundRobin:
		pick = open[seed%uint64(len(open))].Candidate
	case StrategyWeighted:
		weighted := make([]Candidate, len(open))
		for i, o := range open {
			weighted[i] = o.Candidate
		}
		pick = pickWeighted(weighted, rand.New(rand.NewSource(int64(seed))))
	case StrategyLeastCalls:
		best := 0
		for i := 1; i < len(open); i++ {
			if open[i].live < open[best].live {
				best = i
			}
		}
		pick = open[best].Candidate
	default:
		strategy = StrategyPriority
		best := 0
		for i := 1; i < len(open); i++ {
			if open[i].Priority > open[best].Priority {
				best = i
			}
		}
		pick = open[best].Candidate
	}

	metrics.RoutingDecisionsTotal.WithLabelValues(string(strategy), "candidate").Inc()
	return Decision{
		BuyerID:     pick.BuyerID,
		TargetID:    candidateTarget(pick),
		Destination: pick.Destination,
		Strategy:    strategy,
		Reason:      "selected",
	}, true, nil
}

func (s *Selector) resolveMode(m Mode) Mode {
	if parsed, ok := ParseMode(string(m)); ok {
		return parsed
	}
	return s.defaultMode
}

// firstOpenTarget returns the first active, non-full target; targets are
// already in priority order.
func firstOpenTarget(targets []Target, statuses map[string]TargetStatus, skip map[string]bool) (Target, bool) {
	for _, t := range targets {
		if !t.Active || skip[t.ID] {
			continue
		}
		if st, ok := statuses[t.ID]; ok && st.IsFull {
			continue
		}
		return t, true
	}
	return Target{}, false
}

func candidateTarget(c Candidate) string {
	if c.TargetID != "" {
		return c.TargetID
	}
	return c.BuyerID
}

func callSeed(callID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(callID))
	return h.Sum64()
}

// pickWeighted draws proportionally to Weight. A missing weight counts as 1.
func pickWeighted(cands []Candidate, rng *rand.Rand) Candidate {
	weight := func(c Candidate) int {
		if c.Weight <= 0 {
			return 1
		}
		return c.Weight
	}
	var total int
	for _, c := range cands {
		total += weight(c)
	}
	r := rng.Intn(total)
	var acc int
	for _, c := range cands {
		acc += weight(c)
		if r < acc {
			return c
		}
	}
	return cands[len(cands)-1]
}
