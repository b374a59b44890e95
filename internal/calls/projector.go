package calls

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callrouting-platform/internal/callstate"
	"callrouting-platform/internal/eventbus"
	"callrouting-platform/pkg/logger"
)

// Projector keeps the calls table in step with call lifecycle events.
// It is an eventbus.Handler for a consumer group on "call.*"; it is idempotent,
// so at-least-once redelivery is safe.
type Projector struct {
	Repo Repository
	Log  *slog.Logger
}

func NewProjector(repo Repository, log *slog.Logger) *Projector {
	if log == nil {
		log = slog.Default()
	}
	return &Projector{Repo: repo, Log: log.With("component", "calls.projector")}
}

func (p *Projector) Handle(ctx context.Context, e eventbus.Event) error {
	status, ok := statusFor(e.Event)
	if !ok && e.Event != eventbus.EventCallDialFailed {
		return nil
	}
	callID := str(e.Data, "callId")
	if callID == "" {
		logger.FromOr(ctx, p.Log).Warn("call event without callId; skipping", "event", e.Event, "id", e.ID)
		return nil
	}

	updated := e.Timestamp
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	// A rejected dial frees the target; the next call.dial binds the call again.
	if e.Event == eventbus.EventCallDialFailed {
		target := str(e.Data, "targetId")
		if target == "" {
			return nil
		}
		if err := p.Repo.ReleaseTarget(ctx, callID, target, updated); err != nil {
			return fmt.Errorf("calls: release %s from %s: %w", target, callID, err)
		}
		return nil
	}
	c := Call{
		CallID:     callID,
		TenantID:   e.TenantID,
		CampaignID: str(e.Data, "campaignId"),
		FlowID:     str(e.Data, "flowId"),
		BuyerID:    str(e.Data, "buyerId"),
		TargetID:   str(e.Data, "targetId"),
		From:       str(e.Data, "from"),
		To:         str(e.Data, "to"),
		Status:     status,
		EndReason:  str(e.Data, "reason"),
		CreatedAt:  updated,
		UpdatedAt:  updated,
	}
	if err := p.Repo.Upsert(ctx, c); err != nil {
		return fmt.Errorf("calls: project %s for %s: %w", e.Event, callID, err)
	}
	return nil
}

func statusFor(event string) (callstate.Status, bool) {
	switch event {
	case eventbus.EventCallStarted:
		return callstate.StatusInitiated, true
	case eventbus.EventCallDial:
		return callstate.StatusRinging, true
	case eventbus.EventCallAnswered:
		return callstate.StatusAnswered, true
	case eventbus.EventCallEnded:
		return callstate.StatusCompleted, true
	case eventbus.EventCallFailed:
		return callstate.StatusFailed, true
	default:
		return "", false
	}
}

func str(m map[string]any, k string) string {
	if v, ok := m[k].(string); ok {
		return v
	}
	return ""
}
