package flow

import (
	"context"
	"fmt"
	"strings"

	"callrouting-platform/internal/routing"
)

const (
	defaultIVRTimeoutSec     = 5
	defaultWhisperTimeoutSec = 10
	defaultRecordFormat      = "mp3"
)

// BuyerSelector is the routing dependency of buyer nodes.
// *routing.Selector implements it.
type BuyerSelector interface {
	SelectBestBuyer(ctx context.Context, tenantID, campaignID string, mode routing.Mode) (routing.Decision, bool, error)
	SelectCandidate(ctx context.Context, callID string, candidates []routing.Candidate, strategy routing.Strategy) (routing.Decision, bool, error)
	// NextBuyer ranks the campaign again without the targets already dialed.
	NextBuyer(ctx context.Context, tenantID, campaignID string, mode routing.Mode, tried []string) (routing.Decision, bool, error)
}

// Executor steps calls through execution plans. It holds no per-call state;
// everything a step needs is in its arguments.
type Executor struct {
	selector BuyerSelector
}

func NewExecutor(selector BuyerSelector) *Executor {
	return &Executor{selector: selector}
}

// ExecuteNode runs the node at ec.CurrentNodeID. ev is nil when the driver
// advances into a node and set when it resumes a suspended one. The input
// context is never modified.
func (e *Executor) ExecuteNode(ctx context.Context, plan *ExecutionPlan, ec ExecutionContext, ev *InboundEvent) (Result, error) {
	node, ok := plan.Nodes[ec.CurrentNodeID]
	if !ok {
		return Result{}, &ExecutionError{
			NodeID:  ec.CurrentNodeID,
			History: append([]string(nil), ec.History...),
			Message: fmt.Sprintf("%s not found in plan", ec.CurrentNodeID),
		}
	}

	next := ec.Clone()
	if n := len(next.History); n == 0 || next.History[n-1] != node.NodeID() {
		next.History = append(next.History, node.NodeID())
	}

	var res Result
	var err error
	switch n := node.(type) {
	case *EntryNode:
		res = advance(n.Target)
	case *TagNode:
		res = e.tag(n, &next)
	case *HangupNode:
		res = hangup(n.Reason)
	case *IVRNode:
		res = e.ivr(n, &next, ev)
	case *IfNode:
		target := n.Else
		if prog := plan.conditions[n.ID]; prog != nil && evalCondition(prog, next) {
			target = n.Then
		}
		res = advanceOrEnd(target)
	case *BuyerNode:
		res, err = e.buyer(ctx, n, &next, ev)
	case *QueueNode:
		res = e.queue(n, ev)
	case *RecordNode:
		res = e.record(n, &next, ev)
	case *WhisperNode:
		res = e.whisper(n, ev)
	case *TimeoutNode:
		if n.Next == "" {
			res = hangup("timeout")
		} else {
			res = Result{Action: Action{Type: ActionPause, Seconds: n.DurationSec}, NextNodeID: n.Next}
		}
	case *FallbackNode:
		res = e.fallback(n, &next)
	default:
		err = &ExecutionError{NodeID: node.NodeID(), History: next.History, Message: fmt.Sprintf("%s has unsupported type %s", node.NodeID(), node.Type())}
	}
	if err != nil {
		return Result{}, err
	}

	if res.NextNodeID != "" {
		next.CurrentNodeID = res.NextNodeID
	} else {
		next.CurrentNodeID = node.NodeID()
	}
	res.Context = next
	return res, nil
}

func advance(target string) Result {
	return Result{Action: Action{Type: ActionContinue}, NextNodeID: target}
}

// advanceOrEnd ends the call normally when a pass-through node has nowhere to go.
func advanceOrEnd(target string) Result {
	if target == "" {
		return hangup("normal")
	}
	return advance(target)
}

func hangup(reason string) Result {
	if reason == "" {
		reason = "normal"
	}
	return Result{Action: Action{Type: ActionHangup, Reason: reason}}
}

func suspend(a Action) Result { return Result{Action: a} }

func first(ids ...string) string {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}

func (e *Executor) tag(n *TagNode, ec *ExecutionContext) Result {
	for k, v := range n.Tags {
		ec.Tags[k] = v
	}
	res := advanceOrEnd(n.Next)
	if res.Action.Type == ActionContinue {
		res.Action.Tags = copyTags(n.Tags)
	}
	return res
}

func copyTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (e *Executor) ivr(n *IVRNode, ec *ExecutionContext, ev *InboundEvent) Result {
	gather := &Gather{TimeoutSec: n.TimeoutSec, MaxDigits: ivrMaxDigits(n), FinishOnKey: n.FinishOnKey}
	if gather.TimeoutSec <= 0 {
		gather.TimeoutSec = defaultIVRTimeoutSec
	}

	if ev == nil {
		ec.IVRInput = ""
		return suspend(Action{Type: ActionPlay, Prompt: n.Prompt, Gather: gather})
	}

	switch ev.Type {
	case EventDTMF:
		input := ec.IVRInput + ev.Digits
		finished := false
		if n.FinishOnKey != "" && strings.HasSuffix(input, n.FinishOnKey) {
			input = strings.TrimSuffix(input, n.FinishOnKey)
			finished = true
		}
		if target, ok := ivrMatch(n, input); ok {
			ec.IVRInput = ""
			ec.Variables["lastInput"] = input
			return advance(target)
		}
		if finished || len(input) >= gather.MaxDigits || !ivrHasPrefix(n, input) {
			ec.IVRInput = ""
			ec.Variables["lastInput"] = input
			return ivrDefault(n, "normal")
		}
		ec.IVRInput = input
		return suspend(Action{Type: ActionGather, Gather: gather})
	case EventIVRTimeout:
		input := ec.IVRInput
		ec.IVRInput = ""
		if target, ok := ivrMatch(n, input); ok && input != "" {
			return advance(target)
		}
		return ivrDefault(n, "timeout")
	}
	return suspend(Action{Type: ActionNone})
}

func ivrDefault(n *IVRNode, reason string) Result {
	if target := first(n.Default, n.Next); target != "" {
		return advance(target)
	}
	return hangup(reason)
}

func ivrMaxDigits(n *IVRNode) int {
	if n.MaxDigits > 0 {
		return n.MaxDigits
	}
	longest := 1
	for _, c := range n.Choices {
		if len(c.Digits) > longest {
			longest = len(c.Digits)
		}
	}
	return longest
}

func ivrMatch(n *IVRNode, input string) (string, bool) {
	for _, c := range n.Choices {
		if c.Digits == input {
			return c.Target, true
		}
	}
	return "", false
}

func ivrHasPrefix(n *IVRNode, input string) bool {
	for _, c := range n.Choices {
		if strings.HasPrefix(c.Digits, input) {
			return true
		}
	}
	return false
}

func (e *Executor) buyer(ctx context.Context, n *BuyerNode, ec *ExecutionContext, ev *InboundEvent) (Result, error) {
	if ev != nil && ev.Type != EventDialFailed {
		return suspend(Action{Type: ActionNone}), nil
	}
	if ev == nil {
		// A fresh visit starts over with every target.
		delete(ec.Dialed, n.ID)
	}
	if e.selector == nil {
		return Result{}, &ExecutionError{NodeID: n.ID, History: ec.History, Message: n.ID + " has no buyer selector configured"}
	}
	dialed := ec.Dialed[n.ID]

	var (
		dec routing.Decision
		ok  bool
		err error
	)
	if n.CampaignID != "" {
		if len(dialed) == 0 {
			dec, ok, err = e.selector.SelectBestBuyer(routing.WithCallID(ctx, ec.CallID), ec.TenantID, n.CampaignID, routing.Mode(n.Mode))
		} else {
			dec, ok, err = e.selector.NextBuyer(routing.WithCallID(ctx, ec.CallID), ec.TenantID, n.CampaignID, routing.Mode(n.Mode), dialed)
		}
		if err != nil {
			return Result{}, fmt.Errorf("flow: %s: select buyer: %w", n.ID, err)
		}
		if !ok {
			if len(dialed) > 0 {
				return overflow(first(n.OnAllBusy, n.Next), "busy"), nil
			}
			return overflow(first(n.OnAllBusy, n.OnNoBuyers, n.Next), "busy"), nil
		}
	} else {
		candidates := make([]routing.Candidate, 0, len(n.Buyers))
		enabled := 0
		for _, b := range n.Buyers {
			if !b.IsEnabled() {
				continue
			}
			enabled++
			if contains(dialed, b.targetKey()) {
				continue
			}
			candidates = append(candidates, routing.Candidate{
				BuyerID:        b.ID,
				TargetID:       b.targetKey(),
				Destination:    b.Destination,
				Weight:         b.Weight,
				MaxConcurrency: b.MaxConcurrency,
				Priority:       b.Priority,
			})
		}
		if enabled == 0 {
			return overflow(first(n.OnNoBuyers, n.Next), "busy"), nil
		}
		if len(candidates) == 0 {
			return overflow(first(n.OnAllBusy, n.Next), "busy"), nil
		}
		dec, ok, err = e.selector.SelectCandidate(ctx, ec.CallID, candidates, routing.Strategy(n.Strategy))
		if err != nil {
			return Result{}, fmt.Errorf("flow: %s: select candidate: %w", n.ID, err)
		}
		if !ok {
			return overflow(first(n.OnAllBusy, n.Next), "busy"), nil
		}
	}

	if ec.Dialed == nil {
		ec.Dialed = map[string][]string{}
	}
	ec.Dialed[n.ID] = append(ec.Dialed[n.ID], dec.TargetID)
	ec.Variables["buyerId"] = dec.BuyerID
	ec.Variables["targetId"] = dec.TargetID
	return suspend(Action{
		Type:        ActionDial,
		BuyerID:     dec.BuyerID,
		TargetID:    dec.TargetID,
		Destination: dec.Destination,
	}), nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func overflow(target, reason string) Result {
	if target == "" {
		return hangup(reason)
	}
	return advance(target)
}

func (e *Executor) queue(n *QueueNode, ev *InboundEvent) Result {
	if ev == nil {
		return suspend(Action{Type: ActionWait, QueueID: n.QueueID, WaitURL: n.WaitURL, Seconds: n.TimeoutSec})
	}
	switch ev.Type {
	case EventQueueConnected:
		if target := first(n.OnConnect, n.Next); target != "" {
			return advance(target)
		}
	case EventQueueTimeout:
		return overflow(first(n.OnTimeout, n.Next), "timeout")
	case EventQueueFull:
		return overflow(first(n.OnFull, n.OnTimeout, n.Next), "busy")
	}
	return suspend(Action{Type: ActionNone})
}

func (e *Executor) record(n *RecordNode, ec *ExecutionContext, ev *InboundEvent) Result {
	if ev == nil {
		format := n.Format
		if format == "" {
			format = defaultRecordFormat
		}
		beep := n.Beep == nil || *n.Beep
		return suspend(Action{Type: ActionRecord, Format: format, Channels: n.Channels, Beep: beep})
	}
	switch ev.Type {
	case EventRecordingCompleted:
		if ev.URL != "" {
			ec.Variables["recordingUrl"] = ev.URL
		}
		return advanceOrEnd(first(n.OnComplete, n.Next))
	case EventRecordingFailed:
		return overflow(first(n.OnError, n.Next), "error")
	}
	return suspend(Action{Type: ActionNone})
}

func (e *Executor) whisper(n *WhisperNode, ev *InboundEvent) Result {
	if ev == nil {
		secs := n.TimeoutSec
		if secs <= 0 {
			secs = defaultWhisperTimeoutSec
		}
		return suspend(Action{Type: ActionWhisper, Prompt: n.CallerPrompt, CalleePrompt: n.CalleePrompt, Seconds: secs})
	}
	switch ev.Type {
	case EventWhisperAccepted:
		if target := first(n.OnAccept, n.Next); target != "" {
			return advance(target)
		}
	case EventWhisperRejected, EventWhisperTimeout:
		return overflow(first(n.OnReject, n.Next), "rejected")
	}
	return suspend(Action{Type: ActionNone})
}

// fallback hands out its targets one per visit, in order.
func (e *Executor) fallback(n *FallbackNode, ec *ExecutionContext) Result {
	if ec.Attempts == nil {
		ec.Attempts = map[string]int{}
	}
	i := ec.Attempts[n.ID]
	if i < len(n.TargetIDs) {
		ec.Attempts[n.ID] = i + 1
		return advance(n.TargetIDs[i])
	}
	return overflow(n.OnAllFailed, "error")
}
