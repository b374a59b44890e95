package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callrouting-platform/internal/callstate"
	"callrouting-platform/internal/eventbus"
	"callrouting-platform/internal/flow"
	"callrouting-platform/internal/metrics"

	"github.com/google/uuid"
)

const (
	metaFlowContext = "flowContext"
	// metaPending holds the action the call is suspended on, so a signal that
	// changes nothing can repeat it to the telephony side.
	metaPending = "pendingActions"
)

var (
	ErrInvalidArgument = errors.New("telephony: invalid argument")
	ErrCallExists      = errors.New("telephony: call already started")
	ErrCallNotFound    = errors.New("telephony: call not found")
	ErrCallEnded       = errors.New("telephony: call already ended")
)

// PlanSource resolves the execution plan a call runs on.
// *flowstore.Service implements it.
type PlanSource interface {
	PublishedPlan(ctx context.Context, tenantID, flowID string) (*flow.ExecutionPlan, error)
	Plan(ctx context.Context, tenantID, flowID string, version int) (*flow.ExecutionPlan, error)
}

// StartRequest describes a new inbound call.
type StartRequest struct {
	// CallID defaults to a new uuid. Provider adapters pass their own call id
	// so later webhooks can find the call.
	CallID     string
	TenantID   string
	FlowID     string
	CampaignID string
	From       string
	To         string
	Variables  map[string]any
}

// Step is what the telephony side has to perform after the driver ran a call
// as far as it could go.
type Step struct {
	CallID        string        `json:"callId"`
	TenantID      string        `json:"tenantId"`
	CurrentNodeID string        `json:"currentNodeId"`
	Actions       []flow.Action `json:"actions"`
	Terminal      bool          `json:"terminal"`
}

// Driver runs calls through their flows. It owns the per-call timers and is
// the only writer of a call's execution context.
type Driver struct {
	states   *callstate.Store
	bus      eventbus.Bus
	plans    PlanSource
	exec     *flow.Executor
	timers   *timerSet
	maxSteps int
	onAsync  func(context.Context, Step)
	log      *slog.Logger

	mu    sync.Mutex
	locks map[string]*callLock
}

type DriverOptions struct {
	// MaxSteps bounds how many nodes one signal may walk through.
	MaxSteps int
	// OnAsyncStep receives steps produced by timers, outside any request.
	OnAsyncStep func(context.Context, Step)
	// AfterFunc schedules timers; defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Stopper
	Logger    *slog.Logger
}

func NewDriver(states *callstate.Store, bus eventbus.Bus, plans PlanSource, exec *flow.Executor, opts DriverOptions) *Driver {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "telephony.driver")
	if opts.OnAsyncStep == nil {
		opts.OnAsyncStep = func(_ context.Context, s Step) {
			log.Debug("async step", "call_id", s.CallID, "node", s.CurrentNodeID, "actions", len(s.Actions))
		}
	}
	return &Driver{
		states:   states,
		bus:      bus,
		plans:    plans,
		exec:     exec,
		timers:   newTimerSet(opts.AfterFunc),
		maxSteps: opts.MaxSteps,
		onAsync:  opts.OnAsyncStep,
		log:      log,
		locks:    make(map[string]*callLock),
	}
}

// StartCall creates the call state on the published flow and runs it up to
// the first suspension or hangup.
func (d *Driver) StartCall(ctx context.Context, req StartRequest) (Step, error) {
	if req.TenantID == "" || req.FlowID == "" {
		return Step{}, ErrInvalidArgument
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}

	plan, err := d.plans.PublishedPlan(ctx, req.TenantID, req.FlowID)
	if err != nil {
		return Step{}, fmt.Errorf("telephony: plan for %s: %w", req.FlowID, err)
	}

	unlock := d.lock(req.CallID)
	defer unlock()

	existing, err := d.states.Get(ctx, req.CallID)
	if err != nil {
		return Step{}, err
	}
	if existing != nil {
		return Step{}, ErrCallExists
	}

	vars := make(map[string]any, len(req.Variables)+3)
	for k, v := range req.Variables {
		vars[k] = v
	}
	vars["from"] = req.From
	vars["to"] = req.To
	if req.CampaignID != "" {
		vars["campaignId"] = req.CampaignID
	}
	ec := flow.NewExecutionContext(req.CallID, req.TenantID, plan, vars)

	cs, err := d.states.Set(ctx, callstate.CallState{
		ID:            req.CallID,
		TenantID:      req.TenantID,
		Status:        callstate.StatusInitiated,
		CurrentNodeID: ec.CurrentNodeID,
		FlowID:        plan.FlowID,
		FlowVersion:   plan.FlowVersion,
		Metadata: map[string]any{
			"campaignId":    req.CampaignID,
			"from":          req.From,
			"to":            req.To,
			metaFlowContext: ec,
		},
	})
	if err != nil {
		return Step{}, err
	}
	if _, err := d.states.AddParticipant(ctx, req.CallID, callstate.Participant{
		ID:     "caller",
		Number: req.From,
		Role:   callstate.RoleCaller,
		Status: "connected",
	}); err != nil {
		return Step{}, err
	}

	d.publish(ctx, cs, eventbus.EventCallStarted, map[string]any{
		"flowVersion": plan.FlowVersion,
	})
	d.log.Info("call started", "call_id", req.CallID, "tenant_id", req.TenantID, "flow_id", plan.FlowID, "flow_version", plan.FlowVersion)

	return d.run(ctx, plan, cs, ec, nil)
}

// HandleSignal resumes a suspended call with an inbound event. call.answered
// and call.ended only touch the call state; everything else is handed to the
// node the call is waiting on.
func (d *Driver) HandleSignal(ctx context.Context, callID string, ev flow.InboundEvent) (Step, error) {
	if callID == "" || ev.Type == "" {
		return Step{}, ErrInvalidArgument
	}
	switch ev.Type {
	case flow.EventCallEnded:
		reason, _ := ev.Data["reason"].(string)
		return Step{CallID: callID, Terminal: true}, d.EndCall(ctx, callID, reason)
	case flow.EventCallStarted:
		return Step{}, fmt.Errorf("%w: %s is not a resume signal", ErrInvalidArgument, ev.Type)
	}

	unlock := d.lock(callID)
	defer unlock()

	cs, ec, err := d.load(ctx, callID)
	if err != nil {
		return Step{}, err
	}
	step := Step{CallID: callID, TenantID: cs.TenantID, CurrentNodeID: ec.CurrentNodeID}

	if ev.Type == flow.EventCallAnswered {
		next, err := d.states.UpdateStatus(ctx, callID, callstate.StatusAnswered)
		if err != nil {
			return step, err
		}
		if next == nil {
			return step, ErrCallNotFound
		}
		d.publish(ctx, next, eventbus.EventCallAnswered, nil)
		return step, nil
	}

	// Timers are armed for one node; a late fire after the call moved on is dropped.
	if armedAt, _ := ev.Data["nodeId"].(string); armedAt != "" && armedAt != ec.CurrentNodeID {
		d.log.Debug("stale signal dropped", "call_id", callID, "event", ev.Type, "armed_at", armedAt, "current", ec.CurrentNodeID)
		step.Actions = pendingActions(cs)
		return step, nil
	}

	if ev.Type == flow.EventDialFailed {
		d.releaseDial(ctx, cs, ev)
	}

	plan, err := d.plans.Plan(ctx, cs.TenantID, cs.FlowID, cs.FlowVersion)
	if err != nil {
		return step, fmt.Errorf("telephony: plan for %s v%d: %w", cs.FlowID, cs.FlowVersion, err)
	}
	return d.run(ctx, plan, cs, ec, &ev)
}

// releaseDial records that the pending dial was rejected so the target stops
// counting the call against its concurrency, whatever node the call moves to.
func (d *Driver) releaseDial(ctx context.Context, cs *callstate.CallState, ev flow.InboundEvent) {
	var dial *flow.Action
	for _, a := range pendingActions(cs) {
		if a.Type == flow.ActionDial {
			a := a
			dial = &a
		}
	}
	if dial == nil {
		return
	}
	failed := "failed"
	now := time.Now().UTC()
	if _, err := d.states.UpdateParticipant(ctx, cs.ID, "callee:"+dial.TargetID, callstate.ParticipantPatch{Status: &failed, LeftAt: &now}); err != nil {
		d.log.Warn("callee participant not updated", "call_id", cs.ID, "target_id", dial.TargetID, "err", err)
	}
	extra := map[string]any{
		"buyerId":     dial.BuyerID,
		"targetId":    dial.TargetID,
		"destination": dial.Destination,
	}
	if status, _ := ev.Data["dialCallStatus"].(string); status != "" {
		extra["dialCallStatus"] = status
	}
	d.publish(ctx, cs, eventbus.EventCallDialFailed, extra)
}

// EndCall completes the call with reason. Ending an already finished call is
// a no-op.
func (d *Driver) EndCall(ctx context.Context, callID, reason string) error {
	if callID == "" {
		return ErrInvalidArgument
	}
	unlock := d.lock(callID)
	defer unlock()

	cs, ec, err := d.load(ctx, callID)
	if errors.Is(err, ErrCallEnded) {
		return nil
	}
	if err != nil {
		return err
	}
	return d.finish(ctx, cs, ec, reason)
}

// FailCall marks the call failed, e.g. when the carrier reports the leg
// failed. Failing an already finished call is a no-op.
func (d *Driver) FailCall(ctx context.Context, callID, reason string) error {
	if callID == "" {
		return ErrInvalidArgument
	}
	unlock := d.lock(callID)
	defer unlock()

	cs, ec, err := d.load(ctx, callID)
	if errors.Is(err, ErrCallEnded) {
		return nil
	}
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "error"
	}
	_ = d.fail(ctx, cs, ec, errors.New(reason))
	return nil
}

// run executes nodes until the call suspends, hangs up or fails.
// The first node gets ev; every node advanced into after it gets nil.
func (d *Driver) run(ctx context.Context, plan *flow.ExecutionPlan, cs *callstate.CallState, ec flow.ExecutionContext, ev *flow.InboundEvent) (Step, error) {
	step := Step{CallID: cs.ID, TenantID: cs.TenantID, CurrentNodeID: ec.CurrentNodeID}

	for i := 0; i < d.maxSteps; i++ {
		node, _ := plan.Node(ec.CurrentNodeID)
		if ev == nil && node != nil {
			d.publish(ctx, cs, eventbus.EventCallNodeEntered, map[string]any{
				"nodeId":   node.NodeID(),
				"nodeType": string(node.Type()),
			})
		}

		start := time.Now()
		res, err := d.exec.ExecuteNode(ctx, plan, ec, ev)
		metrics.FlowStepDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return step, d.fail(ctx, cs, ec, err)
		}
		if node != nil {
			metrics.FlowStepsTotal.WithLabelValues(string(node.Type()), string(res.Action.Type)).Inc()
		}

		// An ignored signal leaves the pending timer running.
		if res.Action.Type != flow.ActionNone {
			d.timers.cancelCall(cs.ID)
		}
		ec = res.Context
		ev = nil
		step.CurrentNodeID = ec.CurrentNodeID
		if res.Action.Type != flow.ActionContinue && res.Action.Type != flow.ActionNone {
			step.Actions = append(step.Actions, res.Action)
		}
		if cs, err = d.announce(ctx, cs, res.Action); err != nil {
			return step, err
		}

		if res.Terminal() {
			step.Terminal = true
			return step, d.finish(ctx, cs, ec, res.Action.Reason)
		}
		if res.Suspended() {
			var pending []flow.Action
			if res.Action.Type != flow.ActionNone {
				pending = []flow.Action{res.Action}
			}
			if cs, err = d.save(ctx, cs.ID, ec, pending); err != nil {
				return step, err
			}
			if len(step.Actions) == 0 {
				step.Actions = pendingActions(cs)
			}
			d.arm(cs, ec.CurrentNodeID, res.Action)
			return step, nil
		}
	}

	return step, d.fail(ctx, cs, ec, &flow.ExecutionError{
		NodeID:  ec.CurrentNodeID,
		History: ec.History,
		Message: fmt.Sprintf("step limit of %d exceeded", d.maxSteps),
	})
}

// announce publishes the event for an action and applies its call state side effects.
func (d *Driver) announce(ctx context.Context, cs *callstate.CallState, a flow.Action) (*callstate.CallState, error) {
	switch a.Type {
	case flow.ActionPlay:
		d.publish(ctx, cs, eventbus.EventCallPlay, map[string]any{"prompt": a.Prompt})
	case flow.ActionDial:
		next := cs
		if cs.Status == callstate.StatusInitiated {
			updated, err := d.states.UpdateStatus(ctx, cs.ID, callstate.StatusRinging)
			if err != nil {
				return cs, err
			}
			if updated == nil {
				return cs, ErrCallNotFound
			}
			next = updated
		}
		if _, err := d.states.AddParticipant(ctx, cs.ID, callstate.Participant{
			ID:     "callee:" + a.TargetID,
			Number: a.Destination,
			Role:   callstate.RoleCallee,
			Status: "ringing",
		}); err != nil {
			return cs, err
		}
		d.publish(ctx, next, eventbus.EventCallDial, map[string]any{
			"buyerId":     a.BuyerID,
			"targetId":    a.TargetID,
			"destination": a.Destination,
		})
		return next, nil
	case flow.ActionWait:
		d.publish(ctx, cs, eventbus.EventCallQueueJoin, map[string]any{"queueId": a.QueueID})
	case flow.ActionRecord:
		d.publish(ctx, cs, eventbus.EventCallRecordStart, map[string]any{"format": a.Format, "channels": a.Channels})
	case flow.ActionWhisper:
		d.publish(ctx, cs, eventbus.EventCallWhisper, map[string]any{"callerPrompt": a.Prompt, "calleePrompt": a.CalleePrompt})
	case flow.ActionContinue:
		if len(a.Tags) > 0 {
			tags := make(map[string]any, len(a.Tags))
			for k, v := range a.Tags {
				tags[k] = v
			}
			d.publish(ctx, cs, eventbus.EventCallTagged, map[string]any{"tags": tags})
		}
	}
	return cs, nil
}

// save persists the context of a suspended call. pending replaces the
// stored suspension action unless nil.
func (d *Driver) save(ctx context.Context, callID string, ec flow.ExecutionContext, pending []flow.Action) (*callstate.CallState, error) {
	node := ec.CurrentNodeID
	meta := map[string]any{metaFlowContext: ec}
	if pending != nil {
		meta[metaPending] = pending
	}
	cs, err := d.states.Update(ctx, callID, callstate.Patch{
		CurrentNodeID: &node,
		Metadata:      meta,
	})
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, ErrCallNotFound
	}
	return cs, nil
}

func (d *Driver) finish(ctx context.Context, cs *callstate.CallState, ec flow.ExecutionContext, reason string) error {
	d.timers.cancelCall(cs.ID)
	if reason == "" {
		reason = "normal"
	}
	node := ec.CurrentNodeID
	status := callstate.StatusCompleted
	next, err := d.states.Update(ctx, cs.ID, callstate.Patch{
		Status:        &status,
		CurrentNodeID: &node,
		Metadata:      map[string]any{metaFlowContext: ec, "endReason": reason},
	})
	if err != nil {
		return err
	}
	if next == nil {
		next = cs
	}
	d.leaveAll(ctx, next)

	tags := make(map[string]any, len(ec.Tags))
	for k, v := range ec.Tags {
		tags[k] = v
	}
	d.publish(ctx, next, eventbus.EventCallEnded, map[string]any{
		"reason":  reason,
		"tags":    tags,
		"history": ec.History,
	})
	d.log.Info("call ended", "call_id", cs.ID, "reason", reason, "node", node)
	return nil
}

// fail marks the call failed and returns cause for the caller to report.
func (d *Driver) fail(ctx context.Context, cs *callstate.CallState, ec flow.ExecutionContext, cause error) error {
	d.timers.cancelCall(cs.ID)

	node := ec.CurrentNodeID
	history := ec.History
	var ee *flow.ExecutionError
	if errors.As(cause, &ee) {
		node = ee.NodeID
		history = ee.History
	}

	next, err := d.states.UpdateStatus(ctx, cs.ID, callstate.StatusFailed)
	if err != nil {
		d.log.Error("mark call failed", "call_id", cs.ID, "err", err)
	}
	if next == nil {
		next = cs
	}
	d.leaveAll(ctx, next)
	d.publish(ctx, next, eventbus.EventCallFailed, map[string]any{
		"error":         cause.Error(),
		"currentNodeId": node,
		"history":       history,
	})
	d.log.Error("call failed", "call_id", cs.ID, "node", node, "err", cause)
	return cause
}

func (d *Driver) leaveAll(ctx context.Context, cs *callstate.CallState) {
	now := time.Now().UTC()
	left := "left"
	for _, p := range cs.Participants {
		if p.LeftAt != nil {
			continue
		}
		if _, err := d.states.UpdateParticipant(ctx, cs.ID, p.ID, callstate.ParticipantPatch{Status: &left, LeftAt: &now}); err != nil {
			d.log.Warn("participant leave", "call_id", cs.ID, "participant", p.ID, "err", err)
		}
	}
}

// load returns the call and its execution context. Finished calls report ErrCallEnded.
func (d *Driver) load(ctx context.Context, callID string) (*callstate.CallState, flow.ExecutionContext, error) {
	cs, err := d.states.Get(ctx, callID)
	if err != nil {
		return nil, flow.ExecutionContext{}, err
	}
	if cs == nil {
		return nil, flow.ExecutionContext{}, ErrCallNotFound
	}
	if cs.Status.Terminal() {
		return cs, flow.ExecutionContext{}, ErrCallEnded
	}
	ec, err := decodeContext(cs.Metadata[metaFlowContext])
	if err != nil {
		return nil, flow.ExecutionContext{}, fmt.Errorf("telephony: call %s: %w", callID, err)
	}
	return cs, ec, nil
}

func pendingActions(cs *callstate.CallState) []flow.Action {
	switch t := cs.Metadata[metaPending].(type) {
	case []flow.Action:
		return append([]flow.Action(nil), t...)
	case nil:
		return nil
	}
	var out []flow.Action
	if err := roundTrip(cs.Metadata[metaPending], &out); err != nil {
		return nil
	}
	return out
}

func roundTrip(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// decodeContext accepts the context as stored in memory or as it comes back
// from a JSON round trip through Redis.
func decodeContext(v any) (flow.ExecutionContext, error) {
	switch t := v.(type) {
	case flow.ExecutionContext:
		return t.Clone(), nil
	case nil:
		return flow.ExecutionContext{}, errors.New("no flow context")
	}
	var ec flow.ExecutionContext
	if err := roundTrip(v, &ec); err != nil {
		return flow.ExecutionContext{}, err
	}
	if ec.Variables == nil {
		ec.Variables = map[string]any{}
	}
	if ec.Tags == nil {
		ec.Tags = map[string]string{}
	}
	return ec, nil
}

func (d *Driver) publish(ctx context.Context, cs *callstate.CallState, event string, extra map[string]any) {
	data := map[string]any{
		"callId": cs.ID,
		"flowId": cs.FlowID,
	}
	for _, k := range []string{"campaignId", "from", "to"} {
		if v, ok := cs.Metadata[k].(string); ok && v != "" {
			data[k] = v
		}
	}
	for k, v := range extra {
		data[k] = v
	}
	if _, err := d.bus.Publish(ctx, eventbus.ChannelCall, eventbus.Payload{Event: event, TenantID: cs.TenantID, Data: data}); err != nil {
		d.log.Error("publish call event", "call_id", cs.ID, "event", event, "err", err)
	}
}

// arm starts the timer a suspending action waits on. Timer firings re-enter
// HandleSignal tagged with the node they were armed for.
func (d *Driver) arm(cs *callstate.CallState, nodeID string, a flow.Action) {
	var (
		name string
		secs int
	)
	switch {
	case a.Gather != nil:
		name, secs = flow.EventIVRTimeout, a.Gather.TimeoutSec
	case a.Type == flow.ActionWhisper:
		name, secs = flow.EventWhisperTimeout, a.Seconds
	case a.Type == flow.ActionWait:
		name, secs = flow.EventQueueTimeout, a.Seconds
	}
	if name == "" || secs <= 0 {
		return
	}

	callID := cs.ID
	timerID := uuid.NewString()
	dur := time.Duration(secs) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.states.AddTimer(ctx, callID, callstate.Timer{ID: timerID, Name: name, DurationMs: dur.Milliseconds()}); err != nil {
		d.log.Warn("record timer", "call_id", callID, "timer", name, "err", err)
	}

	d.timers.start(callID, timerID, dur, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		now := time.Now().UTC()
		if _, err := d.states.UpdateTimer(ctx, callID, timerID, callstate.TimerPatch{CompletedAt: &now}); err != nil {
			d.log.Warn("complete timer", "call_id", callID, "timer", name, "err", err)
		}
		step, err := d.HandleSignal(ctx, callID, flow.InboundEvent{Type: name, Data: map[string]any{"nodeId": nodeID}})
		if err != nil {
			if !errors.Is(err, ErrCallEnded) && !errors.Is(err, ErrCallNotFound) {
				d.log.Error("timer signal", "call_id", callID, "timer", name, "err", err)
			}
			return
		}
		d.onAsync(ctx, step)
	})
}

type callLock struct {
	mu   sync.Mutex
	refs int
}

// lock serialises work on one call. Signals for different calls never wait
// on each other.
func (d *Driver) lock(callID string) func() {
	d.mu.Lock()
	l, ok := d.locks[callID]
	if !ok {
		l = &callLock{}
		d.locks[callID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, callID)
		}
		d.mu.Unlock()
	}
}
