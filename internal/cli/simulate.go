package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callrouting-platform/internal/calls"
	"callrouting-platform/internal/callstate"
	"callrouting-platform/internal/eventbus"
	"callrouting-platform/internal/flow"
	"callrouting-platform/internal/flowstore"
	"callrouting-platform/internal/routing"
	"callrouting-platform/internal/telephony"

	"github.com/spf13/cobra"
)

const simTenant = "flowctl"

// timerSignal fires the most recently armed timer instead of sending an event.
const timerSignal = "timer"

type SimulateOptions struct {
	CallID     string
	From       string
	To         string
	CampaignID string
	Variables  map[string]string
	// Buyers are "id=destination" pairs registered on CampaignID.
	Buyers  []string
	Signals []string
}

type SimStep struct {
	Signal string         `json:"signal,omitempty" yaml:"signal,omitempty"`
	Step   telephony.Step `json:"step" yaml:"step"`
	Note   string         `json:"note,omitempty" yaml:"note,omitempty"`
}

type SimEvent struct {
	Event string         `json:"event" yaml:"event"`
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// SimulationResult is everything one simulated call produced.
type SimulationResult struct {
	CallID string           `json:"callId" yaml:"callId"`
	Status callstate.Status `json:"status" yaml:"status"`
	Steps  []SimStep        `json:"steps" yaml:"steps"`
	Events []SimEvent       `json:"events" yaml:"events"`
	// Unused signals were left over after the call ended.
	Unused []string `json:"unused,omitempty" yaml:"unused,omitempty"`
}

func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := SimulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate <flow-file|->",
		Short: "Walk a simulated call through a flow",
		Long: `Runs one call through the flow with in-memory call state, event bus and
buyer directory. Each --signal is delivered in order once the call suspends:

  dtmf.received:12          digits pressed
  recording.completed:URL   recording finished
  dial.failed, queue.full, whisper.accepted, ...
  timer                     fire the timer the last step armed`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			doc, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return WrapExitError(ExitCommandError, "read flow", err)
			}
			var log *slog.Logger
			if rootOpts.Verbose {
				log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
			}
			res, err := Simulate(cmd.Context(), doc, opts, log)
			if err != nil {
				return err
			}
			return out.Emit(res, res.writeText)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.CallID, "call-id", "sim-call", "call id")
	f.StringVar(&opts.From, "from", "+15550100", "caller number")
	f.StringVar(&opts.To, "to", "+15550199", "dialed number")
	f.StringVar(&opts.CampaignID, "campaign", "", "campaign id for campaign-routed buyer nodes")
	f.StringToStringVar(&opts.Variables, "var", nil, "call variable key=value (repeatable)")
	f.StringArrayVar(&opts.Buyers, "buyer", nil, "campaign buyer id=destination (repeatable)")
	f.StringArrayVarP(&opts.Signals, "signal", "s", nil, "signal to deliver (repeatable)")
	return cmd
}

// Simulate runs doc end to end. It fails only when the flow cannot be
// loaded or a signal is malformed; a call that fails is a result.
func Simulate(ctx context.Context, doc []byte, opts SimulateOptions, log *slog.Logger) (SimulationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryOptions{Logger: log})
	states := callstate.NewStore(callstate.NewMemoryBackend(nil), callstate.Options{Logger: log})
	flows := flowstore.NewService(flowstore.NewMemoryRepo(), flowstore.NewRegistry(), flowstore.Options{Logger: log})

	v, err := flows.StoreFlow(ctx, simTenant, "flowctl", doc)
	if err != nil {
		return SimulationResult{}, WrapExitError(ExitFailure, "flow is invalid", err)
	}
	if _, err := flows.PublishFlow(ctx, simTenant, v.FlowID, v.Version); err != nil {
		return SimulationResult{}, WrapExitError(ExitCommandError, "publish flow", err)
	}

	dir := routing.NewMemoryDirectory()
	for _, b := range opts.Buyers {
		id, dest, ok := strings.Cut(b, "=")
		if !ok || id == "" || dest == "" {
			return SimulationResult{}, WrapExitError(ExitCommandError, "bad --buyer "+b, nil)
		}
		dir.AddBuyer(opts.CampaignID, routing.Buyer{
			ID: id, TenantID: simTenant, Name: id, Active: true,
			Targets: []routing.Target{{ID: id + "-1", BuyerID: id, Destination: dest, Active: true}},
		})
	}
	live := routing.NewLiveStatusProvider(calls.NewMemoryRepo(), dir)
	selector := routing.NewSelector(live, dir, dir, routing.SelectorOptions{Logger: log})

	clock := &manualClock{}
	var async []telephony.Step
	driver := telephony.NewDriver(states, bus, flows, flow.NewExecutor(selector), telephony.DriverOptions{
		AfterFunc:   clock.AfterFunc,
		OnAsyncStep: func(_ context.Context, s telephony.Step) { async = append(async, s) },
		Logger:      log,
	})

	vars := make(map[string]any, len(opts.Variables))
	for k, val := range opts.Variables {
		vars[k] = val
	}
	res := SimulationResult{CallID: opts.CallID}

	step, err := driver.StartCall(ctx, telephony.StartRequest{
		CallID: opts.CallID, TenantID: simTenant, FlowID: v.FlowID, CampaignID: opts.CampaignID,
		From: opts.From, To: opts.To, Variables: vars,
	})
	if err != nil {
		res.Steps = append(res.Steps, SimStep{Note: "start failed: " + err.Error()})
	} else {
		res.Steps = append(res.Steps, SimStep{Step: step})
	}

	for i, raw := range opts.Signals {
		if err != nil || step.Terminal {
			res.Unused = opts.Signals[i:]
			break
		}
		if raw == timerSignal {
			async = async[:0]
			if !clock.fireLast() {
				res.Steps = append(res.Steps, SimStep{Signal: raw, Note: "no timer armed"})
				continue
			}
			if len(async) == 0 {
				res.Steps = append(res.Steps, SimStep{Signal: raw, Note: "timer produced no step"})
				continue
			}
			step = async[len(async)-1]
			res.Steps = append(res.Steps, SimStep{Signal: raw, Step: step})
			continue
		}
		ev, perr := ParseSignal(raw)
		if perr != nil {
			return SimulationResult{}, WrapExitError(ExitCommandError, "bad --signal", perr)
		}
		step, err = driver.HandleSignal(ctx, opts.CallID, ev)
		if err != nil {
			res.Steps = append(res.Steps, SimStep{Signal: raw, Note: "signal failed: " + err.Error()})
			continue
		}
		res.Steps = append(res.Steps, SimStep{Signal: raw, Step: step})
	}

	if cs, gerr := states.Get(ctx, opts.CallID); gerr == nil && cs != nil {
		res.Status = cs.Status
	}
	evs, err := bus.GetEvents(ctx, 1000)
	if err != nil {
		return SimulationResult{}, WrapExitError(ExitFailure, "read events", err)
	}
	for _, e := range evs {
		if e.Data["callId"] == opts.CallID {
			res.Events = append(res.Events, SimEvent{Event: e.Event, Data: e.Data})
		}
	}
	return res, nil
}

// ParseSignal reads "type[:arg]". The argument is the digits for dtmf, the
// recording URL for recording events, and Data["value"] otherwise.
func ParseSignal(raw string) (flow.InboundEvent, error) {
	typ, arg, _ := strings.Cut(strings.TrimSpace(raw), ":")
	if typ == "" {
		return flow.InboundEvent{}, fmt.Errorf("empty signal")
	}
	if typ == "dtmf" {
		typ = flow.EventDTMF
	}
	ev := flow.InboundEvent{Type: typ}
	switch {
	case typ == flow.EventDTMF:
		if arg == "" {
			return flow.InboundEvent{}, fmt.Errorf("%s needs digits", raw)
		}
		ev.Digits = arg
	case strings.HasPrefix(typ, "recording."):
		ev.URL = arg
	case arg != "":
		ev.Data = map[string]any{"value": arg}
	}
	return ev, nil
}

func (r SimulationResult) writeText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "call %s: %s\n", r.CallID, r.Status); err != nil {
		return err
	}
	for i, s := range r.Steps {
		label := "start"
		if s.Signal != "" {
			label = s.Signal
		}
		if s.Note != "" {
			if _, err := fmt.Fprintf(w, "%2d. %-24s %s\n", i, label, s.Note); err != nil {
				return err
			}
			continue
		}
		acts := make([]string, 0, len(s.Step.Actions))
		for _, a := range s.Step.Actions {
			acts = append(acts, describeAction(a))
		}
		state := "waiting at " + s.Step.CurrentNodeID
		if s.Step.Terminal {
			state = "ended"
		}
		if _, err := fmt.Fprintf(w, "%2d. %-24s %s [%s]\n", i, label, state, strings.Join(acts, "; ")); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "events:"); err != nil {
		return err
	}
	for _, e := range r.Events {
		if _, err := fmt.Fprintf(w, "  %s\n", e.Event); err != nil {
			return err
		}
	}
	if len(r.Unused) > 0 {
		_, err := fmt.Fprintf(w, "unused signals: %s\n", strings.Join(r.Unused, ", "))
		return err
	}
	return nil
}

func describeAction(a flow.Action) string {
	switch a.Type {
	case flow.ActionPlay:
		if a.Gather != nil {
			return fmt.Sprintf("play+gather %q", a.Prompt)
		}
		return fmt.Sprintf("play %q", a.Prompt)
	case flow.ActionDial:
		return fmt.Sprintf("dial %s (%s)", a.Destination, a.BuyerID)
	case flow.ActionWait:
		return "queue " + a.QueueID
	case flow.ActionHangup:
		if a.Reason != "" {
			return "hangup " + a.Reason
		}
		return "hangup"
	default:
		return string(a.Type)
	}
}

// manualClock holds timers until fireLast is called.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *manualClock) AfterFunc(_ time.Duration, f func()) telephony.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) fireLast() bool {
	c.mu.Lock()
	var t *manualTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if !c.timers[i].stopped {
			t = c.timers[i]
			break
		}
	}
	if t != nil {
		t.stopped = true
	}
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.f()
	return true
}
