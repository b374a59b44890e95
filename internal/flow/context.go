package flow

// ExecutionContext is the per-call interpreter state threaded through steps.
// It is persisted in CallState metadata between suspensions.
type ExecutionContext struct {
	CallID        string            `json:"callId"`
	TenantID      string            `json:"tenantId"`
	CurrentNodeID string            `json:"currentNodeId"`
	Variables     map[string]any    `json:"variables"`
	Tags          map[string]string `json:"tags"`
	History       []string          `json:"history"`
	IVRInput      string            `json:"ivrInput,omitempty"`
	// Attempts counts visits to fallback nodes.
	Attempts map[string]int `json:"attempts,omitempty"`
	// Dialed lists, per buyer node, the targets dialed since the call last
	// entered it. A failed dial moves on to a target not in the list.
	Dialed map[string][]string `json:"dialed,omitempty"`
}

// NewExecutionContext positions a call at the plan's entry node.
func NewExecutionContext(callID, tenantID string, plan *ExecutionPlan, vars map[string]any) ExecutionContext {
	ec := ExecutionContext{
		CallID:        callID,
		TenantID:      tenantID,
		CurrentNodeID: plan.EntryNodeID,
		Variables:     map[string]any{},
		Tags:          map[string]string{},
		History:       []string{},
	}
	for k, v := range vars {
		ec.Variables[k] = copyValue(v)
	}
	return ec
}

// Clone returns a deep copy so a step never aliases its input.
func (ec ExecutionContext) Clone() ExecutionContext {
	out := ec
	out.Variables = make(map[string]any, len(ec.Variables))
	for k, v := range ec.Variables {
		out.Variables[k] = copyValue(v)
	}
	out.Tags = make(map[string]string, len(ec.Tags))
	for k, v := range ec.Tags {
		out.Tags[k] = v
	}
	out.History = append(make([]string, 0, len(ec.History)+1), ec.History...)
	if ec.Attempts != nil {
		out.Attempts = make(map[string]int, len(ec.Attempts))
		for k, v := range ec.Attempts {
			out.Attempts[k] = v
		}
	}
	if ec.Dialed != nil {
		out.Dialed = make(map[string][]string, len(ec.Dialed))
		for k, v := range ec.Dialed {
			out.Dialed[k] = append([]string(nil), v...)
		}
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = copyValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = copyValue(vv)
		}
		return s
	default:
		return v
	}
}

// InboundEvent resumes a suspended call.
type InboundEvent struct {
	Type    string         `json:"type"`
	Digits  string         `json:"digits,omitempty"`
	URL     string         `json:"url,omitempty"`
	AgentID string         `json:"agentId,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

const (
	EventCallStarted        = "call.started"
	EventCallAnswered       = "call.answered"
	EventCallEnded          = "call.ended"
	EventDTMF               = "dtmf.received"
	EventIVRTimeout         = "ivr.timeout"
	EventRecordingCompleted = "recording.completed"
	EventRecordingFailed    = "recording.failed"
	EventQueueConnected     = "queue.connected"
	EventQueueTimeout       = "queue.timeout"
	EventQueueFull          = "queue.full"
	EventWhisperAccepted    = "whisper.accepted"
	EventWhisperRejected    = "whisper.rejected"
	EventWhisperTimeout     = "whisper.timeout"
	EventDialFailed         = "dial.failed"
)

type ActionType string

const (
	ActionContinue ActionType = "continue"
	ActionPlay     ActionType = "play"
	ActionGather   ActionType = "gather"
	ActionDial     ActionType = "dial"
	ActionHangup   ActionType = "hangup"
	ActionWait     ActionType = "wait"
	ActionRecord   ActionType = "record"
	ActionWhisper  ActionType = "whisper"
	ActionPause    ActionType = "pause"
	// ActionNone keeps a suspended call where it is.
	ActionNone ActionType = "none"
)

// Action tells the telephony driver what to do for one step.
type Action struct {
	Type ActionType `json:"type"`

	Prompt       string  `json:"prompt,omitempty"`
	CalleePrompt string  `json:"calleePrompt,omitempty"`
	Gather       *Gather `json:"gather,omitempty"`

	BuyerID     string `json:"buyerId,omitempty"`
	TargetID    string `json:"targetId,omitempty"`
	Destination string `json:"destination,omitempty"`

	QueueID string `json:"queueId,omitempty"`
	WaitURL string `json:"waitUrl,omitempty"`

	Format   string `json:"format,omitempty"`
	Channels string `json:"channels,omitempty"`
	Beep     bool   `json:"beep,omitempty"`

	// Seconds is the pause length, or the timer the driver arms for
	// queue and whisper waits.
	Seconds int               `json:"seconds,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

type Gather struct {
	TimeoutSec  int    `json:"timeout"`
	MaxDigits   int    `json:"maxDigits"`
	FinishOnKey string `json:"finishOnKey,omitempty"`
}

// Result is the outcome of one step. An empty NextNodeID means the call is
// suspended at Context.CurrentNodeID, or finished when Action is a hangup.
type Result struct {
	Context    ExecutionContext `json:"context"`
	Action     Action           `json:"action"`
	NextNodeID string           `json:"nextNodeId,omitempty"`
}

func (r Result) Terminal() bool { return r.Action.Type == ActionHangup }

func (r Result) Suspended() bool { return r.NextNodeID == "" && !r.Terminal() }
