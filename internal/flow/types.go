package flow

import (
	"encoding/json"
	"fmt"
)

// Flow is an author-supplied call treatment graph.
type Flow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     int            `json:"version"`
	Description string         `json:"description,omitempty"`
	Entry       EntryNode      `json:"entry"`
	Nodes       []Node         `json:"nodes"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type NodeType string

const (
	TypeEntry    NodeType = "entry"
	TypeTag      NodeType = "tag"
	TypeHangup   NodeType = "hangup"
	TypeIVR      NodeType = "ivr"
	TypeIf       NodeType = "if"
	TypeBuyer    NodeType = "buyer"
	TypeQueue    NodeType = "queue"
	TypeRecord   NodeType = "record"
	TypeWhisper  NodeType = "whisper"
	TypeTimeout  NodeType = "timeout"
	TypeFallback NodeType = "fallback"
)

// Node is a closed set: only the node structs in this package implement it.
type Node interface {
	NodeID() string
	Type() NodeType
	// Targets lists every node id this node can transition to.
	Targets() []string
	isNode()
}

type EntryNode struct {
	ID     string `json:"id"`
	Target string `json:"target"`
}

type TagNode struct {
	ID   string            `json:"id"`
	Tags map[string]string `json:"tags"`
	Next string            `json:"next,omitempty"`
}

type HangupNode struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type IVRChoice struct {
	Digits string `json:"digits"`
	Target string `json:"target"`
}

type IVRNode struct {
	ID          string      `json:"id"`
	Prompt      string      `json:"prompt"`
	TimeoutSec  int         `json:"timeout,omitempty"`
	MaxDigits   int         `json:"maxDigits,omitempty"`
	FinishOnKey string      `json:"finishOnKey,omitempty"`
	Choices     []IVRChoice `json:"choices"`
	Default     string      `json:"default,omitempty"`
	Next        string      `json:"next,omitempty"`
}

type IfNode struct {
	ID        string `json:"id"`
	Condition string `json:"condition"`
	Then      string `json:"then"`
	Else      string `json:"else,omitempty"`
}

// BuyerCandidate is one routable destination declared inline on a buyer node.
type BuyerCandidate struct {
	ID             string `json:"id"`
	TargetID       string `json:"targetId,omitempty"`
	Destination    string `json:"destination"`
	Weight         int    `json:"weight,omitempty"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

func (c BuyerCandidate) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// targetKey identifies the candidate's target; a candidate without a
// targetId is its own single target.
func (c BuyerCandidate) targetKey() string {
	if c.TargetID != "" {
		return c.TargetID
	}
	return c.ID
}

type BuyerNode struct {
	ID       string           `json:"id"`
	Buyers   []BuyerCandidate `json:"buyers,omitempty"`
	Strategy string           `json:"strategy,omitempty"`
	// CampaignID switches the node to campaign routing: buyers come from the
	// buyer directory and are ranked by Mode.
	CampaignID string `json:"campaignId,omitempty"`
	Mode       string `json:"mode,omitempty"`
	OnNoBuyers string `json:"onNoBuyers,omitempty"`
	OnAllBusy  string `json:"onAllBusy,omitempty"`
	Next       string `json:"next,omitempty"`
}

type QueueNode struct {
	ID         string `json:"id"`
	QueueID    string `json:"queueId"`
	WaitURL    string `json:"waitUrl,omitempty"`
	TimeoutSec int    `json:"timeout,omitempty"`
	MaxSize    int    `json:"maxSize,omitempty"`
	OnTimeout  string `json:"onTimeout,omitempty"`
	OnFull     string `json:"onFull,omitempty"`
	OnConnect  string `json:"onConnect,omitempty"`
	Next       string `json:"next,omitempty"`
}

type RecordNode struct {
	ID         string `json:"id"`
	Format     string `json:"format,omitempty"`
	Channels   string `json:"channels,omitempty"`
	Beep       *bool  `json:"beep,omitempty"`
	OnComplete string `json:"onComplete,omitempty"`
	OnError    string `json:"onError,omitempty"`
	Next       string `json:"next,omitempty"`
}

type WhisperNode struct {
	ID           string `json:"id"`
	CallerPrompt string `json:"callerPrompt,omitempty"`
	CalleePrompt string `json:"calleePrompt"`
	TimeoutSec   int    `json:"timeout,omitempty"`
	OnAccept     string `json:"onAccept,omitempty"`
	OnReject     string `json:"onReject,omitempty"`
	Next         string `json:"next,omitempty"`
}

// TimeoutNode pauses the call for DurationSec before moving on.
type TimeoutNode struct {
	ID          string `json:"id"`
	DurationSec int    `json:"duration"`
	Next        string `json:"next,omitempty"`
}

// FallbackNode tries TargetIDs in order, one per visit; routes that fail
// should lead back here so the next target is attempted.
type FallbackNode struct {
	ID          string   `json:"id"`
	TargetIDs   []string `json:"targets"`
	OnAllFailed string   `json:"onAllFailed,omitempty"`
}

func (n *EntryNode) NodeID() string    { return n.ID }
func (n *TagNode) NodeID() string      { return n.ID }
func (n *HangupNode) NodeID() string   { return n.ID }
func (n *IVRNode) NodeID() string      { return n.ID }
func (n *IfNode) NodeID() string       { return n.ID }
func (n *BuyerNode) NodeID() string    { return n.ID }
func (n *QueueNode) NodeID() string    { return n.ID }
func (n *RecordNode) NodeID() string   { return n.ID }
func (n *WhisperNode) NodeID() string  { return n.ID }
func (n *TimeoutNode) NodeID() string  { return n.ID }
func (n *FallbackNode) NodeID() string { return n.ID }

func (*EntryNode) Type() NodeType    { return TypeEntry }
func (*TagNode) Type() NodeType      { return TypeTag }
func (*HangupNode) Type() NodeType   { return TypeHangup }
func (*IVRNode) Type() NodeType      { return TypeIVR }
func (*IfNode) Type() NodeType       { return TypeIf }
func (*BuyerNode) Type() NodeType    { return TypeBuyer }
func (*QueueNode) Type() NodeType    { return TypeQueue }
func (*RecordNode) Type() NodeType   { return TypeRecord }
func (*WhisperNode) Type() NodeType  { return TypeWhisper }
func (*TimeoutNode) Type() NodeType  { return TypeTimeout }
func (*FallbackNode) Type() NodeType { return TypeFallback }

func (*EntryNode) isNode()    {}
func (*TagNode) isNode()      {}
func (*HangupNode) isNode()   {}
func (*IVRNode) isNode()      {}
func (*IfNode) isNode()       {}
func (*BuyerNode) isNode()    {}
func (*QueueNode) isNode()    {}
func (*RecordNode) isNode()   {}
func (*WhisperNode) isNode()  {}
func (*TimeoutNode) isNode()  {}
func (*FallbackNode) isNode() {}

func (n *EntryNode) Targets() []string  { return refs(n.Target) }
func (n *TagNode) Targets() []string    { return refs(n.Next) }
func (n *HangupNode) Targets() []string { return nil }
func (n *IfNode) Targets() []string     { return refs(n.Then, n.Else) }
func (n *TimeoutNode) Targets() []string {
	return refs(n.Next)
}

func (n *IVRNode) Targets() []string {
	out := make([]string, 0, len(n.Choices)+2)
	for _, c := range n.Choices {
		out = append(out, c.Target)
	}
	return append(out, refs(n.Default, n.Next)...)
}

func (n *BuyerNode) Targets() []string {
	return refs(n.OnNoBuyers, n.OnAllBusy, n.Next)
}

func (n *QueueNode) Targets() []string {
	return refs(n.OnTimeout, n.OnFull, n.OnConnect, n.Next)
}

func (n *RecordNode) Targets() []string {
	return refs(n.OnComplete, n.OnError, n.Next)
}

func (n *WhisperNode) Targets() []string {
	return refs(n.OnAccept, n.OnReject, n.Next)
}

func (n *FallbackNode) Targets() []string {
	out := append([]string(nil), n.TargetIDs...)
	return append(out, refs(n.OnAllFailed)...)
}

// refs drops empty optional references.
func refs(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// MarshalJSON writes the document form, with a "type" discriminator on every node.
func (f Flow) MarshalJSON() ([]byte, error) {
	entry, err := marshalNode(&f.Entry)
	if err != nil {
		return nil, err
	}
	nodes := make([]json.RawMessage, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		raw, err := marshalNode(n)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, raw)
	}
	type doc struct {
		ID          string            `json:"id"`
		Name        string            `json:"name"`
		Version     int               `json:"version"`
		Description string            `json:"description,omitempty"`
		Entry       json.RawMessage   `json:"entry"`
		Nodes       []json.RawMessage `json:"nodes"`
		Metadata    map[string]any    `json:"metadata,omitempty"`
	}
	return json.Marshal(doc{
		ID:          f.ID,
		Name:        f.Name,
		Version:     f.Version,
		Description: f.Description,
		Entry:       entry,
		Nodes:       nodes,
		Metadata:    f.Metadata,
	})
}

func marshalNode(n Node) (json.RawMessage, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["type"] = string(n.Type())
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("flow: encode node %s: %w", n.NodeID(), err)
	}
	return out, nil
}
