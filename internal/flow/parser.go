package flow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

const defaultEntryID = "entry"

// ParseFlow decodes a JSON or YAML flow document and validates it against
// the flow schema. It does not check references; see CreateExecutionPlan.
func ParseFlow(doc []byte) (*Flow, error) {
	raw, err := normalizeDocument(doc)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &ParseError{Message: "invalid flow document: " + err.Error()}
	}
	if err := validateDocument(generic); err != nil {
		return nil, err
	}

	var wire struct {
		ID          string            `json:"id"`
		Name        string            `json:"name"`
		Version     int               `json:"version"`
		Description string            `json:"description"`
		Entry       EntryNode         `json:"entry"`
		Nodes       []json.RawMessage `json:"nodes"`
		Metadata    map[string]any    `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &ParseError{Message: "invalid flow document: " + err.Error()}
	}

	f := &Flow{
		ID:          wire.ID,
		Name:        wire.Name,
		Version:     wire.Version,
		Description: wire.Description,
		Entry:       wire.Entry,
		Metadata:    wire.Metadata,
		Nodes:       make([]Node, 0, len(wire.Nodes)),
	}
	if f.Entry.ID == "" {
		f.Entry.ID = defaultEntryID
	}
	for _, rn := range wire.Nodes {
		n, err := decodeNode(rn)
		if err != nil {
			return nil, err
		}
		f.Nodes = append(f.Nodes, n)
	}
	return f, nil
}

// SerializeFlow renders f back into its JSON document form.
func SerializeFlow(f *Flow) ([]byte, error) {
	return json.MarshalIndent(f, "", "  ")
}

// ParseAndPlan parses doc and builds its execution plan in one step.
func ParseAndPlan(doc []byte) (*Flow, *ExecutionPlan, error) {
	f, err := ParseFlow(doc)
	if err != nil {
		return nil, nil, err
	}
	plan, err := CreateExecutionPlan(f)
	if err != nil {
		return nil, nil, err
	}
	return f, plan, nil
}

// normalizeDocument returns doc as JSON. Anything that does not start with
// '{' is treated as YAML.
func normalizeDocument(doc []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 {
		return nil, &ParseError{Message: "empty flow document"}
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}
	var v any
	if err := yaml.Unmarshal(trimmed, &v); err != nil {
		return nil, &ParseError{Message: "invalid flow document: " + err.Error()}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, &ParseError{Message: "invalid flow document: " + err.Error()}
	}
	return out, nil
}

func decodeNode(raw json.RawMessage) (Node, error) {
	var head struct {
		ID   string   `json:"id"`
		Type NodeType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &ParseError{Message: "invalid node: " + err.Error()}
	}

	var n Node
	switch head.Type {
	case TypeTag:
		n = &TagNode{}
	case TypeHangup:
		n = &HangupNode{}
	case TypeIVR:
		n = &IVRNode{}
	case TypeIf:
		n = &IfNode{}
	case TypeBuyer:
		n = &BuyerNode{}
	case TypeQueue:
		n = &QueueNode{}
	case TypeRecord:
		n = &RecordNode{}
	case TypeWhisper:
		n = &WhisperNode{}
	case TypeTimeout:
		n = &TimeoutNode{}
	case TypeFallback:
		n = &FallbackNode{}
	default:
		return nil, &ParseError{NodeID: head.ID, Message: fmt.Sprintf("%s has unsupported type %q", head.ID, head.Type)}
	}
	if err := json.Unmarshal(raw, n); err != nil {
		return nil, &ParseError{NodeID: head.ID, Message: fmt.Sprintf("%s: %v", head.ID, err)}
	}
	return n, nil
}
