package flow

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr/vm"
)

// ExecutionPlan is the validated, indexed form of a flow. It is immutable
// once built and safe to share between calls.
type ExecutionPlan struct {
	FlowID      string
	FlowVersion int
	EntryNodeID string
	Nodes       map[string]Node

	conditions map[string]*vm.Program
}

// Node returns the node with the given id.
func (p *ExecutionPlan) Node(id string) (Node, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// NodeIDs returns every node id in sorted order.
func (p *ExecutionPlan) NodeIDs() []string {
	out := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CreateExecutionPlan indexes f by node id and checks that every transition
// resolves. Conditions on if nodes are compiled here so bad expressions
// fail at load time.
func CreateExecutionPlan(f *Flow) (*ExecutionPlan, error) {
	if f == nil {
		return nil, &ParseError{Message: "flow is nil"}
	}
	entry := f.Entry
	if entry.ID == "" {
		entry.ID = defaultEntryID
	}

	plan := &ExecutionPlan{
		FlowID:      f.ID,
		FlowVersion: f.Version,
		EntryNodeID: entry.ID,
		Nodes:       make(map[string]Node, len(f.Nodes)+1),
		conditions:  make(map[string]*vm.Program),
	}
	plan.Nodes[entry.ID] = &entry

	for _, n := range f.Nodes {
		if n == nil {
			return nil, &ParseError{Message: "flow contains a nil node"}
		}
		id := n.NodeID()
		if _, dup := plan.Nodes[id]; dup {
			return nil, &ParseError{NodeID: id, Message: "Duplicate node ID: " + id}
		}
		plan.Nodes[id] = n
	}

	if _, ok := plan.Nodes[entry.Target]; !ok || entry.Target == entry.ID {
		return nil, &ReferenceError{NodeID: entry.ID, TargetID: entry.Target, Message: "entry target not found in nodes"}
	}

	for _, n := range f.Nodes {
		for _, target := range n.Targets() {
			if target == entry.ID {
				return nil, &ReferenceError{
					NodeID:   n.NodeID(),
					TargetID: target,
					Message:  fmt.Sprintf("%s cannot target the entry node %s", n.NodeID(), target),
				}
			}
			if _, ok := plan.Nodes[target]; !ok {
				return nil, &ReferenceError{
					NodeID:   n.NodeID(),
					TargetID: target,
					Message:  fmt.Sprintf("%s references non-existent node %s", n.NodeID(), target),
				}
			}
		}
		if err := checkNode(n); err != nil {
			return nil, err
		}
		if ifn, ok := n.(*IfNode); ok {
			prog, err := compileCondition(ifn.Condition)
			if err != nil {
				return nil, &ParseError{NodeID: ifn.ID, Message: fmt.Sprintf("%s has invalid condition: %v", ifn.ID, err)}
			}
			plan.conditions[ifn.ID] = prog
		}
	}
	return plan, nil
}

func checkNode(n Node) error {
	switch v := n.(type) {
	case *IVRNode:
		seen := make(map[string]bool, len(v.Choices))
		for _, c := range v.Choices {
			if seen[c.Digits] {
				return &ParseError{NodeID: v.ID, Message: fmt.Sprintf("%s has duplicate choice %s", v.ID, c.Digits)}
			}
			seen[c.Digits] = true
		}
	case *BuyerNode:
		seen := make(map[string]bool, len(v.Buyers))
		for _, b := range v.Buyers {
			key := b.ID + "/" + b.TargetID
			if seen[key] {
				return &ParseError{NodeID: v.ID, Message: fmt.Sprintf("%s lists buyer %s twice", v.ID, b.ID)}
			}
			seen[key] = true
		}
	}
	return nil
}
