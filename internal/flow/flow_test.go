package flow

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrouting-platform/internal/routing"
)

const tagFlow = `{
  "id": "f1", "name": "tag then hangup", "version": 1,
  "entry": {"id": "entry", "type": "entry", "target": "tag-1"},
  "nodes": [
    {"id": "tag-1", "type": "tag", "tags": {"route": "A"}, "next": "hangup-1"},
    {"id": "hangup-1", "type": "hangup"}
  ]
}`

const ivrFlow = `{
  "id": "f2", "name": "menu", "version": 3,
  "entry": {"type": "entry", "target": "menu"},
  "nodes": [
    {"id": "menu", "type": "ivr", "prompt": "press-1-for-sales", "timeout": 7,
     "choices": [{"digits": "1", "target": "sales"}, {"digits": "22", "target": "support"}],
     "default": "bye"},
    {"id": "sales", "type": "tag", "tags": {"dept": "sales"}, "next": "bye"},
    {"id": "support", "type": "tag", "tags": {"dept": "support"}, "next": "bye"},
    {"id": "bye", "type": "hangup", "reason": "normal"}
  ]
}`

func mustPlan(t *testing.T, doc string) *ExecutionPlan {
	t.Helper()
	_, plan, err := ParseAndPlan([]byte(doc))
	require.NoError(t, err)
	return plan
}

func TestExecuteNode_TagScenario(t *testing.T) {
	plan := mustPlan(t, tagFlow)
	ex := NewExecutor(nil)
	ctx := context.Background()
	ec := NewExecutionContext("call-1", "t1", plan, nil)

	r1, err := ex.ExecuteNode(ctx, plan, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, r1.Action.Type)
	assert.Equal(t, "tag-1", r1.NextNodeID)

	r2, err := ex.ExecuteNode(ctx, plan, r1.Context, nil)
	require.NoError(t, err)
	assert.Equal(t, "A", r2.Context.Tags["route"])
	assert.Equal(t, "hangup-1", r2.NextNodeID)

	r3, err := ex.ExecuteNode(ctx, plan, r2.Context, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionHangup, r3.Action.Type)
	assert.Empty(t, r3.NextNodeID)
	assert.True(t, r3.Terminal())
	assert.Equal(t, []string{"entry", "tag-1", "hangup-1"}, r3.Context.History)
}

func TestExecuteNode_IVRSuspendAndResume(t *testing.T) {
	plan := mustPlan(t, ivrFlow)
	ex := NewExecutor(nil)
	ctx := context.Background()
	ec := NewExecutionContext("call-1", "t1", plan, nil)
	ec.CurrentNodeID = "menu"

	r, err := ex.ExecuteNode(ctx, plan, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionPlay, r.Action.Type)
	assert.Equal(t, "press-1-for-sales", r.Action.Prompt)
	require.NotNil(t, r.Action.Gather)
	assert.Equal(t, 7, r.Action.Gather.TimeoutSec)
	assert.Equal(t, 2, r.Action.Gather.MaxDigits)
	assert.Empty(t, r.NextNodeID)
	assert.True(t, r.Suspended())
	assert.Equal(t, "menu", r.Context.CurrentNodeID)

	resumed, err := ex.ExecuteNode(ctx, plan, r.Context, &InboundEvent{Type: EventDTMF, Digits: "1"})
	require.NoError(t, err)
	assert.Equal(t, "sales", resumed.NextNodeID)
	assert.Equal(t, []string{"menu"}, resumed.Context.History)
}

func TestExecuteNode_IVRAccumulatesDigits(t *testing.T) {
	plan := mustPlan(t, ivrFlow)
	ex := NewExecutor(nil)
	ctx := context.Background()
	ec := NewExecutionContext("call-1", "t1", plan, nil)
	ec.CurrentNodeID = "menu"

	r, err := ex.ExecuteNode(ctx, plan, ec, &InboundEvent{Type: EventDTMF, Digits: "2"})
	require.NoError(t, err)
	assert.Equal(t, ActionGather, r.Action.Type)
	assert.Empty(t, r.NextNodeID)
	assert.Equal(t, "2", r.Context.IVRInput)

	r, err = ex.ExecuteNode(ctx, plan, r.Context, &InboundEvent{Type: EventDTMF, Digits: "2"})
	require.NoError(t, err)
	assert.Equal(t, "support", r.NextNodeID)
	assert.Empty(t, r.Context.IVRInput)
}

func TestExecuteNode_IVRUnmatchedAndTimeoutFollowDefault(t *testing.T) {
	plan := mustPlan(t, ivrFlow)
	ex := NewExecutor(nil)
	ctx := context.Background()
	ec := NewExecutionContext("call-1", "t1", plan, nil)
	ec.CurrentNodeID = "menu"

	r, err := ex.ExecuteNode(ctx, plan, ec, &InboundEvent{Type: EventDTMF, Digits: "9"})
	require.NoError(t, err)
	assert.Equal(t, "bye", r.NextNodeID)

	r, err = ex.ExecuteNode(ctx, plan, ec, &InboundEvent{Type: EventIVRTimeout})
	require.NoError(t, err)
	assert.Equal(t, "bye", r.NextNodeID)

	r, err = ex.ExecuteNode(ctx, plan, ec, &InboundEvent{Type: EventRecordingCompleted})
	require.NoError(t, err)
	assert.Equal(t, ActionNone, r.Action.Type)
	assert.True(t, r.Suspended())
}

func TestExecuteNode_IVRWithoutDefaultHangsUp(t *testing.T) {
	plan := mustPlan(t, `{
	  "id": "f", "name": "n", "version": 1,
	  "entry": {"type": "entry", "target": "menu"},
	  "nodes": [
	    {"id": "menu", "type": "ivr", "prompt": "p", "finishOnKey": "#",
	     "choices": [{"digits": "12", "target": "end"}]},
	    {"id": "end", "type": "hangup"}
	  ]
	}`)
	ex := NewExecutor(nil)
	ec := NewExecutionContext("c", "t", plan, nil)
	ec.CurrentNodeID = "menu"

	r, err := ex.ExecuteNode(context.Background(), plan, ec, &InboundEvent{Type: EventDTMF, Digits: "1#"})
	require.NoError(t, err)
	assert.Equal(t, ActionHangup, r.Action.Type)

	r, err = ex.ExecuteNode(context.Background(), plan, ec, &InboundEvent{Type: EventDTMF, Digits: "12#"})
	require.NoError(t, err)
	assert.Equal(t, "end", r.NextNodeID)

	r, err = ex.ExecuteNode(context.Background(), plan, ec, &InboundEvent{Type: EventIVRTimeout})
	require.NoError(t, err)
	assert.Equal(t, ActionHangup, r.Action.Type)
	assert.Equal(t, "timeout", r.Action.Reason)
}

func TestExecuteNode_IsPure(t *testing.T) {
	plan := mustPlan(t, tagFlow)
	ex := NewExecutor(nil)
	ec := NewExecutionContext("call-1", "t1", plan, map[string]any{"caller": map[string]any{"state": "CA"}})
	ec.CurrentNodeID = "tag-1"

	a, err := ex.ExecuteNode(context.Background(), plan, ec, nil)
	require.NoError(t, err)
	b, err := ex.ExecuteNode(context.Background(), plan, ec, nil)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Empty(t, ec.Tags)
	assert.Empty(t, ec.History)
	assert.Equal(t, "tag-1", ec.CurrentNodeID)

	a.Context.Variables["caller"].(map[string]any)["state"] = "NY"
	assert.Equal(t, "CA", ec.Variables["caller"].(map[string]any)["state"])
}

func TestExecuteNode_UnknownNode(t *testing.T) {
	plan := mustPlan(t, tagFlow)
	ec := NewExecutionContext("c", "t", plan, nil)
	ec.CurrentNodeID = "ghost"
	ec.History = []string{"entry"}

	_, err := NewExecutor(nil).ExecuteNode(context.Background(), plan, ec, nil)
	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "ghost not found in plan", ee.Error())
	assert.Equal(t, []string{"entry"}, ee.History)
}

func TestExecuteNode_IfBranches(t *testing.T) {
	plan := mustPlan(t, `{
	  "id": "f", "name": "n", "version": 1,
	  "entry": {"type": "entry", "target": "check"},
	  "nodes": [
	    {"id": "check", "type": "if", "condition": "${caller.state} == 'CA' && tags.vip == 'yes'", "then": "yes", "else": "no"},
	    {"id": "yes", "type": "hangup"},
	    {"id": "no", "type": "hangup"}
	  ]
	}`)
	ex := NewExecutor(nil)

	ec := NewExecutionContext("c", "t", plan, map[string]any{"caller": map[string]any{"state": "CA"}})
	ec.Tags["vip"] = "yes"
	ec.CurrentNodeID = "check"
	r, err := ex.ExecuteNode(context.Background(), plan, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "yes", r.NextNodeID)

	missing := NewExecutionContext("c", "t", plan, nil)
	missing.CurrentNodeID = "check"
	r, err = ex.ExecuteNode(context.Background(), plan, missing, nil)
	require.NoError(t, err)
	assert.Equal(t, "no", r.NextNodeID)
}

func TestExecuteNode_FallbackRotates(t *testing.T) {
	plan := mustPlan(t, `{
	  "id": "f", "name": "n", "version": 1,
	  "entry": {"type": "entry", "target": "fb"},
	  "nodes": [
	    {"id": "fb", "type": "fallback", "targets": ["q1", "q2"], "onAllFailed": "bye"},
	    {"id": "q1", "type": "queue", "queueId": "sales", "onTimeout": "fb"},
	    {"id": "q2", "type": "queue", "queueId": "overflow", "onTimeout": "fb"},
	    {"id": "bye", "type": "hangup"}
	  ]
	}`)
	ex := NewExecutor(nil)
	ctx := context.Background()
	ec := NewExecutionContext("c", "t", plan, nil)
	ec.CurrentNodeID = "fb"

	var visited []string
	for i := 0; i < 3; i++ {
		r, err := ex.ExecuteNode(ctx, plan, ec, nil)
		require.NoError(t, err)
		visited = append(visited, r.NextNodeID)
		if r.NextNodeID == "bye" {
			break
		}
		q, err := ex.ExecuteNode(ctx, plan, r.Context, nil)
		require.NoError(t, err)
		assert.Equal(t, ActionWait, q.Action.Type)
		timedOut, err := ex.ExecuteNode(ctx, plan, q.Context, &InboundEvent{Type: EventQueueTimeout})
		require.NoError(t, err)
		ec = timedOut.Context
	}
	assert.Equal(t, []string{"q1", "q2", "bye"}, visited)
}

// byPriority picks the highest-priority candidate and has no campaign
// targets of its own.
type byPriority struct{}

func (byPriority) SelectBestBuyer(context.Context, string, string, routing.Mode) (routing.Decision, bool, error) {
	return routing.Decision{}, false, nil
}

func (byPriority) NextBuyer(context.Context, string, string, routing.Mode, []string) (routing.Decision, bool, error) {
	return routing.Decision{}, false, nil
}

func (byPriority) SelectCandidate(_ context.Context, _ string, cs []routing.Candidate, _ routing.Strategy) (routing.Decision, bool, error) {
	if len(cs) == 0 {
		return routing.Decision{}, false, nil
	}
	best := cs[0]
	for _, c := range cs[1:] {
		if c.Priority > best.Priority {
			best = c
		}
	}
	return routing.Decision{BuyerID: best.BuyerID, TargetID: best.TargetID, Destination: best.Destination}, true, nil
}

func TestExecuteNode_BuyerDialFailedTriesNextCandidate(t *testing.T) {
	plan := mustPlan(t, `{
	  "id": "f", "name": "n", "version": 1,
	  "entry": {"type": "entry", "target": "route"},
	  "nodes": [
	    {"id": "route", "type": "buyer", "strategy": "priority",
	     "buyers": [
	       {"id": "a", "destination": "+1001", "priority": 2},
	       {"id": "b", "destination": "+1002", "priority": 1}
	     ],
	     "onAllBusy": "busy"},
	    {"id": "busy", "type": "hangup", "reason": "busy"}
	  ]
	}`)
	ex := NewExecutor(byPriority{})
	ctx := context.Background()
	ec := NewExecutionContext("c", "t", plan, nil)
	ec.CurrentNodeID = "route"

	r1, err := ex.ExecuteNode(ctx, plan, ec, nil)
	require.NoError(t, err)
	require.Equal(t, ActionDial, r1.Action.Type)
	assert.Equal(t, "+1001", r1.Action.Destination)
	assert.Equal(t, "a", r1.Action.TargetID)

	r2, err := ex.ExecuteNode(ctx, plan, r1.Context, &InboundEvent{Type: EventDialFailed})
	require.NoError(t, err)
	require.Equal(t, ActionDial, r2.Action.Type)
	assert.Equal(t, "+1002", r2.Action.Destination)
	assert.Equal(t, "b", r2.Context.Variables["buyerId"])
	assert.Empty(t, r2.NextNodeID)

	r3, err := ex.ExecuteNode(ctx, plan, r2.Context, &InboundEvent{Type: EventDialFailed})
	require.NoError(t, err)
	assert.Equal(t, "busy", r3.NextNodeID)

	// Re-entering the node starts over with every candidate.
	again := r3.Context.Clone()
	again.CurrentNodeID = "route"
	r4, err := ex.ExecuteNode(ctx, plan, again, nil)
	require.NoError(t, err)
	assert.Equal(t, "+1001", r4.Action.Destination)

	// The input context is never mutated.
	assert.Empty(t, ec.Dialed)
	assert.Equal(t, []string{"a"}, r1.Context.Dialed["route"])
}

func TestCreateExecutionPlan_Errors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
		as   any
	}{
		{
			name: "duplicate",
			doc: `{"id":"f","name":"n","version":1,"entry":{"type":"entry","target":"a"},
			  "nodes":[{"id":"a","type":"hangup"},{"id":"a","type":"hangup"}]}`,
			want: "Duplicate node ID: a",
			as:   new(*ParseError),
		},
		{
			name: "entry target",
			doc: `{"id":"f","name":"n","version":1,"entry":{"type":"entry","target":"zzz"},
			  "nodes":[{"id":"a","type":"hangup"}]}`,
			want: "entry target not found in nodes",
			as:   new(*ReferenceError),
		},
		{
			name: "dangling",
			doc: `{"id":"f","name":"n","version":1,"entry":{"type":"entry","target":"a"},
			  "nodes":[{"id":"a","type":"tag","tags":{},"next":"nowhere"}]}`,
			want: "a references non-existent node nowhere",
			as:   new(*ReferenceError),
		},
		{
			name: "targets entry",
			doc: `{"id":"f","name":"n","version":1,"entry":{"type":"entry","target":"a"},
			  "nodes":[{"id":"a","type":"tag","tags":{},"next":"entry"}]}`,
			want: "a cannot target the entry node entry",
			as:   new(*ReferenceError),
		},
		{
			name: "bad condition",
			doc: `{"id":"f","name":"n","version":1,"entry":{"type":"entry","target":"a"},
			  "nodes":[{"id":"a","type":"if","condition":"((","then":"b"},{"id":"b","type":"hangup"}]}`,
			as: new(*ParseError),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseAndPlan([]byte(tc.doc))
			require.Error(t, err)
			require.True(t, errors.As(err, tc.as), "got %T", err)
			if tc.want != "" {
				assert.Equal(t, tc.want, err.Error())
			}
			assert.True(t, IsLoadError(err))
		})
	}
}

func TestParseFlow_SchemaErrors(t *testing.T) {
	docs := []string{
		`{"id":"f","name":"n","version":1,"entry":{"type":"entry","target":"a"}}`,
		`{"id":"f","name":"n","version":1,"entry":{"type":"entry","target":"a"},"nodes":[{"id":"a","type":"teleport"}]}`,
		`{"id":"f","name":"n","version":1,"entry":{"type":"entry","target":"a"},"nodes":[{"id":"a","type":"ivr","prompt":"p"}]}`,
		`{"id":"f","name":"n","version":1,"entry":{"type":"entry","target":"a"},"nodes":[{"id":"a","type":"buyer"}]}`,
	}
	for _, doc := range docs {
		_, err := ParseFlow([]byte(doc))
		require.Error(t, err, doc)
		assert.True(t, IsSchemaError(err), "%T: %v", err, err)
	}

	_, err := ParseFlow([]byte("   "))
	var pe *ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestParseFlow_YAML(t *testing.T) {
	doc := `
id: f-yaml
name: yaml flow
version: 2
entry:
  type: entry
  target: route
nodes:
  - id: route
    type: buyer
    strategy: weighted
    buyers:
      - id: b1
        destination: "+15550001"
        weight: 3
      - id: b2
        destination: "+15550002"
        enabled: false
    onAllBusy: bye
  - id: bye
    type: hangup
    reason: busy
`
	f, plan, err := ParseAndPlan([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "entry", plan.EntryNodeID)
	assert.Equal(t, 2, plan.FlowVersion)
	require.Len(t, f.Nodes, 2)
	bn, ok := f.Nodes[0].(*BuyerNode)
	require.True(t, ok)
	assert.Equal(t, 3, bn.Buyers[0].Weight)
	assert.False(t, bn.Buyers[1].IsEnabled())
}

func TestRoundTrip(t *testing.T) {
	for _, doc := range []string{tagFlow, ivrFlow} {
		f, err := ParseFlow([]byte(doc))
		require.NoError(t, err)
		orig, err := CreateExecutionPlan(f)
		require.NoError(t, err)

		raw, err := SerializeFlow(f)
		require.NoError(t, err)
		_, again, err := ParseAndPlan(raw)
		require.NoError(t, err)

		assert.Equal(t, orig.EntryNodeID, again.EntryNodeID)
		assert.Equal(t, orig.NodeIDs(), again.NodeIDs())
	}
}

func TestPlanReferencesResolve(t *testing.T) {
	plan := mustPlan(t, ivrFlow)
	for _, id := range plan.NodeIDs() {
		n, _ := plan.Node(id)
		for _, target := range n.Targets() {
			_, ok := plan.Nodes[target]
			assert.True(t, ok, "%s -> %s", id, target)
		}
	}
	ids := plan.NodeIDs()
	assert.True(t, sort.StringsAreSorted(ids))
}
