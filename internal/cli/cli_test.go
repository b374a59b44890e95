package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"callrouting-platform/internal/auth"
	"callrouting-platform/internal/callstate"
	"callrouting-platform/internal/config"
	"callrouting-platform/internal/flow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const menuFlow = `{
  "id": "menu", "name": "menu", "version": 3,
  "entry": {"type": "entry", "target": "menu"},
  "nodes": [
    {"id": "menu", "type": "ivr", "prompt": "press 1 for sales", "timeout": 5,
     "choices": [{"digits": "1", "target": "sales"}], "default": "bye"},
    {"id": "sales", "type": "tag", "tags": {"dept": "sales"}, "next": "bye"},
    {"id": "bye", "type": "hangup"}
  ]
}`

const orphanFlow = `
id: orphan
name: orphan
version: 1
entry: {type: entry, target: bye}
nodes:
  - {id: bye, type: hangup}
  - {id: lost, type: hangup}
`

const buyerFlow = `{
  "id": "buyers", "name": "buyers", "version": 1,
  "entry": {"type": "entry", "target": "route"},
  "nodes": [
    {"id": "route", "type": "buyer", "strategy": "priority",
     "buyers": [{"id": "acme", "targetId": "acme-1", "destination": "+15550001"}],
     "onAllBusy": "busy"},
    {"id": "busy", "type": "hangup", "reason": "busy"}
  ]
}`

func writeFlow(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"validate", "plan", "simulate", "token"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "validate", writeFlow(t, menuFlow)})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestValidateText(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{writeFlow(t, menuFlow)})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "ok: menu v3, 3 nodes")
}

func TestValidateInvalidJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{writeFlow(t, `{"id": "x"}`)})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var res ValidationResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &res))
	assert.False(t, res.Valid)
	assert.Equal(t, "schema", res.Kind)
	assert.NotEmpty(t, res.Errors)
}

func TestValidateReferenceError(t *testing.T) {
	res := Validate([]byte(`{
	  "id": "bad", "name": "bad", "version": 1,
	  "entry": {"type": "entry", "target": "t"},
	  "nodes": [{"id": "t", "type": "tag", "tags": {"a": "b"}, "next": "nowhere"}]
	}`))
	assert.False(t, res.Valid)
	assert.Equal(t, "reference", res.Kind)
	assert.Equal(t, "t", res.NodeID)
}

func TestValidateMissingFile(t *testing.T) {
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "nope.json")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPlanReportsUnreachableNodes(t *testing.T) {
	_, plan, err := flow.ParseAndPlan([]byte(orphanFlow))
	require.NoError(t, err)

	view := BuildPlanView(plan)
	assert.Equal(t, "entry", view.Entry)
	assert.Equal(t, []string{"lost"}, view.Unreachable)

	buf := &bytes.Buffer{}
	cmd := NewPlanCommand(&RootOptions{Format: "yaml"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{writeFlow(t, orphanFlow)})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "unreachable:")
	assert.Contains(t, buf.String(), "- lost")
}

func TestSimulateDigitsRoute(t *testing.T) {
	res, err := Simulate(context.Background(), []byte(menuFlow), SimulateOptions{
		CallID:  "c1",
		Signals: []string{"dtmf:1", "dtmf:2"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, callstate.StatusCompleted, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "menu", res.Steps[0].Step.CurrentNodeID)
	assert.True(t, res.Steps[1].Step.Terminal)
	assert.Equal(t, []string{"dtmf:2"}, res.Unused)

	var names []string
	for _, e := range res.Events {
		names = append(names, e.Event)
	}
	assert.Contains(t, names, "call.started")
	assert.Contains(t, names, "call.tagged")
	assert.Equal(t, "call.ended", names[len(names)-1])
}

func TestSimulateTimerTakesDefault(t *testing.T) {
	res, err := Simulate(context.Background(), []byte(menuFlow), SimulateOptions{
		CallID:  "c2",
		Signals: []string{"timer"},
	}, nil)
	require.NoError(t, err)

	require.Len(t, res.Steps, 2)
	assert.Equal(t, "timer", res.Steps[1].Signal)
	assert.True(t, res.Steps[1].Step.Terminal)
	assert.Equal(t, callstate.StatusCompleted, res.Status)
}

func TestSimulateBuyerFailover(t *testing.T) {
	res, err := Simulate(context.Background(), []byte(buyerFlow), SimulateOptions{
		CallID:  "c3",
		Signals: []string{"dial.failed"},
	}, nil)
	require.NoError(t, err)

	require.Len(t, res.Steps, 2)
	first := res.Steps[0].Step
	require.NotEmpty(t, first.Actions)
	assert.Equal(t, flow.ActionDial, first.Actions[len(first.Actions)-1].Type)
	assert.Equal(t, "+15550001", first.Actions[len(first.Actions)-1].Destination)

	last := res.Steps[1].Step
	assert.True(t, last.Terminal)
	assert.Equal(t, "busy", last.Actions[len(last.Actions)-1].Reason)
}

func TestSimulateRejectsInvalidFlow(t *testing.T) {
	_, err := Simulate(context.Background(), []byte(`{"id": "x"}`), SimulateOptions{CallID: "c"}, nil)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestParseSignal(t *testing.T) {
	cases := []struct {
		raw  string
		want flow.InboundEvent
	}{
		{"dtmf:12", flow.InboundEvent{Type: flow.EventDTMF, Digits: "12"}},
		{"dtmf.received:9", flow.InboundEvent{Type: flow.EventDTMF, Digits: "9"}},
		{"recording.completed:https://r/1.wav", flow.InboundEvent{Type: flow.EventRecordingCompleted, URL: "https://r/1.wav"}},
		{"queue.full", flow.InboundEvent{Type: flow.EventQueueFull}},
		{"queue.connected:agent-7", flow.InboundEvent{Type: flow.EventQueueConnected, Data: map[string]any{"value": "agent-7"}}},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseSignal(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ParseSignal("dtmf")
	assert.Error(t, err)
	_, err = ParseSignal("  ")
	assert.Error(t, err)
}

func TestIssueTokenVerifies(t *testing.T) {
	now := time.Now()
	res, err := IssueToken(TokenOptions{UserID: "svc", TenantID: "t1", Role: "analyst", TTL: time.Hour, Secret: "s3cret"}, now)
	require.NoError(t, err)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "s3cret"})
	require.NoError(t, err)
	claims, err := m.Authenticate(res.AccessToken, now)
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, "analyst", claims.Role)
	assert.Equal(t, "svc:svc", claims.UserID)
	assert.True(t, claims.IsService())

	_, err = IssueToken(TokenOptions{UserID: "svc", TenantID: "t1", Role: "analyst", TTL: time.Hour}, now)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
