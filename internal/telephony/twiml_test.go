package telephony

import (
	"strings"
	"testing"

	"callrouting-platform/internal/flow"
)

var testCallbacks = Callbacks{BaseURL: "https://voice.example.com/"}

func TestRenderTwiMLGatherWithPrompt(t *testing.T) {
	step := Step{
		CallID:        "CA1",
		CurrentNodeID: "menu",
		Actions: []flow.Action{{
			Type:   flow.ActionPlay,
			Prompt: "press 1 for sales",
			Gather: &flow.Gather{TimeoutSec: 7, MaxDigits: 2, FinishOnKey: "#"},
		}},
	}
	xml, err := RenderTwiML(step, testCallbacks)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		`<Gather input="dtmf" action="https://voice.example.com/webhooks/twilio/gather?callId=CA1&amp;nodeId=menu" method="POST" numDigits="2" timeout="7" finishOnKey="#">`,
		`<Say>press 1 for sales</Say>`,
		`<Redirect method="POST">https://voice.example.com/webhooks/twilio/gather?callId=CA1&amp;nodeId=menu&amp;timeout=1</Redirect>`,
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderTwiMLPlaysURLs(t *testing.T) {
	xml, err := RenderTwiML(Step{Actions: []flow.Action{{Type: flow.ActionPlay, Prompt: "https://cdn.example.com/hello.mp3"}}}, testCallbacks)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Play>https://cdn.example.com/hello.mp3</Play>") {
		t.Fatalf("expected Play in xml: %s", xml)
	}
}

func TestRenderTwiMLDial(t *testing.T) {
	xml, err := RenderTwiML(Step{CallID: "CA1", CurrentNodeID: "route", Actions: []flow.Action{{Type: flow.ActionDial, Destination: "sip:buyer@pbx.example.com"}}}, testCallbacks)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Sip>sip:buyer@pbx.example.com</Sip>") {
		t.Fatalf("expected Sip in xml: %s", xml)
	}
	if !strings.Contains(xml, "kind=dial") {
		t.Fatalf("expected dial action callback in xml: %s", xml)
	}

	xml, err = RenderTwiML(Step{Actions: []flow.Action{{Type: flow.ActionDial, Destination: "+15550001"}}}, testCallbacks)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Number>+15550001</Number>") {
		t.Fatalf("expected Number in xml: %s", xml)
	}
}

func TestRenderTwiMLDialRequiresDestination(t *testing.T) {
	_, err := RenderTwiML(Step{Actions: []flow.Action{{Type: flow.ActionDial}}}, testCallbacks)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRenderTwiMLQueueRecordPauseHangup(t *testing.T) {
	step := Step{
		CallID:        "CA1",
		CurrentNodeID: "n",
		Actions: []flow.Action{
			{Type: flow.ActionPause, Seconds: 3},
			{Type: flow.ActionRecord, Beep: true},
			{Type: flow.ActionWait, QueueID: "support", WaitURL: "https://hold.example.com"},
			{Type: flow.ActionHangup},
		},
	}
	xml, err := RenderTwiML(step, testCallbacks)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{`<Pause length="3">`, `playBeep="true"`, `>support</Enqueue>`, `waitUrl="https://hold.example.com"`, "<Hangup>"} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderTwiMLRejectsUnknownAction(t *testing.T) {
	if _, err := RenderTwiML(Step{Actions: []flow.Action{{Type: "teleport"}}}, testCallbacks); err == nil {
		t.Fatalf("expected error")
	}
}
