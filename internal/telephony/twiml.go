package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"callrouting-platform/internal/flow"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives the flow actions need.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName     xml.Name `xml:"Gather"`
	Input       string   `xml:"input,attr"`
	Action      string   `xml:"action,attr"`
	Method      string   `xml:"method,attr"`
	NumDigits   int      `xml:"numDigits,attr,omitempty"`
	Timeout     int      `xml:"timeout,attr,omitempty"`
	FinishOnKey string   `xml:"finishOnKey,attr,omitempty"`
	Prompt      []any    `xml:",any"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName xml.Name  `xml:"Dial"`
	Action  string    `xml:"action,attr,omitempty"`
	Method  string    `xml:"method,attr,omitempty"`
	Number  string    `xml:"Number,omitempty"`
	Sip     *twimlSip `xml:"Sip,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

type twimlEnqueue struct {
	XMLName xml.Name `xml:"Enqueue"`
	Action  string   `xml:"action,attr,omitempty"`
	Method  string   `xml:"method,attr,omitempty"`
	WaitURL string   `xml:"waitUrl,attr,omitempty"`
	Queue   string   `xml:",chardata"`
}

type twimlRecord struct {
	XMLName  xml.Name `xml:"Record"`
	Action   string   `xml:"action,attr"`
	Method   string   `xml:"method,attr"`
	PlayBeep bool     `xml:"playBeep,attr"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

// Callbacks builds the webhook URLs Twilio reports outcomes to.
type Callbacks struct {
	BaseURL string
}

func (cb Callbacks) Gather(callID, nodeID string) string {
	return cb.url("/webhooks/twilio/gather", url.Values{"callId": {callID}, "nodeId": {nodeID}})
}

// GatherTimeout is where Twilio falls through to when a Gather collects nothing.
func (cb Callbacks) GatherTimeout(callID, nodeID string) string {
	return cb.url("/webhooks/twilio/gather", url.Values{"callId": {callID}, "nodeId": {nodeID}, "timeout": {"1"}})
}

func (cb Callbacks) Status(kind, callID, nodeID string) string {
	return cb.url("/webhooks/twilio/status", url.Values{"kind": {kind}, "callId": {callID}, "nodeId": {nodeID}})
}

func (cb Callbacks) url(path string, q url.Values) string {
	return strings.TrimRight(cb.BaseURL, "/") + path + "?" + q.Encode()
}

// Status callback kinds.
const (
	KindDial    = "dial"
	KindQueue   = "queue"
	KindRecord  = "record"
	KindWhisper = "whisper"
)

// RenderTwiML maps the actions of a driver step to TwiML.
func RenderTwiML(step Step, cb Callbacks) (string, error) {
	var r twimlResponse
	node := step.CurrentNodeID

	for _, a := range step.Actions {
		switch a.Type {
		case flow.ActionPlay:
			if a.Gather == nil {
				r.Verbs = append(r.Verbs, prompt(a.Prompt))
				continue
			}
			r.Verbs = append(r.Verbs, gather(step.CallID, node, a.Gather, cb, prompt(a.Prompt)))
			r.Verbs = append(r.Verbs, twimlRedirect{Method: "POST", URL: cb.GatherTimeout(step.CallID, node)})
		case flow.ActionGather:
			if a.Gather == nil {
				return "", errors.New("telephony: gather action without gather settings")
			}
			r.Verbs = append(r.Verbs, gather(step.CallID, node, a.Gather, cb))
			r.Verbs = append(r.Verbs, twimlRedirect{Method: "POST", URL: cb.GatherTimeout(step.CallID, node)})
		case flow.ActionDial:
			if strings.TrimSpace(a.Destination) == "" {
				return "", errors.New("telephony: destination required for dial action")
			}
			d := twimlDial{Action: cb.Status(KindDial, step.CallID, node), Method: "POST"}
			// Prefer SIP if it looks like sip:... otherwise treat as a PSTN number.
			if strings.HasPrefix(strings.ToLower(a.Destination), "sip:") {
				d.Sip = &twimlSip{URI: a.Destination}
			} else {
				d.Number = a.Destination
			}
			r.Verbs = append(r.Verbs, d)
		case flow.ActionWait:
			r.Verbs = append(r.Verbs, twimlEnqueue{
				Action:  cb.Status(KindQueue, step.CallID, node),
				Method:  "POST",
				WaitURL: a.WaitURL,
				Queue:   a.QueueID,
			})
		case flow.ActionRecord:
			r.Verbs = append(r.Verbs, twimlRecord{
				Action:   cb.Status(KindRecord, step.CallID, node),
				Method:   "POST",
				PlayBeep: a.Beep,
			})
		case flow.ActionWhisper:
			if a.Prompt != "" {
				r.Verbs = append(r.Verbs, prompt(a.Prompt))
			}
			// The callee side answers through the status webhook; if nothing
			// arrives before the pause ends the whisper times out.
			r.Verbs = append(r.Verbs, twimlPause{Length: a.Seconds})
			r.Verbs = append(r.Verbs, twimlRedirect{Method: "POST", URL: cb.Status(KindWhisper, step.CallID, node)})
		case flow.ActionPause:
			if a.Seconds > 0 {
				r.Verbs = append(r.Verbs, twimlPause{Length: a.Seconds})
			}
		case flow.ActionHangup:
			r.Verbs = append(r.Verbs, twimlHangup{})
		default:
			return "", fmt.Errorf("telephony: unsupported action %q", a.Type)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// HangupTwiML is the response for calls that cannot be routed at all.
func HangupTwiML() string {
	out, _ := RenderTwiML(Step{Actions: []flow.Action{{Type: flow.ActionHangup}}}, Callbacks{})
	return out
}

func gather(callID, nodeID string, g *flow.Gather, cb Callbacks, inner ...any) twimlGather {
	return twimlGather{
		Input:       "dtmf",
		Action:      cb.Gather(callID, nodeID),
		Method:      "POST",
		NumDigits:   g.MaxDigits,
		Timeout:     g.TimeoutSec,
		FinishOnKey: g.FinishOnKey,
		Prompt:      inner,
	}
}

// prompt plays URLs and speaks anything else.
func prompt(p string) any {
	lower := strings.ToLower(p)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return twimlPlay{URL: p}
	}
	return twimlSay{Text: p}
}
