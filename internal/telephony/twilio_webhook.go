package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"callrouting-platform/internal/flow"
)

// TwilioForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
//
// Keep it minimal and provider-adapter-only.
// Routing decisions are not made here.
type TwilioForm struct {
	CallSid        string
	AccountSid     string
	From           string
	To             string
	Direction      string
	CallStatus     string
	CallerName     string
	ForwardedFrom  string
	Digits         string
	DialCallStatus string
	QueueResult    string
	RecordingURL   string
	RecordingSid   string
	// Accepted is the callee's answer to a whisper ("1" accepts).
	Accepted string
}

func ParseTwilioForm(r *http.Request) (TwilioForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioForm{}, err
	}
	f := TwilioForm{
		CallSid:        r.PostFormValue("CallSid"),
		AccountSid:     r.PostFormValue("AccountSid"),
		From:           normalizePhone(r.PostFormValue("From")),
		To:             normalizePhone(r.PostFormValue("To")),
		Direction:      r.PostFormValue("Direction"),
		CallStatus:     r.PostFormValue("CallStatus"),
		CallerName:     r.PostFormValue("CallerName"),
		ForwardedFrom:  normalizePhone(r.PostFormValue("ForwardedFrom")),
		Digits:         r.PostFormValue("Digits"),
		DialCallStatus: r.PostFormValue("DialCallStatus"),
		QueueResult:    r.PostFormValue("QueueResult"),
		RecordingURL:   r.PostFormValue("RecordingUrl"),
		RecordingSid:   r.PostFormValue("RecordingSid"),
		Accepted:       r.PostFormValue("Accepted"),
	}
	return f, nil
}

// StartRequest builds the driver request for a resolved inbound call.
func (f TwilioForm) StartRequest(route NumberRoute) StartRequest {
	vars := map[string]any{
		"caller": map[string]any{
			"number":        f.From,
			"name":          f.CallerName,
			"forwardedFrom": f.ForwardedFrom,
		},
		"provider": "twilio",
	}
	return StartRequest{
		CallID:     f.CallSid,
		TenantID:   route.TenantID,
		FlowID:     route.FlowID,
		CampaignID: route.CampaignID,
		From:       f.From,
		To:         f.To,
		Variables:  vars,
	}
}

// CallEnd is a terminal call status and how the driver should treat it.
type CallEnd struct {
	Reason string
	Failed bool
}

// EndOf maps a CallStatus callback to a call end. ok is false while the call
// is still live.
func EndOf(callStatus string) (CallEnd, bool) {
	switch callStatus {
	case "completed":
		return CallEnd{Reason: "normal"}, true
	case "busy":
		return CallEnd{Reason: "busy"}, true
	case "no-answer":
		return CallEnd{Reason: "timeout"}, true
	case "canceled":
		return CallEnd{Reason: "canceled"}, true
	case "failed":
		return CallEnd{Reason: "error", Failed: true}, true
	}
	return CallEnd{}, false
}

// SignalFor turns an action callback into the event the waiting node expects.
// ok is false when the callback carries nothing to resume with.
func (f TwilioForm) SignalFor(kind string) (flow.InboundEvent, bool) {
	switch kind {
	case KindDial:
		switch f.DialCallStatus {
		case "completed", "answered":
			return flow.InboundEvent{}, false
		}
		return flow.InboundEvent{Type: flow.EventDialFailed, Data: map[string]any{"dialCallStatus": f.DialCallStatus}}, true
	case KindQueue:
		switch f.QueueResult {
		case "bridged", "bridging-in-process":
			return flow.InboundEvent{Type: flow.EventQueueConnected}, true
		case "queue-full":
			return flow.InboundEvent{Type: flow.EventQueueFull}, true
		case "hangup":
			return flow.InboundEvent{}, false
		}
		return flow.InboundEvent{Type: flow.EventQueueTimeout, Data: map[string]any{"queueResult": f.QueueResult}}, true
	case KindRecord:
		if f.RecordingURL == "" {
			return flow.InboundEvent{Type: flow.EventRecordingFailed}, true
		}
		return flow.InboundEvent{Type: flow.EventRecordingCompleted, URL: f.RecordingURL, Data: map[string]any{"recordingSid": f.RecordingSid}}, true
	case KindWhisper:
		switch f.Accepted {
		case "1", "true":
			return flow.InboundEvent{Type: flow.EventWhisperAccepted}, true
		case "0", "false":
			return flow.InboundEvent{Type: flow.EventWhisperRejected}, true
		}
		return flow.InboundEvent{Type: flow.EventWhisperTimeout}, true
	}
	return flow.InboundEvent{}, false
}

var ErrBadSignature = errors.New("telephony: invalid twilio signature")

// SignatureValidator checks X-Twilio-Signature: base64(HMAC-SHA1(token,
// url + sorted form key/value pairs)).
type SignatureValidator struct {
	AuthToken string
	// BaseURL replaces scheme and host of the request URL, since behind a
	// proxy the request does not carry the URL Twilio signed.
	BaseURL string
}

func (v SignatureValidator) Validate(r *http.Request) error {
	got := r.Header.Get("X-Twilio-Signature")
	if got == "" || v.AuthToken == "" {
		return ErrBadSignature
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	want := v.sign(v.signedURL(r), r.PostForm)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrBadSignature
	}
	return nil
}

func (v SignatureValidator) signedURL(r *http.Request) string {
	if v.BaseURL != "" {
		return strings.TrimRight(v.BaseURL, "/") + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (v SignatureValidator) sign(fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, val := range form[k] {
			b.WriteString(k)
			b.WriteString(val)
		}
	}
	mac := hmac.New(sha1.New, []byte(v.AuthToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
