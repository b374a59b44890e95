package telephony

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"callrouting-platform/internal/flow"
	"callrouting-platform/internal/routing"
	"callrouting-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallDriver is the part of *Driver the webhooks need.
type CallDriver interface {
	StartCall(ctx context.Context, req StartRequest) (Step, error)
	HandleSignal(ctx context.Context, callID string, ev flow.InboundEvent) (Step, error)
	EndCall(ctx context.Context, callID, reason string) error
	FailCall(ctx context.Context, callID, reason string) error
}

// TwilioWebhookHandler converts Twilio webhooks to driver calls and writes
// TwiML. Tenant scoping comes from the dialed number.
//
// No routing logic here.
type TwilioWebhookHandler struct {
	Driver    CallDriver
	Numbers   NumberResolver
	Callbacks Callbacks
	// Signature is nil when signature checks are disabled.
	Signature *SignatureValidator
}

// Register mounts the webhook routes on g.
func (h TwilioWebhookHandler) Register(g gin.IRoutes) {
	g.POST("/voice", h.verify, h.HandleVoice)
	g.POST("/gather", h.verify, h.HandleGather)
	g.POST("/status", h.verify, h.HandleStatus)
}

func (h TwilioWebhookHandler) verify(c *gin.Context) {
	if h.Signature == nil {
		c.Next()
		return
	}
	if err := h.Signature.Validate(c.Request); err != nil {
		logger.FromGin(c).Warn("twilio signature rejected", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}
	c.Next()
}

// HandleVoice answers a new inbound call.
func (h TwilioWebhookHandler) HandleVoice(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioForm(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	route, err := h.Numbers.Resolve(c.Request.Context(), form.To)
	if err != nil {
		log.Warn("number resolution failed", "to", form.To, "err", err)
		h.writeXML(c, HangupTwiML())
		return
	}

	ctx := routing.WithClientIP(c.Request.Context(), c.ClientIP())
	step, err := h.Driver.StartCall(ctx, form.StartRequest(route))
	if err != nil {
		log.Error("start call failed", "call_sid", form.CallSid, "tenant_id", route.TenantID, "flow_id", route.FlowID, "err", err)
		h.writeXML(c, HangupTwiML())
		return
	}
	h.render(c, step)
}

// HandleGather receives digits, or an empty post when Twilio's Gather timed out.
func (h TwilioWebhookHandler) HandleGather(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioForm(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	callID := c.Query("callId")
	if callID == "" {
		callID = form.CallSid
	}

	ev := flow.InboundEvent{Type: flow.EventDTMF, Digits: form.Digits, Data: map[string]any{"nodeId": c.Query("nodeId")}}
	if form.Digits == "" || c.Query("timeout") != "" {
		ev = flow.InboundEvent{Type: flow.EventIVRTimeout, Data: map[string]any{"nodeId": c.Query("nodeId")}}
	}

	step, err := h.Driver.HandleSignal(c.Request.Context(), callID, ev)
	if err != nil {
		h.fail(c, log, callID, ev.Type, err)
		return
	}
	h.render(c, step)
}

// HandleStatus receives call status callbacks and verb action callbacks
// (dial, queue, record, whisper), told apart by the kind query parameter.
func (h TwilioWebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioForm(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	callID := c.Query("callId")
	if callID == "" {
		callID = form.CallSid
	}
	ctx := c.Request.Context()

	kind := c.Query("kind")
	if kind == "" {
		h.callStatus(c, log, callID, form)
		return
	}

	ev, ok := form.SignalFor(kind)
	if !ok {
		// Bridged dial finished or the caller hung up in queue.
		if err := h.Driver.EndCall(ctx, callID, "normal"); err != nil {
			h.fail(c, log, callID, kind, err)
			return
		}
		h.writeXML(c, HangupTwiML())
		return
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	ev.Data["nodeId"] = c.Query("nodeId")

	step, err := h.Driver.HandleSignal(ctx, callID, ev)
	if err != nil {
		h.fail(c, log, callID, ev.Type, err)
		return
	}
	h.render(c, step)
}

func (h TwilioWebhookHandler) callStatus(c *gin.Context, log *slog.Logger, callID string, form TwilioForm) {
	ctx := c.Request.Context()
	switch form.CallStatus {
	case "in-progress", "answered":
		if _, err := h.Driver.HandleSignal(ctx, callID, flow.InboundEvent{Type: flow.EventCallAnswered}); err != nil && !errors.Is(err, ErrCallEnded) {
			log.Error("mark answered failed", "call_id", callID, "err", err)
		}
	default:
		end, ok := EndOf(form.CallStatus)
		if !ok {
			break
		}
		finish := h.Driver.EndCall
		if end.Failed {
			finish = h.Driver.FailCall
		}
		if err := finish(ctx, callID, end.Reason); err != nil && !errors.Is(err, ErrCallNotFound) {
			log.Error("end call failed", "call_id", callID, "err", err)
		}
	}
	log.Info("twilio call status", "call_id", callID, "status", form.CallStatus)
	c.Status(http.StatusNoContent)
}

func (h TwilioWebhookHandler) fail(c *gin.Context, log *slog.Logger, callID, event string, err error) {
	log.Warn("twilio signal failed", "call_id", callID, "event", event, "err", err)
	switch {
	case errors.Is(err, ErrCallNotFound), errors.Is(err, ErrCallEnded):
		h.writeXML(c, HangupTwiML())
	case errors.Is(err, ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	default:
		// The driver already failed the call; end it on the Twilio side too.
		h.writeXML(c, HangupTwiML())
	}
}

func (h TwilioWebhookHandler) render(c *gin.Context, step Step) {
	twiml, err := RenderTwiML(step, h.Callbacks)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "call_id", step.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	h.writeXML(c, twiml)
}

func (h TwilioWebhookHandler) writeXML(c *gin.Context, twiml string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
