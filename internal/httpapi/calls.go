package httpapi

import (
	"net/http"

	"callrouting-platform/internal/flow"
	"callrouting-platform/internal/routing"
	"callrouting-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

type startCallRequest struct {
	CallID     string         `json:"callId"`
	FlowID     string         `json:"flowId"`
	CampaignID string         `json:"campaignId"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Variables  map[string]any `json:"variables"`
}

// StartCall runs the published flow for a new call until it first suspends.
// RBAC: calls:control.
func (h Handlers) StartCall(c *gin.Context) {
	if !h.callsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.FlowID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "flowId required"})
		return
	}
	ctx := routing.WithClientIP(c.Request.Context(), c.ClientIP())
	step, err := h.Calls.StartCall(ctx, telephony.StartRequest{
		CallID:     req.CallID,
		TenantID:   tenantID,
		FlowID:     req.FlowID,
		CampaignID: req.CampaignID,
		From:       req.From,
		To:         req.To,
		Variables:  req.Variables,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, step)
}

// SignalCall feeds one inbound event to a suspended call.
func (h Handlers) SignalCall(c *gin.Context) {
	if !h.callsReady(c) {
		return
	}
	callID, ok := h.ownedCall(c, false)
	if !ok {
		return
	}
	var ev flow.InboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil || ev.Type == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "event type required"})
		return
	}
	step, err := h.Calls.HandleSignal(c.Request.Context(), callID, ev)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}

type endCallRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) EndCall(c *gin.Context) {
	if !h.callsReady(c) {
		return
	}
	// Ending twice is a no-op.
	callID, ok := h.ownedCall(c, true)
	if !ok {
		return
	}
	var req endCallRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "normal"
	}
	if err := h.Calls.EndCall(c.Request.Context(), callID, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetCallState returns the live state document of a call.
func (h Handlers) GetCallState(c *gin.Context) {
	if h.States == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call state not configured"})
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	cs, err := h.States.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if cs == nil || cs.TenantID != tenantID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, cs)
}

// ownedCall resolves :call_id and checks it belongs to the caller's tenant.
// Calls of other tenants look missing.
func (h Handlers) ownedCall(c *gin.Context, allowEnded bool) (string, bool) {
	tenantID, ok := tenant(c)
	if !ok {
		return "", false
	}
	callID := c.Param("call_id")
	cs, err := h.States.Get(c.Request.Context(), callID)
	if err != nil {
		writeError(c, err)
		return "", false
	}
	if cs == nil || cs.TenantID != tenantID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return "", false
	}
	if cs.Status.Terminal() && !allowEnded {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call already ended", "status": cs.Status})
		return "", false
	}
	return callID, true
}

func (h Handlers) callsReady(c *gin.Context) bool {
	if h.Calls == nil || h.States == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call driver not configured"})
		return false
	}
	return true
}
