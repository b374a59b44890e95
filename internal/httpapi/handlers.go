package httpapi

import (
	"errors"
	"net/http"
	"time"

	"callrouting-platform/internal/audit"
	"callrouting-platform/internal/auth"
	"callrouting-platform/internal/callstate"
	"callrouting-platform/internal/eventbus"
	"callrouting-platform/internal/flow"
	"callrouting-platform/internal/flowstore"
	"callrouting-platform/internal/reporting"
	"callrouting-platform/internal/routing"
	"callrouting-platform/internal/telephony"
	"callrouting-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth       *auth.Manager
	Flows      *flowstore.Service
	Audit      *audit.Service
	LiveStatus *routing.LiveStatusProvider
	States     *callstate.Store
	Calls      telephony.CallDriver
	Bus        eventbus.Bus
	Reports    *reporting.Service

	// Heartbeat is the idle interval between SSE keep-alives. Zero means 15s.
	Heartbeat time.Duration
}

// --- Auth ---

type loginRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.TenantID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, tenant_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.TenantID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "tenant_id": id.TenantID, "role": id.Role})
}

// --- Buyers ---

func (h Handlers) GetBuyerLiveStatus(c *gin.Context) {
	if h.LiveStatus == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "routing not configured"})
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	status, err := h.LiveStatus.TenantBuyerLiveStatus(c.Request.Context(), tenantID, c.Param("buyer_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// --- Audit ---

func (h Handlers) ListAudit(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	events, err := h.Audit.Recent(c.Request.Context(), tenantID, queryInt(c, "limit", 100))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func tenant(c *gin.Context) (string, bool) {
	tenantID, err := auth.TenantID(c.Request.Context())
	if err != nil || tenantID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return "", false
	}
	return tenantID, true
}

func actor(c *gin.Context) audit.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return audit.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}
}

// writeError maps domain errors to status codes. Flow load errors carry
// their causes so editors can show them next to the offending node.
func writeError(c *gin.Context, err error) {
	var (
		se *flow.SchemaError
		pe *flow.ParseError
		re *flow.ReferenceError
	)
	switch {
	case errors.As(err, &se):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "schema validation failed", "causes": se.Causes})
	case errors.As(err, &pe):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": pe.Error()})
	case errors.As(err, &re):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": re.Error()})
	case errors.Is(err, flowstore.ErrNotFound),
		errors.Is(err, flowstore.ErrNothingPublished),
		errors.Is(err, routing.ErrUnknownBuyer),
		errors.Is(err, telephony.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, flowstore.ErrPublishedVersion),
		errors.Is(err, telephony.ErrCallExists),
		errors.Is(err, telephony.ErrCallEnded),
		errors.Is(err, callstate.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, flowstore.ErrInvalidArgument),
		errors.Is(err, telephony.ErrInvalidArgument),
		errors.Is(err, audit.ErrInvalidEvent),
		errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
