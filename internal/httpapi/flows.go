package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"callrouting-platform/internal/audit"
	"callrouting-platform/internal/auth"
	"callrouting-platform/internal/flow"
	"callrouting-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxFlowDocument = 1 << 20

// ValidateFlow parses and plans a document without storing it.
func (h Handlers) ValidateFlow(c *gin.Context) {
	doc, ok := readDocument(c)
	if !ok {
		return
	}
	f, plan, err := flow.ParseAndPlan(doc)
	if err != nil {
		if flow.IsLoadError(err) {
			writeError(c, err)
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"flowId":  f.ID,
		"version": f.Version,
		"entry":   f.Entry.Target,
		"nodes":   plan.NodeIDs(),
	})
}

// StoreFlow saves a new (or replaces an unpublished) flow version.
func (h Handlers) StoreFlow(c *gin.Context) {
	if !h.flowsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	doc, ok := readDocument(c)
	if !ok {
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	v, err := h.Flows.StoreFlow(c.Request.Context(), tenantID, userID, doc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h Handlers) ListFlows(c *gin.Context) {
	if !h.flowsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	ids, err := h.Flows.ListFlows(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": ids})
}

func (h Handlers) ListFlowVersions(c *gin.Context) {
	if !h.flowsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	vs, err := h.Flows.ListVersions(c.Request.Context(), tenantID, c.Param("flow_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": vs})
}

func (h Handlers) GetFlowVersion(c *gin.Context) {
	if !h.flowsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	version, ok := versionParam(c)
	if !ok {
		return
	}
	v, err := h.Flows.GetFlowVersion(c.Request.Context(), tenantID, c.Param("flow_id"), version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h Handlers) GetPublishedFlow(c *gin.Context) {
	if !h.flowsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	v, err := h.Flows.GetPublishedFlow(c.Request.Context(), tenantID, c.Param("flow_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// PublishFlow makes one version live. RBAC: flows:publish.
func (h Handlers) PublishFlow(c *gin.Context) {
	if !h.flowsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	version, ok := versionParam(c)
	if !ok {
		return
	}
	flowID := c.Param("flow_id")
	v, err := h.Flows.PublishFlow(c.Request.Context(), tenantID, flowID, version)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logChange(c, audit.EventTypeFlowPublished, tenantID, flowID, version)
	c.JSON(http.StatusOK, v)
}

type rollbackRequest struct {
	Version int `json:"version"`
}

func (h Handlers) RollbackFlow(c *gin.Context) {
	if !h.flowsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Version <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "version required"})
		return
	}
	flowID := c.Param("flow_id")
	v, err := h.Flows.Rollback(c.Request.Context(), tenantID, flowID, req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logChange(c, audit.EventTypeFlowRolledBack, tenantID, flowID, req.Version)
	c.JSON(http.StatusOK, v)
}

func (h Handlers) DeleteFlowVersion(c *gin.Context) {
	if !h.flowsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	version, ok := versionParam(c)
	if !ok {
		return
	}
	flowID := c.Param("flow_id")
	deleted, err := h.Flows.DeleteVersion(c.Request.Context(), tenantID, flowID, version)
	if err != nil {
		writeError(c, err)
		return
	}
	if !deleted {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.logChange(c, audit.EventTypeFlowDeleted, tenantID, flowID, version)
	c.Status(http.StatusNoContent)
}

// logChange never fails the request; the change itself already happened.
func (h Handlers) logChange(c *gin.Context, typ audit.EventType, tenantID, flowID string, version int) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.LogFlowChange(c.Request.Context(), typ, tenantID, flowID, version, actor(c)); err != nil {
		logger.FromGin(c).Error("audit write failed", "type", typ, "flow_id", flowID, "version", version, "err", err)
	}
}

func (h Handlers) flowsReady(c *gin.Context) bool {
	if h.Flows == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "flows not configured"})
		return false
	}
	return true
}

// readDocument accepts a raw JSON or YAML body.
func readDocument(c *gin.Context) ([]byte, bool) {
	doc, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFlowDocument+1))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return nil, false
	}
	if len(doc) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "flow document required"})
		return nil, false
	}
	if len(doc) > maxFlowDocument {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "flow document too large"})
		return nil, false
	}
	return doc, true
}

func versionParam(c *gin.Context) (int, bool) {
	v, err := strconv.Atoi(c.Param("version"))
	if err != nil || v <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "version must be a positive integer"})
		return 0, false
	}
	return v, true
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
