package httpapi

import (
	"callrouting-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the tenant API on g. g must already verify access tokens.
func (h Handlers) Register(g *gin.RouterGroup) {
	g.GET("/me", h.Me)

	flows := g.Group("/flows", rbac.RequireTenant())
	{
		flows.POST("/validate", rbac.RequirePermission(rbac.PermFlowsWrite), h.ValidateFlow)
		flows.POST("", rbac.RequirePermission(rbac.PermFlowsWrite), h.StoreFlow)
		flows.GET("", rbac.RequirePermission(rbac.PermFlowsRead), h.ListFlows)
		flows.GET("/:flow_id/versions", rbac.RequirePermission(rbac.PermFlowsRead), h.ListFlowVersions)
		flows.GET("/:flow_id/versions/:version", rbac.RequirePermission(rbac.PermFlowsRead), h.GetFlowVersion)
		flows.DELETE("/:flow_id/versions/:version", rbac.RequirePermission(rbac.PermFlowsWrite), h.DeleteFlowVersion)
		flows.POST("/:flow_id/versions/:version/publish", rbac.RequirePermission(rbac.PermFlowsPublish), h.PublishFlow)
		flows.POST("/:flow_id/rollback", rbac.RequirePermission(rbac.PermFlowsPublish), h.RollbackFlow)
		flows.GET("/:flow_id/published", rbac.RequirePermission(rbac.PermFlowsRead), h.GetPublishedFlow)
	}

	buyers := g.Group("/buyers", rbac.RequireTenant(), rbac.RequirePermission(rbac.PermRoutingRead))
	{
		buyers.GET("/:buyer_id/live-status", h.GetBuyerLiveStatus)
	}

	calls := g.Group("/calls", rbac.RequireTenant())
	{
		calls.POST("", rbac.RequirePermission(rbac.PermCallsControl), h.StartCall)
		calls.GET("/:call_id/state", rbac.RequirePermission(rbac.PermCallsRead), h.GetCallState)
		calls.POST("/:call_id/signals", rbac.RequirePermission(rbac.PermCallsControl), h.SignalCall)
		calls.POST("/:call_id/end", rbac.RequirePermission(rbac.PermCallsControl), h.EndCall)
	}

	events := g.Group("/events", rbac.RequireTenant(), rbac.RequirePermission(rbac.PermEventsRead))
	{
		events.GET("", h.ListEvents)
		events.GET("/live", h.StreamEvents)
	}

	reports := g.Group("/reports", rbac.RequireTenant(), rbac.RequirePermission(rbac.PermCallsRead))
	{
		reports.GET("/calls", h.CallsSummary)
		reports.GET("/buyers", h.BuyerReport)
	}

	g.GET("/audit", rbac.RequireTenant(), rbac.RequirePermission(rbac.PermAuditRead), h.ListAudit)
}
