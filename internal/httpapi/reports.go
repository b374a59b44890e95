package httpapi

import (
	"net/http"
	"time"

	"callrouting-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

const defaultReportWindow = 24 * time.Hour

// CallsSummary reports call outcomes over ?from&to (RFC 3339, default the
// last 24h), optionally narrowed by ?campaign_id.
func (h Handlers) CallsSummary(c *gin.Context) {
	if !h.reportsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	r, ok := reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		TenantID: tenantID, Range: r, CampaignID: c.Query("campaign_id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// BuyerReport requires ?campaign_id.
func (h Handlers) BuyerReport(c *gin.Context) {
	if !h.reportsReady(c) {
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	r, ok := reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.BuyerReport(c.Request.Context(), reporting.BuyerReportRequest{
		TenantID: tenantID, Range: r, CampaignID: c.Query("campaign_id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) reportsReady(c *gin.Context) bool {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return false
	}
	return true
}

func reportRange(c *gin.Context) (reporting.TimeRange, bool) {
	now := time.Now().UTC()
	r := reporting.TimeRange{From: now.Add(-defaultReportWindow), To: now}
	for key, dst := range map[string]*time.Time{"from": &r.From, "to": &r.To} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC 3339"})
			return reporting.TimeRange{}, false
		}
		*dst = t
	}
	return r, true
}
