package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"callrouting-platform/internal/eventbus"
	"callrouting-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxEventsPage = 1000

// ListEvents returns the tenant's share of the most recent bus entries,
// oldest first. limit applies before the tenant filter.
func (h Handlers) ListEvents(c *gin.Context) {
	if h.Bus == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event bus not configured"})
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	limit := queryInt(c, "limit", 100)
	if limit > maxEventsPage {
		limit = maxEventsPage
	}
	all, err := h.Bus.GetEvents(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	pattern := c.DefaultQuery("pattern", "*")
	out := make([]eventbus.Event, 0, len(all))
	for _, e := range all {
		if e.TenantID == tenantID && eventbus.MatchPattern(pattern, e.Event) {
			out = append(out, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// StreamEvents relays live broadcasts for the tenant as server-sent events.
// Slow clients lose events rather than stall the subscription.
func (h Handlers) StreamEvents(c *gin.Context) {
	if h.Bus == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event bus not configured"})
		return
	}
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	patterns := strings.Split(c.DefaultQuery("patterns", "*"), ",")
	ctx := c.Request.Context()
	log := logger.FromGin(c)

	ch := make(chan eventbus.Event, 64)
	unsubscribe, err := h.Bus.SubscribePubSub(ctx, patterns, func(_ context.Context, e eventbus.Event) error {
		if e.TenantID != tenantID {
			return nil
		}
		select {
		case ch <- e:
		default:
			log.Warn("sse client lagging, event dropped", "event", e.Event, "id", e.ID)
		}
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	defer unsubscribe()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	tick := time.NewTicker(heartbeat)
	defer tick.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			c.SSEvent(e.Event, e)
			c.Writer.Flush()
		case now := <-tick.C:
			c.SSEvent("ping", gin.H{"ts": now.UTC()})
			c.Writer.Flush()
		}
	}
}
