package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"callrouting-platform/internal/config"
	"callrouting-platform/internal/httpapi"
	"callrouting-platform/internal/telephony"
	"callrouting-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Route registration only. Keep this file free of business logic.

const healthTimeout = 2 * time.Second

// dependencyCheck is one backing store checked by /healthz.
type dependencyCheck struct {
	name  string
	check func(ctx context.Context) error
}

// healthz reports 503 when any dependency fails, naming each failure.
func healthz(checks ...dependencyCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		failed := gin.H{}
		for _, dc := range checks {
			if err := dc.check(c.Request.Context()); err != nil {
				failed[dc.name] = err.Error()
			}
		}
		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "errors": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func registerPublicRoutes(r *gin.Engine, cfg config.Config, db *sql.DB, rdb redis.UniversalClient, d deps) {
	r.GET("/healthz", healthz(
		dependencyCheck{name: "postgres", check: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, db, healthTimeout)
		}},
		dependencyCheck{name: "redis", check: func(ctx context.Context) error {
			return utils.RedisHealthCheck(ctx, rdb, healthTimeout)
		}},
	))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhooks. Authenticated by X-Twilio-Signature, not JWT.
	var sig *telephony.SignatureValidator
	if !cfg.Twilio.SkipSignature {
		sig = &telephony.SignatureValidator{AuthToken: cfg.Twilio.AuthToken, BaseURL: cfg.Twilio.PublicBaseURL}
	}
	telephony.TwilioWebhookHandler{
		Driver:    d.driver,
		Numbers:   d.numbers,
		Callbacks: telephony.Callbacks{BaseURL: cfg.Twilio.PublicBaseURL},
		Signature: sig,
	}.Register(r.Group("/webhooks/twilio"))
}

// registerAuthRoutes exposes token issuance outside production only.
// NOTE: login does not check credentials.
func registerAuthRoutes(r *gin.Engine, cfg config.Config, d deps) {
	if cfg.IsProduction() {
		return
	}
	h := httpapi.Handlers{Auth: d.auth}
	r.POST("/v1/auth/login", h.Login)
}

func registerProtectedRoutes(r *gin.Engine, authMW gin.HandlerFunc, d deps) {
	h := httpapi.Handlers{
		Auth:       d.auth,
		Flows:      d.flows,
		Audit:      d.audit,
		LiveStatus: d.live,
		States:     d.states,
		Calls:      d.driver,
		Bus:        d.bus,
		Reports:    d.reports,
	}
	h.Register(r.Group("/v1", authMW))
}
