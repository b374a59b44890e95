package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callrouting-platform/pkg/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthzReportsRedisOutage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := gin.New()
	r.GET("/healthz", healthz(
		dependencyCheck{name: "postgres", check: func(context.Context) error { return nil }},
		dependencyCheck{name: "redis", check: func(ctx context.Context) error {
			return utils.RedisHealthCheck(ctx, rdb, time.Second)
		}},
	))

	get := func() (int, map[string]any) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return w.Code, body
	}

	code, body := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	mr.Close()
	code, body = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	errs, _ := body["errors"].(map[string]any)
	assert.Contains(t, errs, "redis")
	assert.NotContains(t, errs, "postgres")
}

func TestHealthzReportsEveryFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	down := func(context.Context) error { return errors.New("down") }
	r := gin.New()
	r.GET("/healthz", healthz(dependencyCheck{name: "postgres", check: down}, dependencyCheck{name: "redis", check: down}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Errors map[string]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"postgres": "down", "redis": "down"}, body.Errors)
}
