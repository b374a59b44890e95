package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNewWriterTagsProcessAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "prod", "worker")
	l.Debug("hidden")
	l.Info("shown")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "shown" || line["process"] != "worker" {
		t.Fatalf("unexpected line: %v", line)
	}
}

func TestFromFallsBack(t *testing.T) {
	def := NewWriter(&bytes.Buffer{}, "dev", "")
	if got := FromOr(context.Background(), def); got != def {
		t.Fatalf("expected fallback logger")
	}
	l := NewWriter(&bytes.Buffer{}, "dev", "api")
	if got := FromOr(With(context.Background(), l), def); got != l {
		t.Fatalf("expected stored logger")
	}
}

func TestMiddlewareCorrelatesRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewWriter(&buf, "dev", "api")

	var fromCtx bool
	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/v1/calls/:call_id/state", func(c *gin.Context) {
		fromCtx = From(c.Request.Context()) == FromGin(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/c-1/state", nil)
	req.Header.Set(headerRequestID, "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get(headerRequestID) != "rid-1" {
		t.Fatalf("request id not echoed")
	}
	if !fromCtx {
		t.Fatalf("request context does not carry the request logger")
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("bad log line %q: %v", buf.String(), err)
	}
	if line["request_id"] != "rid-1" || line["call_id"] != "c-1" {
		t.Fatalf("unexpected log line: %v", line)
	}
}
