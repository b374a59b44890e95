package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callrouting-platform/internal/audit"
	"callrouting-platform/internal/auth"
	"callrouting-platform/internal/calls"
	"callrouting-platform/internal/callstate"
	"callrouting-platform/internal/config"
	"callrouting-platform/internal/eventbus"
	"callrouting-platform/internal/flow"
	"callrouting-platform/internal/flowstore"
	"callrouting-platform/internal/rbac"
	"callrouting-platform/internal/reporting"
	"callrouting-platform/internal/routing"
	"callrouting-platform/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const menuFlow = `{
  "id": "menu", "name": "menu", "version": 1,
  "entry": {"type": "entry", "target": "menu"},
  "nodes": [
    {"id": "menu", "type": "ivr", "prompt": "press 1 for sales", "timeout": 5,
     "choices": [{"digits": "1", "target": "sales"}], "default": "bye"},
    {"id": "sales", "type": "tag", "tags": {"dept": "sales"}, "next": "bye"},
    {"id": "bye", "type": "hangup"}
  ]
}`

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

type apiHarness struct {
	router *gin.Engine
	auth   *auth.Manager
	audit  *audit.MemoryRepo
	bus    *eventbus.MemoryBus
	dir    *routing.MemoryDirectory
	calls  *calls.MemoryRepo
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)

	bus := eventbus.NewMemoryBus(eventbus.MemoryOptions{})
	states := callstate.NewStore(callstate.NewMemoryBackend(nil), callstate.Options{})
	flows := flowstore.NewService(flowstore.NewMemoryRepo(), flowstore.NewRegistry(), flowstore.Options{Bus: bus})
	auditRepo := audit.NewMemoryRepo()
	dir := routing.NewMemoryDirectory()
	callRepo := calls.NewMemoryRepo()
	live := routing.NewLiveStatusProvider(callRepo, dir)
	selector := routing.NewSelector(live, dir, dir, routing.SelectorOptions{})
	driver := telephony.NewDriver(states, bus, flows, flow.NewExecutor(selector), telephony.DriverOptions{
		AfterFunc: func(time.Duration, func()) telephony.Stopper { return noopTimer{} },
	})

	h := Handlers{
		Auth:       m,
		Flows:      flows,
		Audit:      audit.NewService(auditRepo),
		LiveStatus: live,
		States:     states,
		Calls:      driver,
		Bus:        bus,
		Reports:    reporting.NewService(callRepo),
	}
	r := gin.New()
	h.Register(r.Group("/v1", auth.RequireAccessToken(m)))
	return &apiHarness{router: r, auth: m, audit: auditRepo, bus: bus, dir: dir, calls: callRepo}
}

func (a *apiHarness) do(t *testing.T, tenantID, role, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if tenantID != "" {
		tok, err := a.auth.IssueAccess(time.Now(), "user-1", tenantID, role, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestFlowLifecycle(t *testing.T) {
	a := newAPI(t)

	w := a.do(t, "t1", rbac.RoleOwner, http.MethodPost, "/v1/flows", []byte(menuFlow))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "menu", decode(t, w)["flowId"])

	w = a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/flows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"menu"}, decode(t, w)["flows"])

	w = a.do(t, "t1", rbac.RoleOwner, http.MethodGet, "/v1/flows/menu/published", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, "t1", rbac.RoleOwner, http.MethodPost, "/v1/flows/menu/versions/1/publish", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["published"])

	w = a.do(t, "t1", rbac.RoleOwner, http.MethodDelete, "/v1/flows/menu/versions/1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Other tenants never see the flow.
	w = a.do(t, "t2", rbac.RoleOwner, http.MethodGet, "/v1/flows/menu/versions/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	events := a.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeFlowPublished, events[0].Type)
	assert.Equal(t, "user-1", events[0].ActorUserID)
	assert.Equal(t, "t1", events[0].TenantID)

	w = a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["events"], 1)
}

func TestValidateFlowReportsCauses(t *testing.T) {
	a := newAPI(t)

	w := a.do(t, "t1", rbac.RoleFlowEditor, http.MethodPost, "/v1/flows/validate", []byte(`{"id": "x", "nodes": []}`))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.NotEmpty(t, decode(t, w)["causes"])

	w = a.do(t, "t1", rbac.RoleFlowEditor, http.MethodPost, "/v1/flows/validate", []byte(menuFlow))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "menu", body["entry"])
}

func TestAccessControl(t *testing.T) {
	a := newAPI(t)

	w := a.do(t, "", "", http.MethodGet, "/v1/flows", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(t, "t1", rbac.RoleAnalyst, http.MethodPost, "/v1/flows", []byte(menuFlow))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, "t1", rbac.RoleAgent, http.MethodGet, "/v1/events", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCallLifecycle(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.do(t, "t1", rbac.RoleOwner, http.MethodPost, "/v1/flows", []byte(menuFlow)).Code)
	require.Equal(t, http.StatusOK, a.do(t, "t1", rbac.RoleOwner, http.MethodPost, "/v1/flows/menu/versions/1/publish", nil).Code)

	start, _ := json.Marshal(map[string]any{"callId": "call-1", "flowId": "menu", "from": "+15550100", "to": "+15550199"})
	w := a.do(t, "t1", rbac.RoleAgent, http.MethodPost, "/v1/calls", start)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	step := decode(t, w)
	assert.Equal(t, "menu", step["currentNodeId"])
	assert.Equal(t, false, step["terminal"])

	w = a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/calls/call-1/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "initiated", decode(t, w)["status"])

	w = a.do(t, "t2", rbac.RoleOwner, http.MethodGet, "/v1/calls/call-1/state", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do(t, "t2", rbac.RoleOwner, http.MethodPost, "/v1/calls/call-1/signals", []byte(`{"type":"dtmf.received","digits":"1"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, "t1", rbac.RoleAgent, http.MethodPost, "/v1/calls/call-1/signals", []byte(`{"type":"dtmf.received","digits":"1"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["terminal"])

	w = a.do(t, "t1", rbac.RoleAgent, http.MethodPost, "/v1/calls/call-1/signals", []byte(`{"type":"dtmf.received","digits":"1"}`))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, "t1", rbac.RoleAgent, http.MethodPost, "/v1/calls/call-1/end", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = a.do(t, "t1", rbac.RoleAgent, http.MethodPost, "/v1/calls/call-1/signals", []byte(`{}`))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListEventsIsTenantScoped(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	_, err := a.bus.Publish(ctx, eventbus.ChannelCall, eventbus.Payload{Event: "call.started", TenantID: "t1", Data: map[string]any{"callId": "a"}})
	require.NoError(t, err)
	_, err = a.bus.Publish(ctx, eventbus.ChannelCall, eventbus.Payload{Event: "call.started", TenantID: "t2", Data: map[string]any{"callId": "b"}})
	require.NoError(t, err)
	_, err = a.bus.Publish(ctx, eventbus.ChannelCall, eventbus.Payload{Event: "call.ended", TenantID: "t1", Data: map[string]any{"callId": "a"}})
	require.NoError(t, err)

	w := a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/events?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []eventbus.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, "call.started", body.Events[0].Event)
	assert.Equal(t, "call.ended", body.Events[1].Event)

	w = a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/events?pattern=call.ended", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Events, 1)
}

func TestBuyerLiveStatusIsTenantScoped(t *testing.T) {
	a := newAPI(t)
	a.dir.AddBuyer("camp", routing.Buyer{ID: "acme", TenantID: "t1", Active: true, Targets: []routing.Target{
		{ID: "acme-1", Destination: "+15550001", MaxConcurrency: 2, Active: true},
	}})

	w := a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/buyers/acme/live-status", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "acme", body["buyerId"])
	assert.EqualValues(t, 0, body["totalLiveCalls"])

	w = a.do(t, "t2", rbac.RoleAnalyst, http.MethodGet, "/v1/buyers/acme/live-status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallReports(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Hour)
	for _, c := range []calls.Call{
		{CallID: "c1", TenantID: "t1", CampaignID: "camp", BuyerID: "acme", Status: callstate.StatusCompleted, EndReason: "normal", CreatedAt: now, UpdatedAt: now.Add(time.Minute)},
		{CallID: "c2", TenantID: "t1", CampaignID: "camp", Status: callstate.StatusRinging, CreatedAt: now, UpdatedAt: now},
		{CallID: "c3", TenantID: "t2", CampaignID: "camp", BuyerID: "acme", Status: callstate.StatusCompleted, CreatedAt: now, UpdatedAt: now},
	} {
		require.NoError(t, a.calls.Upsert(ctx, c))
	}

	w := a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/reports/calls", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary reporting.CallsSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.TotalCalls)
	assert.Equal(t, 1, summary.RoutedCalls)
	assert.Equal(t, 60, summary.AverageDurationSeconds)

	w = a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/reports/buyers?campaign_id=camp", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var buyers reporting.BuyerReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &buyers))
	require.Len(t, buyers.Buyers, 1)
	assert.Equal(t, 1, buyers.Buyers[0].CallsRouted)
	assert.Equal(t, 1, buyers.Unrouted)

	w = a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/reports/buyers", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, "t1", rbac.RoleAnalyst, http.MethodGet, "/v1/reports/calls?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
