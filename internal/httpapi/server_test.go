package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/emmeowzing/threatstack-rule-manager/internal/reconcile"
	"github.com/emmeowzing/threatstack-rule-manager/internal/remote/remotetest"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

const (
	testOrg     = "5d7bb7c49f4d069836a064c2"
	testRuleset = "6bd566f5-d63c-11e9-bc18-196d1feb576b"
	testRule    = "7c1a4d2e-5b3f-4e6a-9d8c-0f1e2d3c4b5a"
	testToken   = "s3cret"
)

type testServer struct {
	server *Server
	remote *remotetest.Memory
	events *EventHub
}

func newTestServer(t *testing.T, cfg ServerConfig) *testServer {
	t.Helper()
	tree, err := rulestate.NewTree(t.TempDir())
	require.NoError(t, err)
	ledger, err := rulestate.NewLedger(rulestate.NewInMemoryBackend())
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	rem := remotetest.NewMemory()
	hub := NewEventHub(0)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	engine, err := reconcile.New(reconcile.Options{
		Tree:    tree,
		Ledger:  ledger,
		Client:  rem,
		Workers: 2,
		Logger:  logger,
		Metrics: reconcile.NewMetrics(registry),
		OnEvent: hub.Publish,
	})
	require.NoError(t, err)
	server := NewServer(Backend{Engine: engine, Registry: registry, Events: hub, Logger: logger}, cfg)
	return &testServer{server: server, remote: rem, events: hub}
}

type request struct {
	method string
	path   string
	body   any
	raw    string
	token  string
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	switch {
	case r.raw != "":
		body.WriteString(r.raw)
	case r.body != nil:
		require.NoError(t, json.NewEncoder(&body).Encode(r.body))
	}
	req := httptest.NewRequest(r.method, r.path, &body)
	req.Header.Set("X-Correlation-Id", "corr_test")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func ruleBody(name string) map[string]any {
	return map[string]any{
		"name":             name,
		"type":             "Host",
		"title":            name,
		"severityOfAlerts": 2,
		"filter":           `event_type = "login"`,
		"window":           86400,
		"enabled":          true,
	}
}

func setWorkspace(t *testing.T, ts *testServer) {
	t.Helper()
	rec := doRequest(t, ts.server, request{method: http.MethodPost, path: "/workspace", body: map[string]string{"workspace": testOrg}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	ts := newTestServer(t, ServerConfig{Token: testToken})

	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, ServerConfig{Token: testToken})

	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/workspace"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	errBody := decode[map[string]string](t, rec)
	assert.Equal(t, "unauthorized", errBody["code"])
	assert.Equal(t, "corr_test", errBody["correlationId"])

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/workspace", token: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/workspace", token: testToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkspaceSetAndGet(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})

	rec := doRequest(t, ts.server, request{method: http.MethodPost, path: "/workspace", body: map[string]string{"workspace": "not-an-org"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	setWorkspace(t, ts)
	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/workspace"})
	require.Equal(t, http.StatusOK, rec.Code)
	ws := decode[workspaceResponse](t, rec)
	assert.Equal(t, testOrg, ws.Workspace)
	assert.Empty(t, ws.Pending)
}

func TestCreatePlanAndPush(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	setWorkspace(t, ts)

	rec := doRequest(t, ts.server, request{method: http.MethodPost, path: "/ruleset", body: map[string]string{"name": "Prod", "description": "production"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rulesetID := decode[map[string]string](t, rec)["id"]
	assert.True(t, rulestate.IsPlaceholder(rulesetID))

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/rule", body: map[string]any{
		"ruleset_id": rulesetID,
		"data":       []any{map[string]any{"rule": ruleBody("ssh login")}},
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/plan"})
	require.Equal(t, http.StatusOK, rec.Code)
	plan := decode[reconcile.Plan](t, rec)
	require.Len(t, plan.Items, 3)
	assert.Equal(t, reconcile.KindRuleset, plan.Items[0].Kind)
	assert.Equal(t, reconcile.KindRule, plan.Items[1].Kind)
	assert.Equal(t, reconcile.KindTags, plan.Items[2].Kind)

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/rules?name=ssh*"})
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]reconcile.RulesetView](t, rec)
	require.Len(t, views, 1)
	require.Len(t, views[0].Rules, 1)
	assert.Equal(t, "ssh login", views[0].Rules[0].Rule.Name)

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/push", body: map[string]any{"organizations": []string{}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[reconcile.PushReport](t, rec)
	require.Len(t, report.Organizations, 1)
	assert.Equal(t, 3, report.Organizations[0].Succeeded)
	assert.Equal(t, []string{"Prod"}, ts.remote.RulesetNames(testOrg))
	assert.Equal(t, []string{"ssh login"}, ts.remote.RuleNames(testOrg))

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/plan"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[reconcile.Plan](t, rec).Items)
}

func TestEngineErrorsMapToStatusCodes(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	setWorkspace(t, ts)

	rec := doRequest(t, ts.server, request{method: http.MethodDelete, path: "/rule?rule_id=" + testRule})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, ts.server, request{method: http.MethodDelete, path: "/rule"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/ruleset", body: map[string]string{"name": "Prod"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	rulesetID := decode[map[string]string](t, rec)["id"]

	bad := ruleBody("bad")
	bad["severityOfAlerts"] = 9
	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/rule", body: map[string]any{
		"ruleset_id": rulesetID,
		"data":       []any{map[string]any{"rule": bad}},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/copy", raw: "{not json"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshAndCopy(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	setWorkspace(t, ts)
	ts.remote.Seed(testOrg, testRuleset, rulestate.Ruleset{Name: "Baseline", Description: "seeded"}, map[string]rulestate.Rule{
		testRule: {Name: "root login", Type: rulestate.RuleTypeHost, Severity: 1, Filter: "user = root", Enabled: true},
	})

	rec := doRequest(t, ts.server, request{method: http.MethodPost, path: "/refresh", body: map[string]any{"organizations": []string{testOrg}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refresh := decode[reconcile.RefreshReport](t, rec)
	require.Len(t, refresh.Organizations, 1)
	assert.Equal(t, 2, refresh.Organizations[0].Created)

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/rulesets"})
	require.Equal(t, http.StatusOK, rec.Code)
	rulesets := decode[[]reconcile.RulesetView](t, rec)
	require.Len(t, rulesets, 1)
	assert.Equal(t, "Baseline", rulesets[0].Ruleset.Name)
	assert.Empty(t, rulesets[0].Rules)

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/copy", body: map[string]any{
		"rulesets": []any{map[string]string{"ruleset_id": testRuleset}},
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	copied := decode[reconcile.CopyReport](t, rec)
	require.Len(t, copied.Rulesets, 1)
	assert.Equal(t, "Baseline - COPY", copied.Rulesets[0].Name)
	require.Len(t, copied.Rulesets[0].Rules, 1)

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/workspace"})
	assert.Equal(t, []string{testOrg}, decode[workspaceResponse](t, rec).Pending)
}

func TestRuleTagsUpdate(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	setWorkspace(t, ts)
	rec := doRequest(t, ts.server, request{method: http.MethodPost, path: "/ruleset", body: map[string]string{"name": "Prod"}})
	rulesetID := decode[map[string]string](t, rec)["id"]
	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/rule", body: map[string]any{
		"ruleset_id": rulesetID,
		"data":       []any{map[string]any{"rule": ruleBody("r1")}},
	}})
	require.Equal(t, http.StatusCreated, rec.Code)
	ruleID := decode[map[string][]string](t, rec)["ids"][0]

	rec = doRequest(t, ts.server, request{method: http.MethodPut, path: "/rule/tags", body: map[string]any{
		"rule_id": ruleID,
		"data": map[string]any{
			"inclusion": []any{map[string]string{"source": "ec2", "key": "env", "value": "prod"}},
			"exclusion": []any{},
		},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tags := decode[rulestate.Tags](t, rec)
	require.Len(t, tags.Inclusion, 1)
	assert.Equal(t, "env", tags.Inclusion[0].Key)
}

func TestRateLimiting(t *testing.T) {
	ts := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/workspace"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/workspace"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterWindowResets(t *testing.T) {
	limiter := &rateLimiter{window: time.Second, max: 1, entries: map[string]rateEntry{}}
	now := time.Now()
	assert.True(t, limiter.allow("a", now))
	assert.False(t, limiter.allow("a", now.Add(500*time.Millisecond)))
	assert.True(t, limiter.allow("b", now))
	assert.True(t, limiter.allow("a", now.Add(2*time.Second)))
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t, ServerConfig{MaxBodyBytes: 16})
	rec := doRequest(t, ts.server, request{method: http.MethodPost, path: "/workspace", body: map[string]string{"workspace": testOrg}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGitEpochsWithoutGit(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/git/epochs?organization=" + testOrg})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, ServerConfig{Token: testToken})
	srv := httptest.NewServer(ts.server)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?organization=" + testOrg
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Equal(t, 1, ts.events.Subscribers())
	ts.events.Publish(reconcile.Event{Type: reconcile.EventRefreshStarted, Organization: "6be3e51ad63c11e9bc1801fe680446ed"})
	ts.events.Publish(reconcile.Event{Type: reconcile.EventPushFinished, Organization: testOrg, Message: "done"})

	var ev reconcile.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, reconcile.EventPushFinished, ev.Type)
	assert.Equal(t, "done", ev.Message)
}

func TestEventHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewEventHub(1)
	events, unsubscribe := hub.Subscribe()
	hub.Publish(reconcile.Event{Type: reconcile.EventLocalEdit})
	hub.Publish(reconcile.Event{Type: reconcile.EventLocalEdit})
	assert.Equal(t, uint64(1), hub.Dropped())
	assert.Len(t, events, 1)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, hub.Subscribers())
}
