package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/backend/fleetwatch/internal/alerts"
	"aegisflux/backend/fleetwatch/internal/dispatch"
	"aegisflux/backend/fleetwatch/internal/events"
	"aegisflux/backend/fleetwatch/internal/health"
	"aegisflux/backend/fleetwatch/internal/ingest"
	"aegisflux/backend/fleetwatch/internal/metrics"
	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/policy"
	"aegisflux/backend/fleetwatch/internal/reconcile"
	"aegisflux/backend/fleetwatch/internal/registry"
	"aegisflux/backend/fleetwatch/internal/store/memory"
	"aegisflux/backend/fleetwatch/internal/validate"
)

type testServer struct {
	store   *memory.Store
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	st := memory.New()
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	em := events.NewEmitter(events.Nop{}, m, logger)
	reg := registry.New(st, logger)

	ps := policy.NewStore(st, time.Second, logger)
	require.NoError(t, ps.Init(ctx, &model.Policy{
		BlockedKeywords: model.NewStringSet("torrent", "proxy", "nmap", "wireshark", "metasploit"),
		Thresholds:      model.Thresholds{BandwidthBytes: 500 * 1024 * 1024, CPUPercent: 90, ConnectionCount: 100},
	}))

	d, err := dispatch.New(st, reg, em, m, logger, dispatch.Options{StoreTimeout: time.Second})
	require.NoError(t, err)
	v, err := validate.NewSchemaValidator(logger)
	require.NoError(t, err)

	srv := NewServer(Deps{
		Pipeline:   ingest.NewPipeline(v, st, reg, ps, em, m, time.Second, logger),
		Dispatcher: d,
		Policy:     policy.NewService(ps, d, em, logger),
		Alerts:     alerts.NewManager(st, em, m, time.Second, logger),
		Registry:   reg,
		Reconciler: reconcile.New(d, reg, ps, st, m, 0, 0, logger),
		Health:     health.NewChecker(st, nil, logger),
		Gatherer:   promReg,
		Logger:     logger,
	}, 5*time.Second)

	return &testServer{store: st, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (ts *testServer) report(t *testing.T, r model.ActivityReport) model.IngestResult {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/activity", r)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[model.IngestResult](t, rr)
}

func TestPostActivity(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantField  string
		wantAlerts int
	}{
		{
			name:       "clean report",
			body:       model.ActivityReport{EndpointID: "lab-01", ProcessNames: []string{"chrome.exe"}, CPUPercent: 10},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "blocked process",
			body:       model.ActivityReport{EndpointID: "lab-01", ProcessNames: []string{"utorrent.exe"}},
			wantStatus: http.StatusCreated,
			wantAlerts: 1,
		},
		{
			name:       "empty endpoint",
			body:       model.ActivityReport{EndpointID: ""},
			wantStatus: http.StatusBadRequest,
			wantField:  "endpoint_id",
		},
		{
			name:       "cpu out of range",
			body:       model.ActivityReport{EndpointID: "lab-01", CPUPercent: 150},
			wantStatus: http.StatusBadRequest,
			wantField:  "cpu_percent",
		},
		{
			name:       "malformed json",
			body:       `{"endpoint_id":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty body",
			body:       nil,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/activity", tt.body)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())

			if tt.wantStatus != http.StatusCreated {
				resp := decodeBody[ErrorResponse](t, rr)
				assert.NotEmpty(t, resp.Error)
				assert.Equal(t, tt.wantField, resp.Field)
				return
			}
			res := decodeBody[model.IngestResult](t, rr)
			assert.NotEmpty(t, res.ActivityID)
			assert.Len(t, res.AlertsCreated, tt.wantAlerts)
		})
	}
}

func TestBlockDomainFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.report(t, model.ActivityReport{EndpointID: "A"})
	ts.report(t, model.ActivityReport{EndpointID: "B"})

	rr := ts.do(t, http.MethodPost, "/policy/domains/blocked", map[string]string{"domain": "Evil.COM"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	fan := decodeBody[model.FanOutResult](t, rr)
	assert.Equal(t, "evil.com", fan.Domain)
	assert.Equal(t, 2, fan.CommandsCreated)
	assert.ElementsMatch(t, []string{"A", "B"}, fan.EndpointIDs)

	rr = ts.do(t, http.MethodGet, "/commands?endpoint_id=A", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	pending := decodeBody[PendingResponse](t, rr)
	assert.Equal(t, "A", pending.EndpointID)
	require.Equal(t, 1, pending.Count)
	assert.Equal(t, model.CommandBlockDomain, pending.Commands[0].Kind)
	assert.Equal(t, "evil.com", pending.Commands[0].Domain)
	assert.Equal(t, "Blocked by policy", pending.Commands[0].Reason)

	// delivered once
	rr = ts.do(t, http.MethodGet, "/commands?endpoint_id=A", nil)
	assert.Equal(t, 0, decodeBody[PendingResponse](t, rr).Count)

	rr = ts.do(t, http.MethodGet, "/commands/blocked-domains?endpoint_id=B", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"endpoint_id":"B","blocked_domains":["evil.com"],"count":1}`, rr.Body.String())

	rr = ts.do(t, http.MethodDelete, "/policy/domains/blocked/evil.com", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.CommandUnblockDomain, decodeBody[model.FanOutResult](t, rr).Kind)

	rr = ts.do(t, http.MethodGet, "/commands/all?endpoint_id=A&delivered=false", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decodeBody[struct {
		Commands []model.Command `json:"commands"`
		Count    int             `json:"count"`
	}](t, rr)
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, model.CommandUnblockDomain, listed.Commands[0].Kind)

	rr = ts.do(t, http.MethodGet, "/policy", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	p := decodeBody[model.Policy](t, rr)
	assert.False(t, p.BlockedDomains.Has("evil.com"))
}

func TestPostCommand(t *testing.T) {
	ts := newTestServer(t)
	ts.report(t, model.ActivityReport{EndpointID: "A"})

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"block", map[string]string{"endpoint_id": "A", "kind": "BLOCK_DOMAIN", "domain": "x.com"}, http.StatusCreated},
		{"lowercase kind", map[string]string{"endpoint_id": "A", "kind": "unblock_domain", "domain": "x.com"}, http.StatusCreated},
		{"unknown endpoint", map[string]string{"endpoint_id": "Z", "kind": "BLOCK_DOMAIN", "domain": "x.com"}, http.StatusNotFound},
		{"unknown kind", map[string]string{"endpoint_id": "A", "kind": "REBOOT", "domain": "x.com"}, http.StatusBadRequest},
		{"missing endpoint", map[string]string{"kind": "BLOCK_DOMAIN", "domain": "x.com"}, http.StatusBadRequest},
		{"empty domain", map[string]string{"endpoint_id": "A", "kind": "BLOCK_DOMAIN"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/commands", tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
		})
	}

	rr := ts.do(t, http.MethodGet, "/commands?endpoint_id=A", nil)
	assert.Equal(t, 2, decodeBody[PendingResponse](t, rr).Count)

	rr = ts.do(t, http.MethodGet, "/commands", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAlertLifecycle(t *testing.T) {
	ts := newTestServer(t)
	res := ts.report(t, model.ActivityReport{EndpointID: "A", ProcessNames: []string{"nmap"}, CPUPercent: 95})
	require.Len(t, res.AlertsCreated, 2)

	rr := ts.do(t, http.MethodGet, "/alerts?status=active&severity=high", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":1`)

	id := res.AlertsCreated[0]
	for _, method := range []string{http.MethodPost, http.MethodPatch} {
		rr = ts.do(t, method, "/alerts/"+id+"/resolve", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		a := decodeBody[model.Alert](t, rr)
		assert.Equal(t, model.AlertResolved, a.Status)
		assert.NotNil(t, a.ResolvedAt)
	}

	rr = ts.do(t, http.MethodGet, "/alerts/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.AlertResolved, decodeBody[model.Alert](t, rr).Status)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"unknown alert", http.MethodGet, "/alerts/nope", http.StatusNotFound},
		{"resolve unknown", http.MethodPost, "/alerts/nope/resolve", http.StatusNotFound},
		{"bad status", http.MethodGet, "/alerts?status=open", http.StatusBadRequest},
		{"bad severity", http.MethodGet, "/alerts?severity=urgent", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/alerts?limit=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, ts.do(t, tt.method, tt.path, nil).Code)
		})
	}
}

func TestPolicyEndpoints(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
	}{
		{"allow domain", http.MethodPost, "/policy/domains/allowed", map[string]string{"domain": "school.edu"}, http.StatusOK},
		{"allow empty", http.MethodPost, "/policy/domains/allowed", map[string]string{"domain": " "}, http.StatusBadRequest},
		{"disallow domain", http.MethodDelete, "/policy/domains/allowed/school.edu", nil, http.StatusOK},
		{"add keyword", http.MethodPost, "/policy/keywords", map[string]string{"keyword": "steam"}, http.StatusOK},
		{"remove keyword", http.MethodDelete, "/policy/keywords/nmap", nil, http.StatusOK},
		{"thresholds", http.MethodPut, "/policy/thresholds", map[string]any{"cpu_threshold_percent": 75}, http.StatusOK},
		{"empty thresholds", http.MethodPut, "/policy/thresholds", map[string]any{}, http.StatusBadRequest},
		{"negative thresholds", http.MethodPut, "/policy/thresholds", map[string]any{"connection_count_threshold": -1}, http.StatusBadRequest},
		{"block invalid domain", http.MethodPost, "/policy/domains/blocked", map[string]string{"domain": "a b"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
		})
	}

	p := decodeBody[model.Policy](t, ts.do(t, http.MethodGet, "/policy", nil))
	assert.True(t, p.BlockedKeywords.Has("steam"))
	assert.False(t, p.BlockedKeywords.Has("nmap"))
	assert.False(t, p.AllowedDomains.Has("school.edu"))
	assert.Equal(t, 75.0, p.CPUPercent)
}

func TestReconcileAndEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.report(t, model.ActivityReport{EndpointID: "A"})

	rr := ts.do(t, http.MethodPost, "/policy/domains/blocked", map[string]string{"domain": "evil.com"})
	require.Equal(t, http.StatusOK, rr.Code)

	ts.report(t, model.ActivityReport{EndpointID: "late"})

	rr = ts.do(t, http.MethodPost, "/policy/reconcile", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decodeBody[reconcile.Result](t, rr)
	assert.Equal(t, 2, res.EndpointsChecked)
	assert.Equal(t, 1, res.CommandsCreated)

	rr = ts.do(t, http.MethodGet, "/endpoints?active_within=10m", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":2`)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/endpoints?active_within=soon", nil).Code)
}

func TestStoreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Close())

	rr := ts.do(t, http.MethodGet, "/alerts", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, retryAfterSeconds, rr.Header().Get("Retry-After"))

	rr = ts.do(t, http.MethodPost, "/activity", model.ActivityReport{EndpointID: "A"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/readyz", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsCompressed(t *testing.T) {
	ts := newTestServer(t)
	ts.report(t, model.ActivityReport{EndpointID: "A", ProcessNames: []string{"utorrent.exe"}})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
}
