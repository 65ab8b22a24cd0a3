package router_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/alfred/services/gateway/config"
	"github.com/AlfredDev/alfred/services/gateway/handler"
	"github.com/AlfredDev/alfred/services/gateway/router"
)

func newTestRouter() http.Handler {
	cfg := &config.Config{
		Addr:         ":0",
		Env:          "test",
		MaxBodyBytes: 1024 * 1024,
		APIKeyHeader: "Authorization",
	}
	log := zerolog.Nop()
	return router.NewRouter(cfg, log, handler.NewWorkflowHandler(nil, log), handler.NewBillingHandler(nil, nil, nil, log))
}

func TestHealthEndpointsRequireNoAuth(t *testing.T) {
	r := newTestRouter()

	for _, path := range []string{"/healthz", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: expected application/json, got %s", path, ct)
		}
	}
}

func TestV1RoutesRejectMissingAuth(t *testing.T) {
	r := newTestRouter()

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/workflows"},
		{http.MethodGet, "/v1/workflows/wf-1"},
		{http.MethodPost, "/v1/workflows/wf-1/cancel"},
		{http.MethodGet, "/v1/billing/costs/r1"},
		{http.MethodGet, "/v1/billing/audit/verify"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401 without Authorization, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", rec.Code)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	r := newTestRouter()

	body := strings.Repeat("x", 2*1024*1024)
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", rec.Code)
	}
}