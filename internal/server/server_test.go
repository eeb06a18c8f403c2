package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/stanza/internal/dispatcher"
	"github.com/danmuck/stanza/internal/testutil/testlog"
)

type fakePending []dispatcher.PendingRequest

func (f fakePending) Pending() []dispatcher.PendingRequest { return f }
func (f fakePending) PendingCount() int                    { return len(f) }

func newTestAdmin(source PendingSource) *Admin {
	return NewAdmin(Config{ID: "stanzad-test", Addr: ":0", Version: "1.2.3"}, source, zerolog.Nop())
}

func get(t *testing.T, a *Admin, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	testlog.Start(t)
	rec := get(t, newTestAdmin(nil), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["service"] != "stanzad-test" || body["version"] != "1.2.3" {
		t.Fatalf("unexpected body %v", body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("request id header missing")
	}
}

func TestPending(t *testing.T) {
	testlog.Start(t)
	source := fakePending{{ID: "abc", To: "peer.example.org", SentAt: time.Now().Add(-time.Second)}}
	rec := get(t, newTestAdmin(source), "/pending")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct {
		Count   int           `json:"count"`
		Pending []pendingView `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Pending) != 1 || body.Pending[0].ID != "abc" {
		t.Fatalf("unexpected body %+v", body)
	}

	if rec := get(t, newTestAdmin(nil), "/pending"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("detached admin status=%d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	a := newTestAdmin(nil)
	get(t, a, "/health")
	rec := get(t, a, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stanza_http_requests_total") {
		t.Fatalf("admin request counter not exported")
	}
}

func TestTokenGuardsAdminRoutes(t *testing.T) {
	testlog.Start(t)
	a := NewAdmin(Config{ID: "stanzad-test", Version: "1.2.3", Token: "s3cret", Plugins: []string{"version"}}, fakePending{}, zerolog.Nop())

	if rec := get(t, a, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health should stay open, status=%d", rec.Code)
	}
	if rec := get(t, a, "/pending"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, status=%d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/schemas", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "iq") {
		t.Fatalf("schema registry missing stanza schemas: %s", rec.Body.String())
	}
}
