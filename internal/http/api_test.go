package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/cache"
	"github.com/dropDatabas3/gatekeeper/internal/config"
	"github.com/dropDatabas3/gatekeeper/internal/gatekeeper"
	"github.com/dropDatabas3/gatekeeper/internal/monitor"
	"github.com/dropDatabas3/gatekeeper/internal/rate"
	"github.com/dropDatabas3/gatekeeper/internal/security/revocation"
	"github.com/dropDatabas3/gatekeeper/internal/security/token"
	"github.com/dropDatabas3/gatekeeper/internal/store"
	"github.com/dropDatabas3/gatekeeper/internal/validation"
)

type testAPI struct {
	srv       *httptest.Server
	authority *token.Authority
	mon       *monitor.Monitor
}

func newTestAPI(t *testing.T, tr ...IncidentTraceReader) *testAPI {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}

	c := cache.NewMemory("")
	mon := monitor.New(cfg, nil, nil)
	rev := revocation.New(c, mon)

	auth, err := token.New(token.Config{
		Issuer:      "gatekeeper-test",
		Audience:    "api",
		AccessTTL:   15 * time.Minute,
		MaxTTL:      time.Hour,
		Roles:       []string{"user", "admin"},
		SigningSeed: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, 32)),
	}, rev, rev)
	if err != nil {
		t.Fatal(err)
	}
	val, err := validation.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var traces IncidentTraceReader
	if len(tr) > 0 {
		traces = tr[0]
	}
	gk := gatekeeper.New(rate.New(c, cfg, mon, mon), auth, val, mon)
	api := NewAPI(gk, auth, rev, mon, c, traces)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, authority: auth, mon: mon}
}

func (ta *testAPI) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ta.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestDecisionEndpoint_AllowedAndDenied(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	signed, _, err := ta.authority.Mint(context.Background(), "alice", []string{"user"}, 0)
	if err != nil {
		t.Fatal(err)
	}

	resp := ta.post(t, "/v1/decision", map[string]any{
		"source_ip":   "198.51.100.7",
		"endpoint":    "/v1/orders",
		"auth_header": "Bearer " + signed,
		"fields": []map[string]string{
			{"name": "note", "value": "todo en orden", "context": "freeform"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	d := decode[gatekeeper.Decision](t, resp)
	if !d.Allowed || d.Claims == nil || d.Claims.Subject != "alice" {
		t.Fatalf("decision = %+v", d)
	}

	resp = ta.post(t, "/v1/decision", map[string]any{
		"source_ip":       "198.51.100.8",
		"endpoint":        "/v1/orders",
		"allow_anonymous": true,
		"fields": []map[string]string{
			{"name": "q", "value": "x UNION SELECT password FROM users", "context": "database"},
		},
	})
	d = decode[gatekeeper.Decision](t, resp)
	if d.Allowed || d.Reason != gatekeeper.ReasonMaliciousInput {
		t.Fatalf("decision = %+v, want MALICIOUS_INPUT", d)
	}
}

func TestDecisionEndpoint_RequiresEndpoint(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	resp := ta.post(t, "/v1/decision", map[string]any{"source_ip": "198.51.100.9"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMintEndpoint(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	resp := ta.post(t, "/v1/tokens", map[string]any{"subject": "bob", "roles": []string{"user"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	out := decode[struct {
		Token  string       `json:"token"`
		Claims token.Claims `json:"claims"`
	}](t, resp)
	if out.Token == "" || out.Claims.Subject != "bob" {
		t.Fatalf("mint = %+v", out)
	}

	resp = ta.post(t, "/v1/tokens", map[string]any{"subject": "eve", "roles": []string{"superuser"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("rol inválido: status = %d, want 400", resp.StatusCode)
	}
}

func TestRevokeFlow(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)
	ctx := context.Background()

	signed, cl, err := ta.authority.Mint(ctx, "carol", []string{"user"}, 0)
	if err != nil {
		t.Fatal(err)
	}

	resp := ta.post(t, "/v1/tokens/revoke", map[string]any{
		"jti":        cl.JTI,
		"subject":    "carol",
		"reason":     "compromised",
		"expires_at": cl.ExpiresAt,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	resp = ta.post(t, "/v1/decision", map[string]any{
		"source_ip":   "198.51.100.10",
		"endpoint":    "/v1/orders",
		"auth_header": "Bearer " + signed,
	})
	d := decode[gatekeeper.Decision](t, resp)
	if d.Allowed || d.Reason != gatekeeper.ReasonTokenRevoked {
		t.Fatalf("decision = %+v, want TOKEN_REVOKED", d)
	}
}

func TestRevokeSubjectReportsCount(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := ta.authority.Mint(ctx, "dave", []string{"user"}, 0); err != nil {
			t.Fatal(err)
		}
	}

	resp := ta.post(t, "/v1/tokens/revoke-subject", map[string]any{"subject": "dave", "reason": "offboarding"})
	out := decode[map[string]int](t, resp)
	if out["revoked_count"] != 3 {
		t.Fatalf("revoked_count = %d, want 3", out["revoked_count"])
	}
}

func TestIncidentLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	// provocar un incidente con input malicioso
	ta.post(t, "/v1/decision", map[string]any{
		"source_ip":       "198.51.100.11",
		"endpoint":        "/v1/orders",
		"allow_anonymous": true,
		"fields": []map[string]string{
			{"name": "path", "value": "../../etc/passwd", "context": "filename"},
		},
	})

	resp, err := http.Get(ta.srv.URL + "/v1/incidents?state=OPEN")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	incs := decode[[]*monitor.CorrelatedIncident](t, resp)
	if len(incs) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incs))
	}
	id := incs[0].ID

	// resolver sin ack es conflicto
	resp = ta.post(t, "/v1/incidents/"+id+"/resolve", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("resolve sin ack: status = %d, want 409", resp.StatusCode)
	}

	resp = ta.post(t, "/v1/incidents/"+id+"/ack", map[string]any{"operator": "oncall"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack: status = %d", resp.StatusCode)
	}

	resp = ta.post(t, "/v1/incidents/"+id+"/resolve", map[string]any{})
	inc := decode[monitor.CorrelatedIncident](t, resp)
	if inc.State != monitor.StateResolved {
		t.Fatalf("state = %s, want RESOLVED", inc.State)
	}

	// id desconocido
	resp = ta.post(t, "/v1/incidents/nope/ack", map[string]any{"operator": "oncall"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

type mapTraceReader map[string][]string

func (m mapTraceReader) ResolvedIncidentTrace(_ context.Context, id string) ([]string, error) {
	ids, ok := m[id]
	if !ok {
		return nil, store.ErrNotArchived
	}
	return ids, nil
}

func TestIncidentTraceEndpoint(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t, mapTraceReader{"01JARCH": {"evt-1", "evt-2"}})

	resp, err := http.Get(ta.srv.URL + "/v1/incidents/01JARCH/trace")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decode[map[string][]string](t, resp)
	resp.Body.Close()
	if len(out["event_ids"]) != 2 || out["event_ids"][0] != "evt-1" {
		t.Fatalf("trace = %+v", out)
	}

	resp, err = http.Get(ta.srv.URL + "/v1/incidents/nope/trace")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("incidente no archivado: status = %d, want 404", resp.StatusCode)
	}
}

func TestIncidentTraceEndpoint_NoArchive(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	resp, err := http.Get(ta.srv.URL + "/v1/incidents/01JARCH/trace")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("sin archive: status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	resp, err := http.Get(ta.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(ta.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}
