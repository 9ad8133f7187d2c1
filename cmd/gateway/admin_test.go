package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/toolink/gate/limiter"
)

func newAdminTestServer(t *testing.T) (*httptest.Server, *limiter.RateLimiter) {
	t.Helper()
	store := limiter.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	rl := limiter.NewRateLimiter(store)

	r := chi.NewRouter()
	r.Route("/admin", newAdminServer(rl, nil).routes(config{adminRPS: 1000, adminBurst: 1000}))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, rl
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminPolicyRoundTrip(t *testing.T) {
	srv, rl := newAdminTestServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/admin/policies",
		`{"name":"ops","algorithm":"fixed-window","limit":5,"window":60,"priority":3}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put: status %d, want 204", resp.StatusCode)
	}

	ps := rl.Policies()
	if len(ps) != 1 {
		t.Fatalf("registered %d policies, want 1", len(ps))
	}
	if ps[0].Window != time.Minute {
		t.Errorf("Window = %v, want 1m", ps[0].Window)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/admin/policies", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d, want 200", resp.StatusCode)
	}
	var got []policySummary
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(got) != 1 || got[0].Name != "ops" || got[0].Window != 60 || got[0].Priority != 3 {
		t.Errorf("list = %+v", got)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/admin/policies/ops", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d, want 204", resp.StatusCode)
	}
	if len(rl.Policies()) != 0 {
		t.Error("policy survived the delete")
	}
}

func TestAdminRejectsBadPolicies(t *testing.T) {
	srv, _ := newAdminTestServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/admin/policies", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPut, srv.URL+"/admin/policies",
		`{"name":"bad","algorithm":"fixed-window","limit":0,"window":60}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid policy: status %d, want 422", resp.StatusCode)
	}
}

func TestAdminLoadUpdate(t *testing.T) {
	srv, rl := newAdminTestServer(t)
	if err := rl.AddPolicy(limiter.Policy{
		Name:      "adaptive-api",
		Algorithm: limiter.AlgorithmAdaptive,
		Limit:     100,
		Window:    time.Minute,
	}); err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	resp := doJSON(t, http.MethodPut, srv.URL+"/admin/load", `{"cpu":95}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d, want 204", resp.StatusCode)
	}

	res := rl.Check(context.Background(), &limiter.Request{UserID: "u1"})
	if res.Limit != 60 {
		t.Errorf("limit = %d after cpu pressure, want 60", res.Limit)
	}

	resp = doJSON(t, http.MethodPut, srv.URL+"/admin/load", "{nope")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", resp.StatusCode)
	}
}

func TestAdminBehaviorUpdate(t *testing.T) {
	srv, rl := newAdminTestServer(t)
	if err := rl.AddPolicy(limiter.Policy{
		Name:      "adaptive-api",
		Algorithm: limiter.AlgorithmAdaptive,
		Limit:     100,
		Window:    time.Minute,
	}); err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	resp := doJSON(t, http.MethodPut, srv.URL+"/admin/behavior/u1", `{"reputation":1.0}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d, want 204", resp.StatusCode)
	}

	res := rl.Check(context.Background(), &limiter.Request{UserID: "u1"})
	if res.Limit != 150 {
		t.Errorf("limit = %d for a trusted identity, want 150", res.Limit)
	}

	resp = doJSON(t, http.MethodPut, srv.URL+"/admin/behavior/u2", "{nope")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", resp.StatusCode)
	}
}

func TestAdminThrottleProtectsTheAdminAPI(t *testing.T) {
	store := limiter.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	rl := limiter.NewRateLimiter(store)

	r := chi.NewRouter()
	r.Route("/admin", newAdminServer(rl, nil).routes(config{adminRPS: 1, adminBurst: 1}))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodGet, srv.URL+"/admin/policies", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first call: status %d, want 200", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/admin/policies", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second call: status %d, want 429", resp.StatusCode)
	}
}
