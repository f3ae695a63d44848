package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"AgentPay-Chain/internal/auth"
)

// fakeAPI records requests and replies with canned bodies.
type fakeAPI struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []map[string]any
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil && r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		f.mu.Lock()
		f.requests = append(f.requests, r)
		f.bodies = append(f.bodies, body)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/payments":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"request_id":"req-1","correlation_id":"0x01","tx_hash":"0x02","nonce":7,"attempts":1}`))
		case r.URL.Path == "/api/v1/dispatches":
			_, _ = w.Write([]byte(`[{"event_id":"0xaa:1","status":"parked","amount_wei":"5"}]`))
		case strings.HasSuffix(r.URL.Path, "/resolve"):
			if r.Header.Get("Authorization") != "Bearer ops" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"missing bearer token"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"event_id":"0xaa:1","status":"pending","request_id":"req-1"}`))
		case r.URL.Path == "/api/v1/stats":
			_, _ = w.Write([]byte(`{"ledger":{"total":3,"parked":1}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitThroughAPI(t *testing.T) {
	api := &fakeAPI{}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	out, err := runCLI(t, "--api", server.URL, "--token", "ops", "submit",
		"--to", "0x00000000000000000000000000000000000000b2",
		"--task", "echo",
		"--amount", "0.25",
		"--meta", "text=hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, `"tx_hash": "0x02"`) {
		t.Fatalf("unexpected output: %s", out)
	}
	if len(api.bodies) != 1 {
		t.Fatalf("expected one request, got %d", len(api.bodies))
	}
	body := api.bodies[0]
	if body["task"] != "echo" || body["amount"] != "0.25" {
		t.Fatalf("unexpected body: %v", body)
	}
	meta, _ := body["task_metadata"].(map[string]any)
	if meta["text"] != "hello" {
		t.Fatalf("metadata not forwarded: %v", body)
	}
	if got := api.requests[0].Header.Get("Authorization"); got != "Bearer ops" {
		t.Fatalf("unexpected authorization %q", got)
	}
}

func TestSubmitRequiresAmount(t *testing.T) {
	_, err := runCLI(t, "--api", "http://127.0.0.1:1", "submit", "--to", "0x01", "--task", "echo")
	if err == nil || !strings.Contains(err.Error(), "--amount") {
		t.Fatalf("expected amount error, got %v", err)
	}
}

func TestDispatchesListYAML(t *testing.T) {
	api := &fakeAPI{}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	out, err := runCLI(t, "--api", server.URL, "-o", "yaml", "dispatches", "list", "--status", "parked,failed", "--order", "chain")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "0xaa:1") || !strings.Contains(out, "status: parked") {
		t.Fatalf("unexpected yaml output: %s", out)
	}
	q := api.requests[0].URL.Query()
	if q.Get("status") != "parked,failed" || q.Get("order") != "chain" || q.Get("limit") != "50" {
		t.Fatalf("unexpected query %s", api.requests[0].URL.RawQuery)
	}
}

func TestResolveSurfacesAPIError(t *testing.T) {
	api := &fakeAPI{}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	_, err := runCLI(t, "--api", server.URL, "--token", "", "dispatches", "resolve", "0xaa:1", "req-1")
	if err == nil || !strings.Contains(err.Error(), "UNAUTHORIZED") {
		t.Fatalf("expected unauthorized error, got %v", err)
	}

	out, err := runCLI(t, "--api", server.URL, "--token", "ops", "dispatches", "resolve", "0xaa:1", "req-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out, `"status": "pending"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestStatsCommand(t *testing.T) {
	api := &fakeAPI{}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	out, err := runCLI(t, "--api", server.URL, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, `"total": 3`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestTokenIssueIsAcceptedByJWTMode(t *testing.T) {
	t.Setenv("AGENTPAY_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("AGENTPAY_JWT_SECRET", "cli-secret")

	out, err := runCLI(t, "token", "issue", "--subject", "ops-bot", "--permission", auth.PermissionResolve)
	if err != nil {
		t.Fatalf("token issue: %v", err)
	}
	token := strings.TrimSpace(out)

	svc, err := auth.NewService(auth.Config{Mode: auth.ModeJWT, JWT: auth.JWTOptions{Secret: "cli-secret"}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.ID != "ops-bot" || !subject.HasPermission(auth.PermissionResolve) || subject.HasPermission(auth.PermissionSubmit) {
		t.Fatalf("unexpected subject: %+v", subject)
	}
}
