package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/engine"
	"agora/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("local")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:                  "test-secret",
		AllowLegacyPrincipalHeader: true,
		AllowDevLogin:              true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asPrincipal(p string) map[string]string {
	return map[string]string{"X-Principal": p}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestTaskEscrowFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	if err := srv.Engine.Deposit(ctx, "buyer", 2000); err != nil {
		t.Fatal(err)
	}
	if err := srv.Engine.Deposit(ctx, "alice", 500); err != nil {
		t.Fatal(err)
	}
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{
		"name":         "builder",
		"capabilities": []string{"go"},
		"stake_amount": 150,
	}, asPrincipal("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent status %d: %s", res.StatusCode, string(data))
	}
	var agent AgentResponse
	if err := json.Unmarshal(data, &agent); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}

	deadline := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":                 "port the parser",
		"required_capabilities": []string{"go"},
		"reward":                1000,
		"deadline":              deadline,
	}, asPrincipal("buyer"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/accept", map[string]any{
		"agent_id": agent.ID,
	}, asPrincipal("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/submit", map[string]any{
		"result_ref": "ipfs://result",
	}, asPrincipal("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/approve", nil, asPrincipal("buyer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var settled TaskResponse
	if err := json.Unmarshal(data, &settled); err != nil {
		t.Fatalf("unmarshal settled: %v", err)
	}
	if settled.Status != "completed" {
		t.Fatalf("expected completed, got %s", settled.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/ledger/accounts/alice", nil, asPrincipal("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("account status %d: %s", res.StatusCode, string(data))
	}
	var account AccountResponse
	if err := json.Unmarshal(data, &account); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	// 500 deposit - 150 stake + 975 payout
	if account.Balance != 1325 {
		t.Fatalf("expected balance 1325, got %d", account.Balance)
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	if err := srv.Engine.Deposit(ctx, "buyer", 2000); err != nil {
		t.Fatal(err)
	}
	client := srv.Client()
	deadline := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":                 "cheap",
		"required_capabilities": []string{"go"},
		"reward":                5,
		"deadline":              deadline,
	}, asPrincipal("buyer"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "amount_too_low" {
		t.Fatalf("expected amount_too_low, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/no-such-task", nil, asPrincipal("buyer"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	envelope = errorEnvelope{}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":                 "unfunded",
		"required_capabilities": []string{"go"},
		"reward":                100,
		"deadline":              deadline,
	}, asPrincipal("pauper"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	envelope = errorEnvelope{}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "insufficient_balance" {
		t.Fatalf("expected insufficient_balance, got %q", envelope.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", envelope.Error.Code)
	}

	// health stays open
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"principal": "dev",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if me.Principal != "dev" {
		t.Fatalf("expected principal dev, got %s", me.Principal)
	}

	// garbage tokens are rejected
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWorkflowStepsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	if err := srv.Engine.Deposit(ctx, "carol", 2000); err != nil {
		t.Fatal(err)
	}
	if err := srv.Engine.Deposit(ctx, "alice", 500); err != nil {
		t.Fatal(err)
	}
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{
		"name":         "builder",
		"capabilities": []string{"go"},
		"stake_amount": 150,
	}, asPrincipal("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent: %d %s", res.StatusCode, string(data))
	}
	var agent AgentResponse
	_ = json.Unmarshal(data, &agent)

	deadline := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"name":         "pipeline",
		"total_budget": 600,
		"deadline":     deadline,
	}, asPrincipal("carol"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow: %d %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	_ = json.Unmarshal(data, &wf)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+wf.ID+"/steps", map[string]any{
		"name":       "only step",
		"capability": "go",
		"reward":     400,
	}, asPrincipal("carol"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add step: %d %s", res.StatusCode, string(data))
	}
	var step StepResponse
	_ = json.Unmarshal(data, &step)

	// a second step over budget is refused
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+wf.ID+"/steps", map[string]any{
		"name":       "too big",
		"capability": "go",
		"reward":     300,
	}, asPrincipal("carol"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 over budget, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "budget_exceeded" {
		t.Fatalf("expected budget_exceeded, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+wf.ID+"/start", nil, asPrincipal("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+wf.ID+"/steps/"+step.ID+"/accept", map[string]any{
		"agent_id": agent.ID,
	}, asPrincipal("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept step: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+wf.ID+"/steps/"+step.ID+"/complete", map[string]any{
		"output_ref": "out://done",
	}, asPrincipal("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete step: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows/"+wf.ID, nil, asPrincipal("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get workflow: %d %s", res.StatusCode, string(data))
	}
	var final WorkflowResponse
	_ = json.Unmarshal(data, &final)
	if final.Status != "completed" {
		t.Fatalf("expected completed workflow, got %s", final.Status)
	}
}
