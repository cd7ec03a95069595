package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
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

func actorHeaders(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func createProject(t *testing.T, srv *testServer, name string) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": name,
	}, actorHeaders("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev-1",
		"role":     "developer",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var token TokenResponse
	if err := json.Unmarshal(data, &token); err != nil || token.Token == "" {
		t.Fatalf("bad token response: %v %s", err, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + token.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authed list status %d: %s", res.StatusCode, string(data))
	}
}

func TestRunPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv, "web-app")
	base := srv.URL + "/v0/projects/" + p.ID

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/runs", map[string]any{
		"name": "release-1",
	}, actorHeaders("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.State != "PM" {
		t.Fatalf("new run state %s", run.State)
	}

	// Advance before any report is a not_ready envelope.
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/runs/"+run.ID+"/advance", nil, actorHeaders("tester"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("premature advance status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Code != "not_ready" {
		t.Fatalf("error envelope %s", string(data))
	}

	// Wrong role is a role_mismatch.
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/runs/"+run.ID+"/reports", map[string]any{
		"role": "developer", "status": "pass",
	}, actorHeaders("dev-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("mismatched report status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Code != "role_mismatch" {
		t.Fatalf("error envelope %s", string(data))
	}

	// Correct role reports, then the run advances.
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/runs/"+run.ID+"/reports", map[string]any{
		"role": "product-manager", "status": "pass", "summary": "requirements drafted",
	}, actorHeaders("pm-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/runs/"+run.ID+"/advance", nil, actorHeaders("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatal(err)
	}
	if run.State != "DEV" {
		t.Fatalf("advanced state %s, want DEV", run.State)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/runs/"+run.ID+"/work-cycles", nil, actorHeaders("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("work cycles status %d: %s", res.StatusCode, string(data))
	}
	var cycles []domain.WorkCycle
	if err := json.Unmarshal(data, &cycles); err != nil {
		t.Fatal(err)
	}
	if len(cycles) != 1 || cycles[0].Stage != "PM" || cycles[0].Status != "passed" {
		t.Fatalf("unexpected history %s", string(data))
	}
}

func TestTaskClaimsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv, "svc")
	base := srv.URL + "/v0/projects/" + p.ID

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/tasks", map[string]any{
		"title": "epic", "stage": "DEV",
	}, actorHeaders("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create parent status %d: %s", res.StatusCode, string(data))
	}
	var parent domain.Task
	if err := json.Unmarshal(data, &parent); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/tasks", map[string]any{
		"title": "part", "stage": "DEV", "parent_task_id": parent.ID,
	}, actorHeaders("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create child status %d: %s", res.StatusCode, string(data))
	}
	var child domain.Task
	if err := json.Unmarshal(data, &child); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/tasks/"+child.ID+"/reports", map[string]any{
		"role": "developer", "status": "pass", "summary": "done",
	}, actorHeaders("dev-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("child report status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/tasks/"+parent.ID, nil, actorHeaders("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get parent status %d", res.StatusCode)
	}
	if err := json.Unmarshal(data, &parent); err != nil {
		t.Fatal(err)
	}
	if parent.Status != domain.TaskCompleted {
		t.Fatalf("parent status %s, want completed after its only claim validates", parent.Status)
	}
	if parent.ClaimsValidated != 1 {
		t.Fatalf("claims_validated = %d", parent.ClaimsValidated)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv, "svc")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/runs/nope", nil, actorHeaders("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Code != "not_found" {
		t.Fatalf("error envelope %s", string(data))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"actor_id": "ci-bot", "name": "pipeline",
	}, actorHeaders("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("bad key response: %v %s", err, string(data))
	}

	// The plaintext key authenticates as its actor.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d: %s", res.StatusCode, string(data))
	}

	// Listing never leaks hashes as credentials usable for login.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/keys", nil, actorHeaders("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d", res.StatusCode)
	}
	var keys []domain.APIKey
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].KeyHash != "" {
		t.Fatalf("listing leaked key material: %s", string(data))
	}
}
