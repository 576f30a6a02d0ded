package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"contractline/internal/config"
	"contractline/internal/db"
	"contractline/internal/domain"
	"contractline/internal/engine"
	"contractline/internal/migrate"
)

type testServer struct {
	URL    string
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
	e := engine.New(conn, config.Default("test-broker"))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

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

func TestVerificationFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/interactions", map[string]any{
		"provider":         "api",
		"operation":        "GET /users/{id}",
		"consumer":         "web",
		"consumer_version": "1.0.0",
		"request_json":     `{"path":"/users/42"}`,
		"response_json":    `{"status":200,"body":{"id":"42"}}`,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record interaction: %d %s", res.StatusCode, string(data))
	}
	var interaction domain.Interaction
	if err := json.Unmarshal(data, &interaction); err != nil {
		t.Fatalf("unmarshal interaction: %v", err)
	}
	if interaction.ContractID == nil {
		t.Fatalf("interaction missing contract id")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deployments", map[string]any{
		"service":     "api",
		"version":     "2.0.0",
		"environment": "production",
		"status":      "successful",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record deployment: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/verification/tasks?provider=api", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var tasks []domain.VerificationTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 open task, got %d", len(tasks))
	}
	task := tasks[0]

	outcomes := make([]map[string]any, 0, len(task.Interactions))
	for _, id := range task.Interactions {
		outcomes = append(outcomes, map[string]any{"interaction_id": id, "success": true})
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/verification/tasks/"+task.ID+"/results", map[string]any{
		"outcomes": outcomes,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit result: %d %s", res.StatusCode, string(data))
	}
	var result domain.VerificationResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Summary.Failed != 0 {
		t.Fatalf("unexpected failures: %+v", result.Summary)
	}

	// second submission hits a closed task
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/verification/tasks/"+task.ID+"/results", map[string]any{
		"outcomes": outcomes,
	}, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on closed task, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/can-i-deploy?service=web&version=1.0.0&role=consumer&environment=production", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-i-deploy: %d %s", res.StatusCode, string(data))
	}
	var decision domain.Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if !decision.Allowed || decision.Reason != "verified" {
		t.Fatalf("decision: %+v", decision)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	// health stays open
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}

	// dev login issues a usable bearer token without prior credentials
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev-user",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("unmarshal token: %v %s", err, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer list contracts: %d %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/can-i-deploy?service=web&version=1.0.0&role=consumer&environment=mars", nil, actorHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v %s", err, string(data))
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["field"] != "environment" {
		t.Fatalf("details: %+v", envelope.Error.Details)
	}
}

func TestFixtureReviewEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/fixtures", map[string]any{
		"service":   "api",
		"operation": "GET /users/{id}",
		"data_json": `{"status":200,"body":{"id":"42"}}`,
		"source":    "consumer",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("propose fixture: %d %s", res.StatusCode, string(data))
	}
	var fixture domain.Fixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	if fixture.Status != "draft" {
		t.Fatalf("expected draft, got %s", fixture.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/fixtures/"+fixture.ID+"/approve", map[string]any{
		"notes": "checked against provider logs",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	// approved fixtures cannot be rejected, only revoked
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/fixtures/"+fixture.ID+"/reject", map[string]any{}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/fixtures/"+fixture.ID+"/revoke", map[string]any{
		"notes": "payload drifted",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke: %d %s", res.StatusCode, string(data))
	}
	var revoked domain.Fixture
	if err := json.Unmarshal(data, &revoked); err != nil {
		t.Fatalf("unmarshal revoked: %v", err)
	}
	if revoked.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", revoked.Status)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "ci-bot",
		"name":     "ci",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("unmarshal key: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/services", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/services", nil, map[string]string{
		"X-Api-Key": "not-a-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d %s", res.StatusCode, string(data))
	}
}
