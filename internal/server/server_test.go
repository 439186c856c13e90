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

	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/migrate"
	"marketline/internal/obs"
)

const testSecret = "test-secret"

var t0 = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	clock  *time.Time
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) advance(d time.Duration) { *s.clock = s.clock.Add(d) }

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
	now := t0
	e := engine.New(conn, config.Default("marketline-test"))
	e.Logger = obs.Discard()
	e.Now = func() time.Time { return now }
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, Logger: obs.Discard()}})
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
		clock:  &now,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actorID string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actorID, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

type assignmentBody struct {
	ID      string                  `json:"id"`
	Status  domain.AssignmentStatus `json:"status"`
	Changed bool                    `json:"changed"`
}

type disputeBody struct {
	ID             string               `json:"id"`
	Status         domain.DisputeStatus `json:"status"`
	Version        int64                `json:"version"`
	ExecutorAmount int64                `json:"executor_amount"`
	CustomerAmount int64                `json:"customer_amount"`
	Changed        bool                 `json:"changed"`
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected %d, got %d: %s", status, res.StatusCode, string(data))
	}
	if got := decode[errorBody](t, data).Error.Code; got != code {
		t.Fatalf("expected error code %s, got %s: %s", code, got, string(data))
	}
}

func assignOverHTTP(t *testing.T, srv *testServer, taskID string, amount int64) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/assignments", map[string]any{
		"task_id":     taskID,
		"executor_id": "exec-1",
		"title":       "Logo design",
		"amount":      amount,
	}, bearer(t, "cust-1", "customer"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	if a := decode[assignmentBody](t, data); a.Status != domain.AssignmentPendingStart || !a.Changed {
		t.Fatalf("unexpected assignment %+v", a)
	}
}

func TestHealthIsPublicAndAPIRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/assignments/task-1/exec-1", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("marketline_reconcile_duration_seconds")) {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
}

func TestAssignmentActionsEnforceParties(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	assignOverHTTP(t, srv, "task-1", 5000)
	base := srv.URL + "/v1/assignments/task-1/exec-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/start", nil, bearer(t, "cust-1", "customer"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, base+"/start", nil, bearer(t, "exec-2", "executor"))
	expectError(t, res, data, http.StatusForbidden, "not_a_party")

	res, data = doJSON(t, client, http.MethodPost, base+"/start", nil, bearer(t, "exec-1", "executor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	if a := decode[assignmentBody](t, data); a.Status != domain.AssignmentInProgress || !a.Changed {
		t.Fatalf("unexpected start result %+v", a)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/start", nil, bearer(t, "exec-1", "executor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat start status %d: %s", res.StatusCode, string(data))
	}
	if a := decode[assignmentBody](t, data); a.Changed {
		t.Fatalf("repeated start must not change state")
	}

	res, data = doJSON(t, client, http.MethodGet, base, nil, bearer(t, "cust-1", "customer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base, nil, bearer(t, "cust-9", "customer"))
	expectError(t, res, data, http.StatusForbidden, "not_a_party")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/assignments/task-9/exec-1", nil, bearer(t, "ops", "operator"))
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestActionsAcceptEmptyBodies(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	assignOverHTTP(t, srv, "task-1", 800)
	base := srv.URL + "/v1/assignments/task-1/exec-1"

	req, err := http.NewRequest(http.MethodPost, base+"/start", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range bearer(t, "exec-1", "executor") {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start without body status %d: %s", res.StatusCode, string(data))
	}
	type flatAssignment struct {
		TaskID     string                  `json:"task_id"`
		CustomerID string                  `json:"customer_id"`
		Status     domain.AssignmentStatus `json:"status"`
		Revision   int64                   `json:"revision"`
		Changed    bool                    `json:"changed"`
	}
	started := decode[flatAssignment](t, data)
	if started.TaskID != "task-1" || started.CustomerID != "cust-1" || started.Status != domain.AssignmentInProgress || started.Revision == 0 || !started.Changed {
		t.Fatalf("unexpected flattened assignment %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/submit", map[string]any{"files": 1}, bearer(t, "exec-1", "executor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/disputes", nil, bearer(t, "cust-1", "customer"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open dispute without body status %d: %s", res.StatusCode, string(data))
	}
	if d := decode[disputeBody](t, data); d.ID == "" || d.Status != domain.DisputeOpen || !d.Changed {
		t.Fatalf("unexpected dispute %s", string(data))
	}
}

func TestDisputeDecisionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	assignOverHTTP(t, srv, "task-1", 50)
	base := srv.URL + "/v1/assignments/task-1/exec-1"
	if res, data := doJSON(t, client, http.MethodPost, base+"/start", nil, bearer(t, "exec-1", "executor")); res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/disputes", map[string]any{"reason": "work does not match brief"}, bearer(t, "cust-1", "customer"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open dispute status %d: %s", res.StatusCode, string(data))
	}
	d := decode[disputeBody](t, data)
	if d.Status != domain.DisputeOpen || d.Version != 1 {
		t.Fatalf("unexpected dispute %+v", d)
	}
	disputeURL := srv.URL + "/v1/disputes/" + d.ID
	arbiter := bearer(t, "arb-1", "arbiter")

	res, data = doJSON(t, client, http.MethodPost, disputeURL+"/take", map[string]any{"version": 1}, bearer(t, "cust-1", "customer"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, disputeURL+"/take", map[string]any{"version": 1}, arbiter)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("take status %d: %s", res.StatusCode, string(data))
	}
	if d = decode[disputeBody](t, data); d.Status != domain.DisputeInReview || d.Version != 2 {
		t.Fatalf("unexpected taken dispute %+v", d)
	}

	decision := map[string]any{
		"version":  1,
		"decision": "partial_refund",
		"comment":  "half the deliverables arrived",
		"checklist": map[string]bool{
			"submission_reviewed":   true,
			"requirements_compared": true,
			"messages_reviewed":     true,
		},
		"executor_amount": 30,
		"customer_amount": 20,
	}
	res, data = doJSON(t, client, http.MethodPost, disputeURL+"/decide", decision, arbiter)
	expectError(t, res, data, http.StatusConflict, "conflict")

	decision["version"] = 2
	decision["customer_amount"] = 25
	res, data = doJSON(t, client, http.MethodPost, disputeURL+"/decide", decision, arbiter)
	expectError(t, res, data, http.StatusUnprocessableEntity, "validation_failed")

	decision["customer_amount"] = 20
	res, data = doJSON(t, client, http.MethodPost, disputeURL+"/decide", decision, arbiter)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	d = decode[disputeBody](t, data)
	if d.Status != domain.DisputeDecided || d.ExecutorAmount != 30 || d.CustomerAmount != 20 {
		t.Fatalf("unexpected decision %+v", d)
	}

	res, data = doJSON(t, client, http.MethodPost, disputeURL+"/decide", decision, arbiter)
	expectError(t, res, data, http.StatusConflict, "decision_locked")

	res, data = doJSON(t, client, http.MethodGet, disputeURL, nil, bearer(t, "exec-1", "executor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("party read status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me/notifications", nil, bearer(t, "exec-1", "executor"))
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte(domain.NotifyDisputeDecided)) {
		t.Fatalf("expected decision notification, status %d: %s", res.StatusCode, string(data))
	}
}

func TestReconcileRequiresOperator(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	assignOverHTTP(t, srv, "task-1", 100)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reconciliations", nil, bearer(t, "exec-1", "executor"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	srv.advance(13 * time.Hour)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/reconciliations", nil, bearer(t, "ops", "operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status %d: %s", res.StatusCode, string(data))
	}
	report := decode[struct {
		Steps []struct {
			Name     string `json:"name"`
			Repaired int    `json:"repaired"`
		} `json:"steps"`
	}](t, data)
	repaired := map[string]int{}
	for _, s := range report.Steps {
		repaired[s.Name] = s.Repaired
	}
	if repaired["no_start"] != 1 {
		t.Fatalf("expected one no-start removal, got %+v", report.Steps)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/executors/exec-1/level?type=no_start_12h", nil, bearer(t, "cust-1", "customer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("level status %d: %s", res.StatusCode, string(data))
	}
	if lvl := decode[LevelResponse](t, data); lvl.Level != 1 {
		t.Fatalf("expected level 1, got %d", lvl.Level)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/executors/exec-1/can-respond", nil, bearer(t, "cust-1", "customer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-respond status %d: %s", res.StatusCode, string(data))
	}
	if cr := decode[CanRespondResponse](t, data); !cr.CanRespond {
		t.Fatalf("a first no-start only warns, got %+v", cr)
	}
}

func TestLevelRejectsBadTimestamp(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/executors/exec-1/level?type=no_start_12h&at=yesterday", nil, bearer(t, "ops", "operator"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}
