package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/polarbridge/internal/api/handlers"
	"github.com/orrn/polarbridge/internal/api/middleware"
	"github.com/orrn/polarbridge/internal/config"
	"github.com/orrn/polarbridge/internal/core"
	"github.com/orrn/polarbridge/internal/db"
)

type fakeSession struct {
	mu         sync.Mutex
	registered []string
	result     core.RegistrationResult
}

func (f *fakeSession) Snapshot() core.Snapshot {
	return core.Snapshot{Connected: true, Registered: true, Serial: "P3D-1234", PState: core.PStateIdle, JobID: core.NoJobID}
}

func (f *fakeSession) Register(_ context.Context, email, pin, machineType, printerType string) core.RegistrationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, strings.Join([]string{email, pin, machineType, printerType}, "|"))
	return f.result
}

func (f *fakeSession) Unregister(context.Context) core.RegistrationResult {
	return core.RegistrationResult{Status: core.ResultFail, Message: "Printer is not registered"}
}

type testServer struct {
	router   *gin.Engine
	store    *db.Store
	session  *fakeSession
	outcomes *handlers.OutcomeLog
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auth, err := middleware.NewAuth(store.Settings, false)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}

	cfg := config.LoadFromEnv()
	cfg.Printer.APIKey = "very-secret"

	session := &fakeSession{result: core.RegistrationResult{Status: core.ResultWait, Message: "Waiting for response from Polar Cloud"}}
	outcomes := handlers.NewOutcomeLog(nil)
	router := NewRouter(Deps{
		Config:   cfg,
		Auth:     auth,
		Session:  session,
		Outcomes: outcomes,
		Jobs:     store.Jobs,
	})
	return &testServer{router: router, store: store, session: session, outcomes: outcomes}
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) setup(t *testing.T) string {
	t.Helper()
	w := ts.do(http.MethodPost, "/api/auth/setup", "", map[string]string{"password": "hunter22"})
	if w.Code != http.StatusOK {
		t.Fatalf("setup status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("setup token missing: %s", w.Body)
	}
	return resp.Token
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/cloud", "/api/jobs", "/api/settings"} {
		if w := ts.do(http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, w.Code)
		}
	}
	if w := ts.do(http.MethodGet, "/api/cloud", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/cloud with bad token = %d, want 401", w.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/auth/status", "", nil)
	if !strings.Contains(w.Body.String(), `"setup_required":true`) {
		t.Fatalf("status before setup = %s", w.Body)
	}
	if w := ts.do(http.MethodPost, "/api/auth/login", "", map[string]string{"password": "hunter22"}); w.Code != http.StatusForbidden {
		t.Errorf("login before setup = %d, want 403", w.Code)
	}

	token := ts.setup(t)

	if w := ts.do(http.MethodPost, "/api/auth/setup", "", map[string]string{"password": "another1"}); w.Code != http.StatusBadRequest {
		t.Errorf("second setup = %d, want 400", w.Code)
	}
	if w := ts.do(http.MethodPost, "/api/auth/login", "", map[string]string{"password": "wrong-one"}); w.Code != http.StatusUnauthorized {
		t.Errorf("login with wrong password = %d, want 401", w.Code)
	}
	w = ts.do(http.MethodPost, "/api/auth/login", "", map[string]string{"password": "hunter22"})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d", w.Code)
	}
	if cookie := w.Header().Get("Set-Cookie"); !strings.HasPrefix(cookie, "polarbridge_auth=") {
		t.Errorf("login cookie = %q", cookie)
	}

	w = ts.do(http.MethodGet, "/api/auth/status", token, nil)
	if !strings.Contains(w.Body.String(), `"authenticated":true`) {
		t.Errorf("status with token = %s", w.Body)
	}

	w = ts.do(http.MethodPost, "/api/auth/password", token, map[string]string{
		"current_password": "hunter22",
		"new_password":     "correct-horse",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("change password = %d, body %s", w.Code, w.Body)
	}
	if w := ts.do(http.MethodPost, "/api/auth/login", "", map[string]string{"password": "correct-horse"}); w.Code != http.StatusOK {
		t.Errorf("login with new password = %d", w.Code)
	}
}

func TestSecretSurvivesRestart(t *testing.T) {
	store, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	defer store.Close()

	first, err := middleware.NewAuth(store.Settings, false)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	second, err := middleware.NewAuth(store.Settings, false)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}

	r := NewRouter(Deps{Config: config.LoadFromEnv(), Auth: first, Session: &fakeSession{}, Outcomes: handlers.NewOutcomeLog(nil), Jobs: store.Jobs})
	ts := &testServer{router: r}
	token := ts.setup(t)

	ts.router = NewRouter(Deps{Config: config.LoadFromEnv(), Auth: second, Session: &fakeSession{}, Outcomes: handlers.NewOutcomeLog(nil), Jobs: store.Jobs})
	if w := ts.do(http.MethodGet, "/api/settings", token, nil); w.Code != http.StatusOK {
		t.Errorf("token from previous instance rejected: %d", w.Code)
	}
}

func TestCloudStatus(t *testing.T) {
	ts := newTestServer(t)
	token := ts.setup(t)

	ts.outcomes.Notify(core.Outcome{Event: core.OutcomeRegistered, Serial: "P3D-1234", At: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})

	w := ts.do(http.MethodGet, "/api/cloud", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/cloud = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["serial"] != "P3D-1234" || resp["connected"] != true || resp["job_id"] != core.NoJobID {
		t.Errorf("snapshot fields = %v", resp)
	}
	last, ok := resp["last_registration"].(map[string]any)
	if !ok || last["event"] != core.OutcomeRegistered {
		t.Errorf("last_registration = %v", resp["last_registration"])
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestCloudRegister(t *testing.T) {
	ts := newTestServer(t)
	token := ts.setup(t)

	w := ts.do(http.MethodPost, "/api/cloud/register", token, map[string]string{"email": "not-an-email", "pin": "1234"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid email = %d, want 400", w.Code)
	}

	w = ts.do(http.MethodPost, "/api/cloud/register", token, map[string]string{
		"email":        "maker@example.com",
		"pin":          "1234",
		"printer_type": "Printrbelt",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("register = %d, body %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"status":"WAIT"`) {
		t.Errorf("register body = %s", w.Body)
	}
	if len(ts.session.registered) != 1 || ts.session.registered[0] != "maker@example.com|1234||Printrbelt" {
		t.Errorf("register calls = %v", ts.session.registered)
	}

	w = ts.do(http.MethodPost, "/api/cloud/unregister", token, nil)
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), `"status":"FAIL"`) {
		t.Errorf("unregister = %d %s", w.Code, w.Body)
	}
}

func TestJobHistory(t *testing.T) {
	ts := newTestServer(t)
	token := ts.setup(t)
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := ts.store.Jobs.CreateJob(ctx, &db.CloudJob{JobID: id, FileURL: "https://cloud/" + id + ".gcode", FileType: "gcode"}); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	w := ts.do(http.MethodGet, "/api/jobs?limit=2", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/jobs = %d", w.Code)
	}
	var resp handlers.ListJobsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 3 || len(resp.Jobs) != 2 || resp.Limit != 2 {
		t.Errorf("jobs response = total %d, %d jobs, limit %d", resp.Total, len(resp.Jobs), resp.Limit)
	}

	if w := ts.do(http.MethodGet, "/api/jobs?limit=500", token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("limit above max = %d, want 400", w.Code)
	}
}

func TestSettingsHideAPIKey(t *testing.T) {
	ts := newTestServer(t)
	token := ts.setup(t)

	w := ts.do(http.MethodGet, "/api/settings", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/settings = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "very-secret") {
		t.Error("settings leak the printer api key")
	}
	if !strings.Contains(w.Body.String(), `"api_key_set":true`) {
		t.Errorf("settings body = %s", w.Body)
	}
}
