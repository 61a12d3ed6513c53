package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ernie/warden/internal/auth"
	"github.com/ernie/warden/internal/console"
	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/ops"
	"github.com/ernie/warden/internal/storage"
	"github.com/ernie/warden/internal/supervisor"
)

type testEnv struct {
	router  *Router
	store   *storage.Store
	auth    *auth.Service
	started *int
	sent    *[]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "warden.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authSvc := auth.NewService("test-secret", time.Hour)

	var mu sync.Mutex
	var sent []string
	started := 0
	registry := ops.Registry{
		"server:start": {
			Key:                "server:start",
			RequiredPermission: "server:start",
			Executor: func(actor ops.Actor, params ops.Params) *supervisor.Result {
				mu.Lock()
				started++
				mu.Unlock()
				return &supervisor.Result{Success: true, Ready: true, PID: 4242}
			},
		},
		"server:stop": {
			Key:                "server:stop",
			RequiredPermission: "server:stop",
			AdminOnly:          true,
			Executor: func(actor ops.Actor, params ops.Params) *supervisor.Result {
				return &supervisor.Result{Success: true, Method: "rcon"}
			},
		},
	}
	registry.RegisterCommand(func(command string) domain.CommandResult {
		mu.Lock()
		sent = append(sent, command)
		mu.Unlock()
		return domain.CommandResult{Success: true, Response: "done"}
	}, nil)
	executor := ops.NewExecutor(registry, ops.NewLimiter(), nil, filepath.Join(dir, "operations.jsonl"))

	buf := console.NewBuffer(100)
	for _, line := range []string{"Server started", "Player joined"} {
		buf.Append(domain.LogEntry{Time: time.Now().Format("15:04:05"), Message: line})
	}

	router := NewRouter(Deps{
		Store:    store,
		Auth:     authSvc,
		Executor: executor,
		Status: func() domain.ServerStatus {
			return domain.ServerStatus{Running: true, Healthy: true, StateReason: domain.StateOK}
		},
		Console: buf,
	})

	return &testEnv{router: router, store: store, auth: authSvc, started: &started, sent: &sent}
}

// createUser inserts a user and returns a valid token for it.
func (e *testEnv) createUser(t *testing.T, username string, isAdmin bool, perms []string) string {
	t.Helper()
	hash, err := auth.HashPassword("password123")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	if err := e.store.CreateUser(context.Background(), username, hash, isAdmin, perms); err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	user, err := e.store.GetUserByUsername(context.Background(), username)
	if err != nil {
		t.Fatalf("failed to load user %s: %v", username, err)
	}
	token, err := e.auth.GenerateToken(user.ID, user.Username, user.IsAdmin, user.Permissions, false)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestStatusIsPublic(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "GET", "/api/status", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["running"] != true {
		t.Errorf("expected running=true, got %v", body["running"])
	}
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", false, []string{"server:start"})

	w := env.request(t, "POST", "/api/auth/login", "",
		LoginRequest{Username: "alice", Password: "password123"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["token"] == "" || body["token"] == nil {
		t.Error("expected a token in the login response")
	}
	if body["username"] != "alice" {
		t.Errorf("expected username alice, got %v", body["username"])
	}

	w = env.request(t, "POST", "/api/auth/login", "",
		LoginRequest{Username: "alice", Password: "wrong-password"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", w.Code)
	}

	w = env.request(t, "POST", "/api/auth/login", "",
		LoginRequest{Username: "nobody", Password: "password123"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown user, got %d", w.Code)
	}
}

func TestServerOperationRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "POST", "/api/server/start", "", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}
	if *env.started != 0 {
		t.Error("operation ran without authentication")
	}
}

func TestServerOperationPermissions(t *testing.T) {
	env := newTestEnv(t)
	granted := env.createUser(t, "operator", false, []string{"server:start"})
	denied := env.createUser(t, "viewer", false, nil)

	w := env.request(t, "POST", "/api/server/start", denied, nil, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without permission, got %d: %s", w.Code, w.Body.String())
	}
	if *env.started != 0 {
		t.Error("operation ran despite missing permission")
	}

	w = env.request(t, "POST", "/api/server/start", granted, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with permission, got %d: %s", w.Code, w.Body.String())
	}
	if *env.started != 1 {
		t.Errorf("expected 1 execution, got %d", *env.started)
	}
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Errorf("expected success=true, got %v", body["success"])
	}
}

func TestServerOperationAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	// Explicit permission is not enough for admin-only operations.
	nonAdmin := env.createUser(t, "mod", false, []string{"server:stop"})
	admin := env.createUser(t, "root", true, nil)

	w := env.request(t, "POST", "/api/server/stop", nonAdmin, nil, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin stop, got %d", w.Code)
	}

	w = env.request(t, "POST", "/api/server/stop", admin, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for admin stop, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServerOperationUnknownAction(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t, "admin", true, nil)

	w := env.request(t, "POST", "/api/server/explode", token, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown action, got %d", w.Code)
	}
}

func TestServerOperationIdempotency(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t, "admin", true, nil)
	headers := map[string]string{"Idempotency-Key": "abc-123"}

	w := env.request(t, "POST", "/api/server/start", token, nil, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on first call, got %d", w.Code)
	}
	first := decodeBody(t, w)
	if first["idempotent_replay"] != nil {
		t.Error("first execution should not be flagged as a replay")
	}

	w = env.request(t, "POST", "/api/server/start", token, nil, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", w.Code)
	}
	replay := decodeBody(t, w)
	if replay["idempotent_replay"] != true {
		t.Errorf("expected replay flag, got %v", replay)
	}
	if *env.started != 1 {
		t.Errorf("expected a single execution, got %d", *env.started)
	}
}

func TestCommandDangerousRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t, "mod", false, []string{"console:command"})

	w := env.request(t, "POST", "/api/command", token,
		CommandRequest{Command: "/stop"}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for dangerous command, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["command"] != "stop" {
		t.Errorf("expected base command stop, got %v", body["command"])
	}
	if len(*env.sent) != 0 {
		t.Error("dangerous command reached the server")
	}

	w = env.request(t, "POST", "/api/command", token,
		CommandRequest{Command: "list"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for allowed command, got %d", w.Code)
	}
	if len(*env.sent) != 1 || (*env.sent)[0] != "list" {
		t.Errorf("expected list to be sent, got %v", *env.sent)
	}
}

func TestCommandRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t, "viewer", false, nil)

	w := env.request(t, "POST", "/api/command", token,
		CommandRequest{Command: "list"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 without console:command, got %d", w.Code)
	}
}

func TestConsoleHistory(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t, "admin", true, nil)

	w := env.request(t, "GET", "/api/console?lines=10", token, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["count"] != float64(2) {
		t.Errorf("expected 2 lines, got %v", body["count"])
	}
}

func TestUserManagementAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice", false, nil)
	admin := env.createUser(t, "root", true, nil)

	w := env.request(t, "GET", "/api/users", user, nil, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", w.Code)
	}

	w = env.request(t, "GET", "/api/users", admin, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", w.Code)
	}
	var users []UserResponse
	if err := json.Unmarshal(w.Body.Bytes(), &users); err != nil {
		t.Fatalf("failed to decode user list: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %d", len(users))
	}
	for _, u := range users {
		if u.Username == "" {
			t.Error("user list entry missing username")
		}
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	env := newTestEnv(t)
	admin := env.createUser(t, "root", true, nil)

	body := CreateUserRequest{Username: "bob", Password: "password123"}
	w := env.request(t, "POST", "/api/users", admin, body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.request(t, "POST", "/api/users", admin, body, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate username, got %d", w.Code)
	}
}

func TestDeleteUserSelfGuard(t *testing.T) {
	env := newTestEnv(t)
	admin := env.createUser(t, "root", true, nil)
	env.createUser(t, "bob", false, nil)

	w := env.request(t, "DELETE", "/api/users/root", admin, nil, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 deleting yourself, got %d", w.Code)
	}

	w = env.request(t, "DELETE", "/api/users/bob", admin, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 deleting another user, got %d", w.Code)
	}
}

func TestUpdateUserLastAdminGuard(t *testing.T) {
	env := newTestEnv(t)
	admin := env.createUser(t, "root", true, nil)

	rootUser, err := env.store.GetUserByUsername(context.Background(), "root")
	if err != nil {
		t.Fatalf("failed to load root: %v", err)
	}

	demote := false
	w := env.request(t, "PATCH", "/api/users/"+strconv.FormatInt(rootUser.ID, 10), admin,
		UpdateUserRequest{IsAdmin: &demote}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 demoting the last admin, got %d: %s", w.Code, w.Body.String())
	}
}

func TestChangePasswordReissuesToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t, "alice", false, nil)

	w := env.request(t, "POST", "/api/auth/change-password", token,
		ChangePasswordRequest{CurrentPassword: "password123", NewPassword: "brand-new-pass"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	newToken, _ := body["token"].(string)
	if newToken == "" {
		t.Fatal("expected a reissued token")
	}
	claims, err := env.auth.ValidateToken(newToken)
	if err != nil {
		t.Fatalf("reissued token invalid: %v", err)
	}
	if claims.PasswordChangeRequired {
		t.Error("reissued token should clear the password change flag")
	}

	w = env.request(t, "POST", "/api/auth/change-password", token,
		ChangePasswordRequest{CurrentPassword: "password123", NewPassword: "another-pass"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with stale current password, got %d", w.Code)
	}
}

func TestAuthCheck(t *testing.T) {
	env := newTestEnv(t)
	token := env.createUser(t, "alice", false, []string{"console:read"})

	w := env.request(t, "GET", "/api/auth/check", token, nil, nil)
	body := decodeBody(t, w)
	if body["authenticated"] != true {
		t.Errorf("expected authenticated=true, got %v", body["authenticated"])
	}

	w = env.request(t, "GET", "/api/auth/check", "garbage-token", nil, nil)
	body = decodeBody(t, w)
	if body["authenticated"] != false {
		t.Errorf("expected authenticated=false, got %v", body["authenticated"])
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "OPTIONS", "/api/status", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS allow-origin header")
	}
}
