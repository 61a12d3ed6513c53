package ops

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ernie/warden/internal/supervisor"
)

func newTestExecutor(t *testing.T, registry Registry) (*Executor, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	e := NewExecutor(registry, NewLimiter(), nil,
		filepath.Join(t.TempDir(), "operation_state.jsonl"))
	e.now = func() time.Time { return clock }
	e.limiter.now = e.now
	n := 0
	e.newID = func() string { n++; return "op-" + string(rune('0'+n)) }
	return e, &clock
}

func countingSpec(key string, calls *int, result *supervisor.Result) Spec {
	return Spec{
		Key: key,
		Executor: func(actor Actor, params Params) *supervisor.Result {
			*calls++
			return result
		},
	}
}

func TestExecuteSuccess(t *testing.T) {
	calls := 0
	reg := Registry{"server:start": countingSpec("server:start", &calls,
		&supervisor.Result{Success: true, PID: 99})}
	e, _ := newTestExecutor(t, reg)

	out, err := e.Execute("server:start", Actor{Label: "alice", Admin: true}, nil, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success || out.PID != 99 {
		t.Fatalf("outcome = %+v", out)
	}
	if calls != 1 {
		t.Fatalf("executor calls = %d, want 1", calls)
	}
}

func TestExecuteUnknownOperation(t *testing.T) {
	e, _ := newTestExecutor(t, Registry{})
	_, err := e.Execute("server:explode", Actor{Label: "alice", Admin: true}, nil, "")
	var unknownErr *UnknownOperationError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("err = %v, want UnknownOperationError", err)
	}
}

func TestExecuteAdminOnly(t *testing.T) {
	calls := 0
	spec := countingSpec("server:stop", &calls, &supervisor.Result{Success: true})
	spec.AdminOnly = true
	e, _ := newTestExecutor(t, Registry{"server:stop": spec})

	_, err := e.Execute("server:stop", Actor{Label: "bob"}, nil, "")
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}
	if calls != 0 {
		t.Fatalf("executor ran despite forbidden")
	}

	if _, err := e.Execute("server:stop", Actor{Label: "root", Admin: true}, nil, ""); err != nil {
		t.Fatalf("admin execute: %v", err)
	}
}

func TestExecutePermissionCheck(t *testing.T) {
	calls := 0
	spec := countingSpec("server:restart", &calls, &supervisor.Result{Success: true})
	spec.RequiredPermission = "server:restart"
	e, _ := newTestExecutor(t, Registry{"server:restart": spec})

	_, err := e.Execute("server:restart", Actor{Label: "bob"}, nil, "")
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}

	actor := Actor{Label: "carol", Permissions: []string{"server:restart"}}
	if _, err := e.Execute("server:restart", actor, nil, ""); err != nil {
		t.Fatalf("permitted execute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("executor calls = %d, want 1", calls)
	}
}

func TestExecuteRateLimit(t *testing.T) {
	calls := 0
	reg := Registry{"server:start": countingSpec("server:start", &calls,
		&supervisor.Result{Success: true})}
	e, _ := newTestExecutor(t, reg)
	actor := Actor{Label: "alice", Admin: true}

	for i := 0; i < 10; i++ {
		if _, err := e.Execute("server:start", actor, nil, ""); err != nil {
			t.Fatalf("execute %d: %v", i+1, err)
		}
	}

	_, err := e.Execute("server:start", actor, nil, "")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter < 1 {
		t.Fatalf("retry after = %d", rl.RetryAfter)
	}
}

func TestExecuteIdempotentReplay(t *testing.T) {
	calls := 0
	reg := Registry{"server:restart": countingSpec("server:restart", &calls,
		&supervisor.Result{Success: true, Message: "restarted"})}
	e, _ := newTestExecutor(t, reg)
	actor := Actor{Label: "alice", Admin: true}

	first, err := e.Execute("server:restart", actor, nil, "token-1")
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.IdempotentReplay {
		t.Fatal("first execution flagged as replay")
	}

	second, err := e.Execute("server:restart", actor, nil, "token-1")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.IdempotentReplay {
		t.Fatal("replay not flagged")
	}
	if second.Message != "restarted" {
		t.Fatalf("replay message = %q", second.Message)
	}
	if calls != 1 {
		t.Fatalf("executor calls = %d, want exactly 1", calls)
	}
}

func TestExecuteIdempotencyScopedToActorAndOp(t *testing.T) {
	calls := 0
	reg := Registry{"server:restart": countingSpec("server:restart", &calls,
		&supervisor.Result{Success: true})}
	e, _ := newTestExecutor(t, reg)

	e.Execute("server:restart", Actor{Label: "alice", Admin: true}, nil, "tok")
	e.Execute("server:restart", Actor{Label: "bob", Admin: true}, nil, "tok")
	if calls != 2 {
		t.Fatalf("executor calls = %d, want 2 (different actors)", calls)
	}
}

func TestExecuteIdempotencyTTLExpires(t *testing.T) {
	calls := 0
	reg := Registry{"server:restart": countingSpec("server:restart", &calls,
		&supervisor.Result{Success: true})}
	e, clock := newTestExecutor(t, reg)
	actor := Actor{Label: "alice", Admin: true}

	e.Execute("server:restart", actor, nil, "tok")
	*clock = clock.Add(16 * time.Minute)
	out, err := e.Execute("server:restart", actor, nil, "tok")
	if err != nil {
		t.Fatalf("execute after TTL: %v", err)
	}
	if out.IdempotentReplay {
		t.Fatal("expired entry still replayed")
	}
	if calls != 2 {
		t.Fatalf("executor calls = %d, want 2", calls)
	}
}

func TestExecuteInProgressConflict(t *testing.T) {
	e, _ := newTestExecutor(t, Registry{"server:restart": {
		Key: "server:restart",
		Executor: func(actor Actor, params Params) *supervisor.Result {
			return &supervisor.Result{Success: true}
		},
	}})
	actor := Actor{Label: "alice", Admin: true}

	// Simulate a concurrent in-flight execution holding the key.
	e.idemMu.Lock()
	e.idemCache["server:restart:alice:tok"] = idemEntry{
		status:    "in_progress",
		expiresAt: e.now().Add(idempotencyTTL),
	}
	e.idemMu.Unlock()

	out, err := e.Execute("server:restart", actor, nil, "tok")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Success {
		t.Fatal("conflicting execution succeeded")
	}
	if out.Status != "in_progress" || !out.IdempotentReplay {
		t.Fatalf("outcome = %+v, want in_progress replay", out)
	}
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	e, _ := newTestExecutor(t, Registry{"server:restart": {
		Key: "server:restart",
		Executor: func(actor Actor, params Params) *supervisor.Result {
			panic("boom")
		},
	}})

	out, err := e.Execute("server:restart", Actor{Label: "alice", Admin: true}, nil, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Success {
		t.Fatal("panicking operation reported success")
	}
	if out.Error == "" {
		t.Fatal("panic failure has no error message")
	}
}

func TestExecuteJournalsState(t *testing.T) {
	reg := Registry{"server:start": {
		Key: "server:start",
		Executor: func(actor Actor, params Params) *supervisor.Result {
			return &supervisor.Result{Success: false, Error: "start.sh not found"}
		},
	}}
	e, _ := newTestExecutor(t, reg)

	if _, err := e.Execute("server:start", Actor{Label: "alice", Admin: true}, nil, "tok"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	f, err := os.Open(e.statePath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var records []stateRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec stateRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad journal line: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("journal records = %d, want started + failed", len(records))
	}
	if records[0].Status != "started" || records[0].FinishedAt != nil {
		t.Fatalf("first record = %+v", records[0])
	}
	if records[1].Status != "failed" || records[1].Error != "start.sh not found" {
		t.Fatalf("second record = %+v", records[1])
	}
	if records[0].OpID == "" || records[0].OpID != records[1].OpID {
		t.Fatalf("op ids = %q / %q", records[0].OpID, records[1].OpID)
	}
	if records[0].IdempotencyKey != "tok" {
		t.Fatalf("idempotency key = %q", records[0].IdempotencyKey)
	}
}
