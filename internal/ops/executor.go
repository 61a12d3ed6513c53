package ops

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ernie/warden/internal/audit"
	"github.com/ernie/warden/internal/supervisor"
)

const (
	idempotencyTTL = 15 * time.Minute

	rateLimitPerActor   = 10
	rateLimitWindow     = 60 * time.Second
	rateLimitBucketName = "operations"
)

// Access errors map to HTTP status codes at the API layer.
type RateLimitedError struct {
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("Rate limit exceeded. Retry after %ds", e.RetryAfter)
}

type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return e.Reason }

type UnknownOperationError struct {
	Key string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation: %s", e.Key)
}

// Outcome is an operation result, optionally flagged as an
// idempotent replay of an earlier execution.
type Outcome struct {
	*supervisor.Result
	Status           string `json:"status,omitempty"`
	IdempotentReplay bool   `json:"idempotent_replay,omitempty"`
}

type idemEntry struct {
	status    string // "in_progress" or "done"
	expiresAt time.Time
	result    *supervisor.Result
}

// Executor runs registered operations with rate limiting, permission
// checks, idempotency and a persistent state journal.
type Executor struct {
	registry  Registry
	limiter   *Limiter
	audit     *audit.Logger
	statePath string

	idemMu    sync.Mutex
	idemCache map[string]idemEntry

	stateMu sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewExecutor creates an executor journaling to statePath. auditLog
// may be nil to disable audit events.
func NewExecutor(registry Registry, limiter *Limiter, auditLog *audit.Logger, statePath string) *Executor {
	return &Executor{
		registry:  registry,
		limiter:   limiter,
		audit:     auditLog,
		statePath: statePath,
		idemCache: make(map[string]idemEntry),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

type stateRecord struct {
	OpKey          string `json:"op_key"`
	OpID           string `json:"op_id"`
	Actor          string `json:"actor"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	StartedAt      int64  `json:"started_at"`
	FinishedAt     *int64 `json:"finished_at"`
	Status         string `json:"status"`
	Error          string `json:"error"`
}

func (e *Executor) appendState(rec stateRecord) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(e.statePath), 0o755); err != nil {
		log.Printf("Failed to create operation state dir: %v", err)
		return
	}
	f, err := os.OpenFile(e.statePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("Failed to open operation state file: %v", err)
		return
	}
	defer f.Close()
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("Failed to marshal operation state: %v", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("Failed to write operation state: %v", err)
	}
}

func (e *Executor) sweepExpired(now time.Time) {
	for key, entry := range e.idemCache {
		if !entry.expiresAt.After(now) {
			delete(e.idemCache, key)
		}
	}
}

// Execute runs an operation for an actor. An idempotencyKey makes the
// call at-most-once per (operation, actor, key) within the TTL:
// replays return the original result flagged IdempotentReplay, and
// concurrent duplicates are rejected as in progress.
func (e *Executor) Execute(key string, actor Actor, params Params, idempotencyKey string) (*Outcome, error) {
	spec, ok := e.registry[key]
	if !ok {
		return nil, &UnknownOperationError{Key: key}
	}
	if params == nil {
		params = Params{}
	}

	allowed, retryAfter := e.limiter.Check(rateLimitBucketName,
		fmt.Sprintf("%s:%s", actor.Label, spec.Key), rateLimitPerActor, rateLimitWindow)
	if !allowed {
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	if spec.AdminOnly && !actor.Admin {
		return nil, &ForbiddenError{Reason: "Admin access required"}
	}
	if spec.RequiredPermission != "" && !actor.HasPermission(spec.RequiredPermission) {
		return nil, &ForbiddenError{Reason: "Permission denied: " + spec.RequiredPermission}
	}

	if spec.Preflight != nil {
		if ok, reason := spec.Preflight(actor, params); !ok {
			if reason == "" {
				reason = "Preflight failed"
			}
			return &Outcome{Result: &supervisor.Result{Success: false, Error: reason}}, nil
		}
	}

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	cacheKey := ""
	now := e.now()

	if idempotencyKey != "" {
		cacheKey = fmt.Sprintf("%s:%s:%s", spec.Key, actor.Label, idempotencyKey)
		e.idemMu.Lock()
		e.sweepExpired(now)
		if existing, found := e.idemCache[cacheKey]; found {
			e.idemMu.Unlock()
			if existing.status == "done" {
				return &Outcome{Result: existing.result, IdempotentReplay: true}, nil
			}
			return &Outcome{
				Result: &supervisor.Result{
					Success: false,
					Error:   "Operation already in progress for this idempotency key",
				},
				Status:           "in_progress",
				IdempotentReplay: true,
			}, nil
		}
		e.idemCache[cacheKey] = idemEntry{status: "in_progress", expiresAt: now.Add(idempotencyTTL)}
		e.idemMu.Unlock()
	}

	opID := e.newID()
	startedAt := now.Unix()
	base := stateRecord{
		OpKey:          spec.Key,
		OpID:           opID,
		Actor:          actor.Label,
		IdempotencyKey: idempotencyKey,
		StartedAt:      startedAt,
	}
	started := base
	started.Status = "started"
	e.appendState(started)

	result := e.runExecutor(spec, actor, params)

	finishedAt := e.now().Unix()
	status := "failed"
	if result.Success {
		status = "succeeded"
	}
	finished := base
	finished.FinishedAt = &finishedAt
	finished.Status = status
	finished.Error = result.Error
	e.appendState(finished)

	if e.audit != nil {
		e.audit.Event(actor.Label, "operation:"+spec.Key, "server", status,
			map[string]any{"op_id": opID, "error": result.Error})
	}

	if cacheKey != "" {
		e.idemMu.Lock()
		e.idemCache[cacheKey] = idemEntry{
			status:    "done",
			expiresAt: e.now().Add(idempotencyTTL),
			result:    result,
		}
		e.idemMu.Unlock()
	}

	return &Outcome{Result: result}, nil
}

// runExecutor isolates executor panics into structured failures so a
// broken operation cannot take the panel down.
func (e *Executor) runExecutor(spec Spec, actor Actor, params Params) (result *supervisor.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Operation %s panicked: %v", spec.Key, r)
			result = &supervisor.Result{
				Success: false,
				Error:   fmt.Sprintf("Operation execution failed: %v", r),
			}
		}
	}()
	result = spec.Executor(actor, params)
	if result == nil {
		result = &supervisor.Result{Success: false, Error: "Operation execution failed"}
	}
	return result
}
