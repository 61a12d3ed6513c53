package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ernie/warden/internal/auth"
	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/ops"
	"github.com/ernie/warden/internal/rcon"
)

// actorFromClaims maps JWT claims onto the executor's actor identity
func actorFromClaims(claims *auth.Claims) ops.Actor {
	return ops.Actor{
		Label:       claims.Username,
		Admin:       claims.IsAdmin,
		Permissions: claims.Permissions,
	}
}

// handleServerOperation dispatches a lifecycle action through the
// operation executor. The Idempotency-Key header makes the call
// at-most-once; replays return the original result.
func (r *Router) handleServerOperation(w http.ResponseWriter, req *http.Request) {
	claims := r.getAuthClaims(req)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	action := req.PathValue("action")
	if !validateOperation(action) {
		writeError(w, http.StatusNotFound, "unknown action: "+action)
		return
	}

	var params ops.Params
	if req.Body != nil {
		// Body is optional; a decode error on an empty body is fine.
		json.NewDecoder(req.Body).Decode(&params)
	}

	idempotencyKey := req.Header.Get("Idempotency-Key")
	outcome, err := r.executor.Execute("server:"+action, actorFromClaims(claims), params, idempotencyKey)
	if err != nil {
		var rateLimited *ops.RateLimitedError
		var forbidden *ops.ForbiddenError
		var unknown *ops.UnknownOperationError
		switch {
		case errors.As(err, &rateLimited):
			w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfter))
			writeError(w, http.StatusTooManyRequests, rateLimited.Error())
		case errors.As(err, &forbidden):
			writeError(w, http.StatusForbidden, forbidden.Error())
		case errors.As(err, &unknown):
			writeError(w, http.StatusNotFound, unknown.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	// A completed manual restart arms the reboot scheduler's grace
	// window so the empty-server trigger does not immediately fire.
	if action == "restart" && outcome.Success && !outcome.IdempotentReplay && r.reboot != nil {
		r.reboot.NoteRestart()
	}

	if !outcome.IdempotentReplay && r.wsHub != nil {
		opStatus := "failed"
		if outcome.Success {
			opStatus = "succeeded"
		}
		r.wsHub.Broadcast(domain.Event{
			Type:      domain.EventOperation,
			Timestamp: time.Now(),
			Data: domain.OperationEvent{
				OpKey:  "server:" + action,
				Actor:  claims.Username,
				Status: opStatus,
				Error:  outcome.Result.Error,
			},
		})
	}

	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, outcome)
}

// CommandRequest is the request body for console commands
type CommandRequest struct {
	Command string `json:"command"`
}

// handleCommand executes a console command over RCON after vetting it
// against the dangerous-command set.
func (r *Router) handleCommand(w http.ResponseWriter, req *http.Request) {
	claims := r.getAuthClaims(req)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body CommandRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	decision := rcon.Decide(body.Command, r.dangerous)
	if !decision.Allowed {
		if r.audit != nil {
			r.audit.Event(claims.Username, "command:"+decision.BaseCommand, "console", "denied",
				map[string]any{"reason": decision.Reason})
		}
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":   decision.Reason,
			"command": decision.BaseCommand,
		})
		return
	}

	outcome, err := r.executor.Execute("server:command", actorFromClaims(claims),
		ops.Params{"command": body.Command}, "")
	if err != nil {
		var rateLimited *ops.RateLimitedError
		var forbidden *ops.ForbiddenError
		switch {
		case errors.As(err, &rateLimited):
			w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfter))
			writeError(w, http.StatusTooManyRequests, rateLimited.Error())
		case errors.As(err, &forbidden):
			writeError(w, http.StatusForbidden, forbidden.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	result := domain.CommandResult{
		Success:  outcome.Success,
		Response: outcome.Message,
		Error:    outcome.Result.Error,
	}
	if !result.Success {
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
