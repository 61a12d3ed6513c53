package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ernie/warden/internal/ops"
	"github.com/ernie/warden/internal/sched"
)

// --- Reboot scheduler ---

func (r *Router) handleRebootStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.reboot.Status())
}

func (r *Router) handleRebootConfig(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.reboot.Config())
}

func (r *Router) handleRebootConfigUpdate(w http.ResponseWriter, req *http.Request) {
	var cfg sched.RebootConfig
	if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cfg.CountdownMinutes <= 0 || cfg.EmptyHoursThreshold <= 0 || cfg.MaxUptimeHours <= 0 {
		writeError(w, http.StatusBadRequest, "thresholds must be positive")
		return
	}

	r.reboot.UpdateConfig(cfg)
	if r.audit != nil {
		claims := r.getAuthClaims(req)
		if claims != nil {
			r.audit.Event(claims.Username, "scheduler:reboot:config", "scheduler", "succeeded", nil)
		}
	}
	writeJSON(w, http.StatusOK, r.reboot.Config())
}

func (r *Router) handleRebootLogs(w http.ResponseWriter, req *http.Request) {
	limit := parseLimit(req, 50, 100)
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": r.reboot.Logs(limit)})
}

// handleRebootTrigger starts a manual restart: immediate when the
// server is empty, countdown with warnings otherwise.
func (r *Router) handleRebootTrigger(w http.ResponseWriter, req *http.Request) {
	message, err := r.reboot.TriggerRestart()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (r *Router) handleRebootCancel(w http.ResponseWriter, req *http.Request) {
	if err := r.reboot.CancelCountdown(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "restart cancelled"})
}

func (r *Router) handleRebootPurge(w http.ResponseWriter, req *http.Request) {
	if err := r.reboot.ExecutePurge(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "purge executed"})
}

// --- Backup scheduler ---

func (r *Router) handleBackupStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.backupSched.Status())
}

func (r *Router) handleBackupConfig(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.backupSched.Config())
}

func (r *Router) handleBackupConfigUpdate(w http.ResponseWriter, req *http.Request) {
	var cfg sched.BackupConfig
	if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cfg.IntervalDays <= 0 || cfg.KeepBackups <= 0 || cfg.CountdownMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "intervals must be positive")
		return
	}
	if cfg.Hour < 0 || cfg.Hour > 23 || cfg.Minute < 0 || cfg.Minute > 59 {
		writeError(w, http.StatusBadRequest, "invalid backup time")
		return
	}

	r.backupSched.UpdateConfig(cfg)
	if r.audit != nil {
		claims := r.getAuthClaims(req)
		if claims != nil {
			r.audit.Event(claims.Username, "scheduler:backup:config", "scheduler", "succeeded", nil)
		}
	}
	writeJSON(w, http.StatusOK, r.backupSched.Config())
}

func (r *Router) handleBackupLogs(w http.ResponseWriter, req *http.Request) {
	limit := parseLimit(req, 50, 100)
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": r.backupSched.Logs(limit)})
}

// handleBackupTrigger runs backup:run through the operation executor
// so manual backups are rate limited and journaled like other
// lifecycle operations.
func (r *Router) handleBackupTrigger(w http.ResponseWriter, req *http.Request) {
	claims := r.getAuthClaims(req)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	outcome, err := r.executor.Execute("backup:run", actorFromClaims(claims), nil,
		req.Header.Get("Idempotency-Key"))
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
	if !outcome.Success {
		writeError(w, http.StatusConflict, outcome.Result.Error)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": outcome.Message})
}

func (r *Router) handleBackupCancel(w http.ResponseWriter, req *http.Request) {
	if err := r.backupSched.CancelCountdown(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "backup cancelled"})
}

func (r *Router) handleBackupClearError(w http.ResponseWriter, req *http.Request) {
	r.backupSched.ClearError()
	writeJSON(w, http.StatusOK, map[string]string{"message": "error cleared"})
}
