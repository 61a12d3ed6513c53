package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ernie/warden/internal/audit"
	"github.com/ernie/warden/internal/auth"
	"github.com/ernie/warden/internal/console"
	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/metrics"
	"github.com/ernie/warden/internal/ops"
	"github.com/ernie/warden/internal/rcon"
	"github.com/ernie/warden/internal/sched"
	"github.com/ernie/warden/internal/storage"
)

// Deps are the collaborators the router serves. Status is a function
// so tests can substitute a fake without a live process.
type Deps struct {
	Store     *storage.Store
	Auth      *auth.Service
	Executor  *ops.Executor
	Status    func() domain.ServerStatus
	Console   *console.Buffer
	Metrics   *metrics.Store
	Collector *metrics.Collector
	Reboot    *sched.RebootScheduler
	Backup    *sched.BackupScheduler
	Audit     *audit.Logger
	Dangerous map[string]bool
	StaticDir string
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux         *http.ServeMux
	store       *storage.Store
	auth        *auth.Service
	executor    *ops.Executor
	status      func() domain.ServerStatus
	console     *console.Buffer
	metrics     *metrics.Store
	collector   *metrics.Collector
	reboot      *sched.RebootScheduler
	backupSched *sched.BackupScheduler
	audit       *audit.Logger
	wsHub       *WebSocketHub
	dangerous   map[string]bool
	staticDir   string
}

// NewRouter creates a new HTTP router
func NewRouter(deps Deps) *Router {
	dangerous := deps.Dangerous
	if dangerous == nil {
		dangerous = rcon.DefaultDangerousCommands
	}

	r := &Router{
		mux:         http.NewServeMux(),
		store:       deps.Store,
		auth:        deps.Auth,
		executor:    deps.Executor,
		status:      deps.Status,
		console:     deps.Console,
		metrics:     deps.Metrics,
		collector:   deps.Collector,
		reboot:      deps.Reboot,
		backupSched: deps.Backup,
		audit:       deps.Audit,
		wsHub:       NewWebSocketHub(),
		dangerous:   dangerous,
		staticDir:   deps.StaticDir,
	}

	// Server status and control
	r.mux.HandleFunc("GET /api/status", r.handleStatus)
	r.mux.HandleFunc("POST /api/server/{action}", r.requireAuth(r.handleServerOperation))
	r.mux.HandleFunc("POST /api/command", r.requirePermission("console:command", r.handleCommand))

	// Console history
	r.mux.HandleFunc("GET /api/console", r.requirePermission("console:read", r.handleGetConsole))

	// Metrics
	r.mux.HandleFunc("GET /api/metrics", r.handleGetMetrics)
	r.mux.HandleFunc("GET /api/metrics/latest", r.handleGetMetricsLatest)
	r.mux.HandleFunc("GET /api/metrics/disk", r.handleGetDiskHistory)

	// Reboot scheduler
	r.mux.HandleFunc("GET /api/scheduler/reboot/status", r.requireAuth(r.handleRebootStatus))
	r.mux.HandleFunc("GET /api/scheduler/reboot/config", r.requireAuth(r.handleRebootConfig))
	r.mux.HandleFunc("PUT /api/scheduler/reboot/config", r.requireAdmin(r.handleRebootConfigUpdate))
	r.mux.HandleFunc("GET /api/scheduler/reboot/logs", r.requireAuth(r.handleRebootLogs))
	r.mux.HandleFunc("POST /api/scheduler/reboot/trigger", r.requirePermission("server:restart", r.handleRebootTrigger))
	r.mux.HandleFunc("POST /api/scheduler/reboot/cancel", r.requirePermission("server:restart", r.handleRebootCancel))
	r.mux.HandleFunc("POST /api/scheduler/reboot/purge", r.requireAdmin(r.handleRebootPurge))

	// Backup scheduler
	r.mux.HandleFunc("GET /api/scheduler/backup/status", r.requireAuth(r.handleBackupStatus))
	r.mux.HandleFunc("GET /api/scheduler/backup/config", r.requireAuth(r.handleBackupConfig))
	r.mux.HandleFunc("PUT /api/scheduler/backup/config", r.requireAdmin(r.handleBackupConfigUpdate))
	r.mux.HandleFunc("GET /api/scheduler/backup/logs", r.requireAuth(r.handleBackupLogs))
	r.mux.HandleFunc("POST /api/scheduler/backup/trigger", r.requirePermission("backup:trigger", r.handleBackupTrigger))
	r.mux.HandleFunc("POST /api/scheduler/backup/cancel", r.requirePermission("backup:trigger", r.handleBackupCancel))
	r.mux.HandleFunc("POST /api/scheduler/backup/clear-error", r.requireAdmin(r.handleBackupClearError))

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("POST /api/auth/logout", r.handleLogout)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)
	r.mux.HandleFunc("POST /api/auth/change-password", r.requireAuth(r.handleChangePassword))

	// User management routes (admin only)
	r.mux.HandleFunc("GET /api/users", r.requireAdmin(r.handleListUsers))
	r.mux.HandleFunc("POST /api/users", r.requireAdmin(r.handleCreateUser))
	r.mux.HandleFunc("DELETE /api/users/{username}", r.requireAdmin(r.handleDeleteUser))
	r.mux.HandleFunc("PATCH /api/users/{id}", r.requireAdmin(r.handleUpdateUser))
	r.mux.HandleFunc("POST /api/users/{id}/reset-password", r.requireAdmin(r.handleResetUserPassword))

	// WebSocket endpoints
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)
	r.mux.HandleFunc("GET /ws/console", r.handleConsoleWebSocket)
	r.mux.HandleFunc("GET /ws/metrics", r.handleMetricsWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Static files - only serve if staticDir is configured
	if r.staticDir != "" {
		r.mux.HandleFunc("GET /", r.handleStatic)
	}

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS headers for API
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// handleStatic serves static files from the configured directory
// For SPA support, serves index.html for any path that doesn't match a file
func (r *Router) handleStatic(w http.ResponseWriter, req *http.Request) {
	// Clean the path
	path := filepath.Clean(req.URL.Path)
	if path == "/" {
		path = "/index.html"
	}

	// Construct full file path
	fullPath := filepath.Join(r.staticDir, path)

	// Security: ensure the path is within staticDir
	absStaticDir, _ := filepath.Abs(r.staticDir)
	absPath, _ := filepath.Abs(fullPath)
	if !strings.HasPrefix(absPath, absStaticDir) {
		http.NotFound(w, req)
		return
	}

	// Check if file exists
	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		// SPA fallback: serve index.html for unknown paths
		fullPath = filepath.Join(r.staticDir, "index.html")
		info, err = os.Stat(fullPath)
		if err != nil {
			http.NotFound(w, req)
			return
		}
	}

	// Set content type based on extension
	contentType := getContentType(fullPath)
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	// Serve the file
	http.ServeFile(w, req, fullPath)
}

// getContentType returns the content type for a file based on extension
func getContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".html":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".ico":
		return "image/x-icon"
	default:
		return ""
	}
}
