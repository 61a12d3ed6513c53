package supervisor

import (
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ernie/warden/internal/console"
	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/rcon"
)

const (
	// DefaultReadyTimeout bounds how long start waits for the server
	// to accept RCON after the process launches.
	DefaultReadyTimeout = 120 * time.Second

	// RestartCooldown is the minimum spacing between completed
	// restarts, shared across all restart sources.
	RestartCooldown = 120 * time.Second

	// RestartStartRetries is how many extra start attempts a restart
	// makes when the process dies during boot.
	RestartStartRetries = 2

	statusCacheTTL    = 5 * time.Second
	readyPollInterval = 1 * time.Second
	processBootGrace  = 20 * time.Second
	restartRetryDelay = 3 * time.Second

	rconStopWait    = 30
	sigtermStopWait = 15
)

// Error codes carried in Result.ErrorCode so callers can branch on
// failure kinds without string matching.
const (
	ErrCodeRestartInProgress   = "restart_in_progress"
	ErrCodeRestartCooldown     = "restart_cooldown"
	ErrCodeProcessExitedEarly  = "process_exited_early"
	ErrCodeRconNotReadyTimeout = "rcon_not_ready_timeout"
)

// ReadyChecks records what the readiness poll observed.
type ReadyChecks struct {
	ProcessAlive   bool   `json:"process_alive"`
	RconReady      bool   `json:"rcon_ready"`
	LastRconError  string `json:"last_rcon_error,omitempty"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Result is the outcome of a lifecycle operation. Failures are data,
// not Go errors: schedulers and the API branch on ErrorCode.
type Result struct {
	Success             bool                 `json:"success"`
	Error               string               `json:"error,omitempty"`
	ErrorCode           string               `json:"error_code,omitempty"`
	PID                 int                  `json:"pid,omitempty"`
	Ready               bool                 `json:"ready,omitempty"`
	Method              string               `json:"method,omitempty"`
	Message             string               `json:"message,omitempty"`
	ReadyChecks         *ReadyChecks         `json:"ready_checks,omitempty"`
	RestartStartAttempt int                  `json:"restart_start_attempt,omitempty"`
	RetryAfterSeconds   int                  `json:"retry_after_seconds,omitempty"`
	LastRestartSource   string               `json:"last_restart_source,omitempty"`
	Steps               []map[string]any     `json:"steps,omitempty"`
	Server              *domain.ServerStatus `json:"server,omitempty"`
}

// RestartOptions tune a restart cycle. Zero values select defaults.
type RestartOptions struct {
	ReadyTimeout     time.Duration
	RequireRconReady bool
	StartRetries     int
	RetryDelay       time.Duration
	Source           string
}

// Config locates the managed server installation.
type Config struct {
	ServerDir string
	GamePort  int
}

// Supervisor owns the Paper server process: start, stop, restart,
// recovery and health inspection. All lifecycle mutations serialize
// on an internal lock.
type Supervisor struct {
	serverDir      string
	startScript    string
	propertiesPath string
	pidFile        string
	logPath        string
	historyPath    string
	gamePort       int

	Console *console.Buffer
	tailer  *console.Tailer

	processMu sync.Mutex

	guardMu           sync.Mutex
	restartInProgress bool
	lastRestartDone   time.Time
	lastRestartSource string

	cacheMu       sync.Mutex
	cachedPlayers int
	cachedMax     int
	cacheValidAt  time.Time
	refreshing    bool

	// Swappable process and network probes. Tests replace these;
	// production uses the OS-backed defaults from New.
	now        func() time.Time
	sleep      func(time.Duration)
	probePort  func(port int) bool
	execRcon   func(cfg rcon.Config, command string) (string, error)
	snapshot   func() (running bool, pid int, stalePID bool)
	checkProc  func(pid int) bool
	spawn      func() (int, error)
	killProc   func(pid int, sig syscall.Signal) error
	rconConfig func() rcon.Config
}

// New creates a supervisor for the server installation under
// cfg.ServerDir.
func New(cfg Config) *Supervisor {
	if cfg.GamePort == 0 {
		cfg.GamePort = 25565
	}
	s := &Supervisor{
		serverDir:      cfg.ServerDir,
		startScript:    filepath.Join(cfg.ServerDir, "start.sh"),
		propertiesPath: filepath.Join(cfg.ServerDir, "server.properties"),
		pidFile:        filepath.Join(cfg.ServerDir, "server.pid"),
		logPath:        filepath.Join(cfg.ServerDir, "logs", "latest.log"),
		historyPath:    filepath.Join(cfg.ServerDir, "logs", "warden_console_history.jsonl"),
		gamePort:       cfg.GamePort,
		Console:        console.NewBuffer(console.BufferCapacity),
		now:            time.Now,
		sleep:          time.Sleep,
		probePort:      portListening,
		killProc: func(pid int, sig syscall.Signal) error {
			return syscall.Kill(pid, sig)
		},
	}
	s.execRcon = func(cfg rcon.Config, command string) (string, error) {
		return rcon.Execute(cfg.Host, cfg.Port, cfg.Password, command)
	}
	s.snapshot = s.processSnapshot
	s.checkProc = isServerProcess
	s.spawn = s.spawnProcess
	s.rconConfig = func() rcon.Config {
		props, err := rcon.LoadProperties(s.propertiesPath)
		if err != nil {
			log.Printf("Failed to read server.properties: %v", err)
			return rcon.Config{Host: "127.0.0.1", Port: 25575}
		}
		return rcon.ConfigFromProperties(props)
	}
	s.tailer = console.NewTailer(s.logPath, s.Console, s.IsRunning)
	return s
}

// LogPath returns the path of the tailed server log.
func (s *Supervisor) LogPath() string { return s.logPath }

// ServerDir returns the server installation directory.
func (s *Supervisor) ServerDir() string { return s.serverDir }

// PropertiesPath returns the server.properties location.
func (s *Supervisor) PropertiesPath() string { return s.propertiesPath }

// HistoryPath returns where console history is persisted across
// panel restarts.
func (s *Supervisor) HistoryPath() string { return s.historyPath }

// processSnapshot reports (running, pid, stalePID) and heals the PID
// file: stale entries are removed, discovered processes re-adopted.
func (s *Supervisor) processSnapshot() (bool, int, bool) {
	pid := readPIDFile(s.pidFile)
	if pid != 0 && s.checkProc(pid) {
		return true, pid, false
	}

	stale := false
	if pid != 0 {
		stale = true
		log.Printf("Stale PID file detected (PID %d is not the server), cleaning up", pid)
		deletePIDFile(s.pidFile)
	}

	if found := findServerPID(); found != 0 {
		if found != pid {
			log.Printf("Found server process via pgrep: PID %d", found)
		}
		if err := writePIDFile(s.pidFile, found); err != nil {
			log.Printf("Failed to write PID file: %v", err)
		}
		return true, found, stale
	}

	return false, 0, stale
}

// IsRunning reports whether the server process is alive.
func (s *Supervisor) IsRunning() bool {
	running, _, _ := s.snapshot()
	return running
}

// PID returns the server process ID, or 0 when not running.
func (s *Supervisor) PID() int {
	_, pid, _ := s.snapshot()
	return pid
}

func (s *Supervisor) spawnProcess() (int, error) {
	cmd := exec.Command("sh", s.startScript)
	cmd.Dir = s.serverDir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Detach: the server outlives the panel process.
	if err := cmd.Process.Release(); err != nil {
		log.Printf("Failed to release server process handle: %v", err)
	}
	return pid, nil
}

// Start launches the server as a detached process. With waitForReady
// it polls until the process is alive and, when requireRconReady is
// set, RCON answers a probe command.
func (s *Supervisor) Start(waitForReady bool, readyTimeout time.Duration, requireRconReady bool) *Result {
	s.processMu.Lock()
	defer s.processMu.Unlock()
	return s.startLocked(waitForReady, readyTimeout, requireRconReady)
}

func (s *Supervisor) startLocked(waitForReady bool, readyTimeout time.Duration, requireRconReady bool) *Result {
	if s.isRunningNoHeal() {
		return &Result{Success: false, Error: "Server is already running"}
	}
	if _, err := os.Stat(s.startScript); err != nil {
		return &Result{Success: false, Error: "start.sh not found"}
	}

	s.tailer.Stop()
	s.Console.Clear()
	s.tailer.SeekEnd()

	s.Console.AppendMarker("[warden] ==============================================")
	s.Console.AppendMarker("[warden] Starting Minecraft server...")

	pid, err := s.spawn()
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("Failed to launch start.sh: %v", err)}
	}
	if err := writePIDFile(s.pidFile, pid); err != nil {
		log.Printf("Failed to write PID file: %v", err)
	}
	s.tailer.Start()

	result := &Result{
		Success: true,
		PID:     pid,
		Message: "Server starting (detached mode)...",
	}
	if !waitForReady {
		return result
	}

	ready := s.waitForReady(readyTimeout, requireRconReady)
	if !ready.Success {
		return &Result{
			Success:     false,
			PID:         pid,
			Error:       ready.Error,
			ErrorCode:   ready.ErrorCode,
			ReadyChecks: ready.ReadyChecks,
		}
	}

	result.Ready = true
	result.Message = "Server started and passed readiness checks"
	result.ReadyChecks = ready.ReadyChecks
	return result
}

// isRunningNoHeal answers liveness without taking locks beyond the
// snapshot itself; used inside lifecycle methods that already hold
// processMu.
func (s *Supervisor) isRunningNoHeal() bool {
	running, _, _ := s.snapshot()
	return running
}

func (s *Supervisor) probeRconReady() (bool, string) {
	cfg := s.rconConfig()
	if !cfg.Enabled || cfg.Password == "" {
		return false, "rcon_not_configured"
	}
	if _, err := s.execRcon(cfg, "list"); err != nil {
		return false, fmt.Sprintf("rcon_error: %v", err)
	}
	return true, "ready"
}

func (s *Supervisor) waitForReady(timeout time.Duration, requireRconReady bool) *Result {
	if timeout == 0 {
		timeout = DefaultReadyTimeout
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	started := s.now()
	deadline := started.Add(timeout)
	checks := &ReadyChecks{TimeoutSeconds: int(timeout / time.Second)}

	for s.now().Before(deadline) {
		if !s.isRunningNoHeal() {
			elapsed := s.now().Sub(started)
			checks.ElapsedSeconds = int(elapsed / time.Second)
			if elapsed < processBootGrace {
				s.sleep(readyPollInterval)
				continue
			}
			deletePIDFile(s.pidFile)
			return &Result{
				Success:     false,
				ErrorCode:   ErrCodeProcessExitedEarly,
				Error:       "Server process exited before readiness checks completed",
				ReadyChecks: checks,
			}
		}

		checks.ProcessAlive = true
		checks.ElapsedSeconds = int(s.now().Sub(started) / time.Second)

		if !requireRconReady {
			return &Result{Success: true, ReadyChecks: checks}
		}

		ready, status := s.probeRconReady()
		if ready {
			checks.RconReady = true
			checks.LastRconError = ""
			return &Result{Success: true, ReadyChecks: checks}
		}
		checks.LastRconError = status
		s.sleep(readyPollInterval)
	}

	checks.ElapsedSeconds = int(s.now().Sub(started) / time.Second)
	return &Result{
		Success:   false,
		ErrorCode: ErrCodeRconNotReadyTimeout,
		Error: fmt.Sprintf("Server started but did not become ready within %ds (last_rcon_error=%s)",
			checks.TimeoutSeconds, checks.LastRconError),
		ReadyChecks: checks,
	}
}

// Stop shuts the server down, escalating RCON stop -> SIGTERM ->
// SIGKILL. The kill step only runs with force set.
func (s *Supervisor) Stop(force bool) *Result {
	s.processMu.Lock()
	defer s.processMu.Unlock()
	return s.stopLocked(force)
}

func (s *Supervisor) stopLocked(force bool) *Result {
	if !s.isRunningNoHeal() {
		return &Result{Success: false, Error: "Server is not running"}
	}
	_, pid, _ := s.snapshot()

	s.Console.AppendMarker("[warden] Stopping Minecraft server...")
	if err := s.Console.SaveHistory(s.historyPath); err != nil {
		log.Printf("Failed to save console history: %v", err)
	}

	cfg := s.rconConfig()
	if cfg.Enabled && cfg.Password != "" {
		if _, err := s.execRcon(cfg, "stop"); err != nil {
			log.Printf("RCON stop failed: %v", err)
		} else {
			for i := 0; i < rconStopWait; i++ {
				s.sleep(time.Second)
				if !s.isRunningNoHeal() {
					deletePIDFile(s.pidFile)
					return &Result{Success: true, Method: "rcon", Message: "Server stopped via RCON"}
				}
			}
		}
	}

	if pid != 0 {
		log.Printf("Sending SIGTERM to PID %d", pid)
		if err := s.killProc(pid, syscall.SIGTERM); err != nil {
			log.Printf("SIGTERM failed: %v", err)
		}
		for i := 0; i < sigtermStopWait; i++ {
			s.sleep(time.Second)
			if !s.isRunningNoHeal() {
				deletePIDFile(s.pidFile)
				return &Result{Success: true, Method: "sigterm", Message: "Server stopped via SIGTERM"}
			}
		}
	}

	if force && pid != 0 {
		log.Printf("Force killing PID %d", pid)
		if err := s.killProc(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			log.Printf("SIGKILL failed: %v", err)
		}
		s.sleep(time.Second)
		deletePIDFile(s.pidFile)
		return &Result{Success: true, Method: "sigkill", Message: "Server force-killed"}
	}

	return &Result{Success: false, Error: "Could not stop server gracefully. Try force=true."}
}

func (s *Supervisor) restartCooldownRemaining(now time.Time) int {
	if s.lastRestartDone.IsZero() {
		return 0
	}
	remaining := RestartCooldown - now.Sub(s.lastRestartDone)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// Restart performs stop -> start with readiness checks. A guard
// rejects overlapping restarts, and a cooldown enforces spacing
// between completed ones; only successful restarts arm the cooldown.
func (s *Supervisor) Restart(opts RestartOptions) *Result {
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.StartRetries == 0 {
		opts.StartRetries = RestartStartRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = restartRetryDelay
	}
	if opts.Source == "" {
		opts.Source = "unknown"
	}

	s.guardMu.Lock()
	if s.restartInProgress {
		s.guardMu.Unlock()
		return &Result{
			Success:   false,
			Error:     "Restart already in progress",
			ErrorCode: ErrCodeRestartInProgress,
		}
	}
	if remaining := s.restartCooldownRemaining(s.now()); remaining > 0 {
		source := s.lastRestartSource
		s.guardMu.Unlock()
		return &Result{
			Success:           false,
			Error:             fmt.Sprintf("Restart cooldown active. Retry after %ds", remaining),
			ErrorCode:         ErrCodeRestartCooldown,
			RetryAfterSeconds: remaining,
			LastRestartSource: source,
		}
	}
	s.restartInProgress = true
	s.guardMu.Unlock()

	success := false
	defer func() {
		s.guardMu.Lock()
		s.restartInProgress = false
		if success {
			s.lastRestartDone = s.now()
			s.lastRestartSource = opts.Source
		}
		s.guardMu.Unlock()
	}()

	s.Console.AppendMarker(fmt.Sprintf("[warden] Restarting Minecraft server... (source=%s)", opts.Source))

	s.processMu.Lock()
	defer s.processMu.Unlock()

	stopResult := s.stopLocked(false)
	if !stopResult.Success && stopResult.Error != "Server is not running" {
		return &Result{Success: false, Error: fmt.Sprintf("Failed to stop: %s", stopResult.Error)}
	}
	s.sleep(3 * time.Second)

	// Keep a little pre-restart context in the console
	s.Console.KeepLast(5)

	maxAttempts := opts.StartRetries + 1
	var last *Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		startResult := s.startLocked(true, opts.ReadyTimeout, opts.RequireRconReady)
		startResult.RestartStartAttempt = attempt
		last = startResult

		if startResult.Success {
			if attempt > 1 {
				startResult.Message = fmt.Sprintf("%s (start retry %d)", startResult.Message, attempt-1)
			}
			success = true
			return startResult
		}

		if attempt < maxAttempts && startResult.ErrorCode == ErrCodeProcessExitedEarly {
			log.Printf("Restart start attempt %d/%d failed (%s), retrying in %s",
				attempt, maxAttempts, startResult.Error, opts.RetryDelay)
			if opts.RetryDelay > 0 {
				s.sleep(opts.RetryDelay)
			}
			continue
		}
		break
	}

	return &Result{
		Success:             false,
		Error:               fmt.Sprintf("Failed to start after %d attempt(s): %s", last.RestartStartAttempt, last.Error),
		ErrorCode:           last.ErrorCode,
		ReadyChecks:         last.ReadyChecks,
		RestartStartAttempt: last.RestartStartAttempt,
	}
}

// SendCommand runs a console command over RCON and returns the
// color-stripped response.
func (s *Supervisor) SendCommand(command string) domain.CommandResult {
	if !s.IsRunning() {
		return domain.CommandResult{Success: false, Error: "Server is not running"}
	}
	cfg := s.rconConfig()
	if !cfg.Enabled || cfg.Password == "" {
		return domain.CommandResult{
			Success: false,
			Error:   "RCON is not enabled. Enable it in server.properties and restart the server.",
		}
	}
	resp, err := s.execRcon(cfg, command)
	if err != nil {
		return domain.CommandResult{Success: false, Error: fmt.Sprintf("RCON error: %v", err)}
	}
	return domain.CommandResult{Success: true, Response: rcon.StripColors(resp)}
}

// EnsureTailer attaches the console to an already running server on
// panel startup: backfill recent log lines and start tailing.
func (s *Supervisor) EnsureTailer() bool {
	if !s.IsRunning() {
		return false
	}
	log.Printf("Server already running, starting log tailer")

	s.Console.Clear()
	for _, entry := range console.ReadLatestLog(s.logPath, 100) {
		s.Console.Append(entry)
	}
	s.Console.AppendMarker("[warden] Panel restarted - reconnecting to server...")

	s.tailer.SeekEnd()
	if !s.tailer.Running() {
		s.tailer.Start()
	}
	return true
}

// Shutdown saves console history and stops the tailer. Called on
// panel exit; the server itself keeps running.
func (s *Supervisor) Shutdown() {
	if err := s.Console.SaveHistory(s.historyPath); err != nil {
		log.Printf("Failed to save console history: %v", err)
	}
	s.tailer.Stop()
}
