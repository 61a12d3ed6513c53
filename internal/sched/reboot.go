package sched

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/supervisor"
)

// Server is the supervisor surface the schedulers drive.
type Server interface {
	Status() domain.ServerStatus
	IsRunning() bool
	SendCommand(command string) domain.CommandResult
	Start(waitForReady bool, readyTimeout time.Duration, requireRconReady bool) *supervisor.Result
	Stop(force bool) *supervisor.Result
	Restart(opts supervisor.RestartOptions) *supervisor.Result
	Recover(readyTimeout time.Duration, requireRconReady bool) *supervisor.Result
}

// Reboot scheduler states.
const (
	RebootDisabled        = "disabled"
	RebootMonitoring      = "monitoring"
	RebootCountdownEmpty  = "countdown_empty"
	RebootCountdownUptime = "countdown_uptime"
	RebootRestarting      = "restarting"
	RebootError           = "error"
)

const (
	rebootTickInterval = 30 * time.Second

	// A process that never opens its game port gets this long before
	// the scheduler forces a recovery cycle.
	degradedThreshold = 3 * time.Minute
)

// RebootConfig is persisted to JSON under the panel data directory.
type RebootConfig struct {
	Enabled              bool    `json:"enabled"`
	EmptyServerEnabled   bool    `json:"empty_server_enabled"`
	EmptyHoursThreshold  float64 `json:"empty_hours_threshold"`
	UptimeRestartEnabled bool    `json:"uptime_restart_enabled"`
	MaxUptimeHours       float64 `json:"max_uptime_hours"`
	CountdownMinutes     int     `json:"countdown_minutes"`
	WarningIntervals     []int   `json:"warning_intervals"`
	RestartGraceMinutes  int     `json:"restart_grace_minutes"`
	PurgeEnabled         bool    `json:"coreprotect_purge_enabled"`
	PurgeRetentionDays   int     `json:"coreprotect_retention_days"`
	PurgeHour            int     `json:"coreprotect_purge_hour"`
	LastPurge            string  `json:"coreprotect_last_purge,omitempty"`
}

// DefaultRebootConfig returns the stock automation thresholds.
func DefaultRebootConfig() RebootConfig {
	return RebootConfig{
		Enabled:              true,
		EmptyServerEnabled:   true,
		EmptyHoursThreshold:  6.0,
		UptimeRestartEnabled: true,
		MaxUptimeHours:       12.0,
		CountdownMinutes:     5,
		WarningIntervals:     []int{5, 3, 1},
		RestartGraceMinutes:  30,
		PurgeEnabled:         true,
		PurgeRetentionDays:   30,
		PurgeHour:            4,
	}
}

// RebootStatus is the point-in-time view served to the panel.
type RebootStatus struct {
	State              string `json:"state"`
	ServerRunning      bool   `json:"server_running"`
	PlayersOnline      int    `json:"players_online"`
	ServerStartedAt    string `json:"server_started_at,omitempty"`
	UptimeSeconds      int    `json:"uptime_seconds"`
	UptimeFormatted    string `json:"uptime_formatted"`
	EmptySince         string `json:"empty_since,omitempty"`
	EmptySeconds       int    `json:"empty_seconds"`
	EmptyFormatted     string `json:"empty_formatted"`
	CountdownReason    string `json:"countdown_reason,omitempty"`
	CountdownRemaining int    `json:"countdown_remaining_seconds"`
	CountdownFormatted string `json:"countdown_formatted,omitempty"`
	NextAction         string `json:"next_action,omitempty"`
	NextActionAt       string `json:"next_action_at,omitempty"`
	GraceRemaining     int    `json:"grace_remaining_seconds,omitempty"`
	LastPurge          string `json:"coreprotect_last_purge,omitempty"`
	NextPurge          string `json:"coreprotect_next_purge,omitempty"`
	PurgeRunning       bool   `json:"coreprotect_purge_running"`
	LastCheck          string `json:"last_check,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

// RebootScheduler restarts the server when it has sat empty too long or
// has been up past the uptime ceiling, warning online players first.
// It also runs the daily CoreProtect purge and a degraded-process
// recovery watchdog.
type RebootScheduler struct {
	server     Server
	log        *actionLog
	configPath string

	// mu serializes ticks, manual triggers and config mutation.
	mu  sync.Mutex
	cfg RebootConfig

	serverStart     time.Time
	emptySince      time.Time
	countdownTarget time.Time
	warningsSent    map[string]bool
	lastRestart     time.Time
	degradedSince   time.Time

	// statusMu guards the published status snapshot so reads never
	// block behind a tick that is mid-restart.
	statusMu sync.RWMutex
	status   RebootStatus

	now   func() time.Time
	sleep func(time.Duration)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRebootScheduler loads persisted config and action history from
// dataDir and prepares (but does not start) the monitor loop.
func NewRebootScheduler(server Server, dataDir string) *RebootScheduler {
	s := &RebootScheduler{
		server:       server,
		log:          newActionLog(filepath.Join(dataDir, "reboot_scheduler_log.json")),
		configPath:   filepath.Join(dataDir, "reboot_scheduler.json"),
		cfg:          DefaultRebootConfig(),
		warningsSent: map[string]bool{},
		status:       RebootStatus{State: RebootDisabled},
		now:          time.Now,
		sleep:        time.Sleep,
		done:         make(chan struct{}),
	}
	loadJSONConfig(s.configPath, &s.cfg)
	return s
}

func loadJSONConfig(path string, v any) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Printf("Failed to parse %s: %v", path, err)
	}
}

func saveJSONConfig(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("Failed to create config dir: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("Failed to save %s: %v", path, err)
	}
}

// Start launches the 30s monitor loop.
func (s *RebootScheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.log.add("scheduler_start", "success", "Reboot scheduler started", "", 0)
}

// StopLoop halts the monitor loop and waits for the current tick.
func (s *RebootScheduler) StopLoop() {
	close(s.done)
	s.wg.Wait()
	s.log.add("scheduler_stop", "success", "Reboot scheduler stopped", "", 0)
}

func (s *RebootScheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(rebootTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one scheduling pass. A panicking pass flips the scheduler
// to the error state but never kills the loop.
func (s *RebootScheduler) Tick() {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Monitor error: %v", r)
			s.setStatus(func(st *RebootStatus) {
				st.State = RebootError
				st.ErrorMessage = msg
			})
			s.log.add("error", "failed", msg, "", 0)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkAndAct()
}

func (s *RebootScheduler) setStatus(mutate func(*RebootStatus)) {
	s.statusMu.Lock()
	mutate(&s.status)
	s.statusMu.Unlock()
}

func (s *RebootScheduler) setState(state string) {
	s.setStatus(func(st *RebootStatus) { st.State = state })
}

// State returns the current state string. The backup scheduler uses it
// to defer while a restart cycle is active.
func (s *RebootScheduler) State() string {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status.State
}

// Status returns a copy of the published status.
func (s *RebootScheduler) Status() RebootStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Logs returns recent scheduler actions, newest first.
func (s *RebootScheduler) Logs(limit int) []ActionEntry {
	return s.log.Recent(limit)
}

// Config returns the active configuration.
func (s *RebootScheduler) Config() RebootConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig replaces the configuration and persists it.
func (s *RebootScheduler) UpdateConfig(cfg RebootConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.LastPurge = s.cfg.LastPurge
	s.cfg = cfg
	saveJSONConfig(s.configPath, s.cfg)
	s.log.add("config_changed", "success", "Reboot scheduler configuration updated", "", 0)
}

// NoteRestart records an externally-performed restart so the
// empty-server grace window covers it too. Called after manual and
// backup-driven restarts.
func (s *RebootScheduler) NoteRestart() {
	s.mu.Lock()
	s.lastRestart = s.now()
	s.mu.Unlock()
}

func (s *RebootScheduler) graceRemaining(now time.Time) int {
	if s.lastRestart.IsZero() || s.cfg.RestartGraceMinutes <= 0 {
		return 0
	}
	window := time.Duration(s.cfg.RestartGraceMinutes) * time.Minute
	rem := window - now.Sub(s.lastRestart)
	if rem <= 0 {
		return 0
	}
	return int(rem.Seconds())
}

func (s *RebootScheduler) checkAndAct() {
	now := s.now()
	st := s.server.Status()
	players := 0
	if st.Running {
		players = st.PlayersOnline
	}

	s.setStatus(func(r *RebootStatus) {
		r.LastCheck = now.Format(time.RFC3339)
		r.ServerRunning = st.Running
		r.PlayersOnline = players
		r.GraceRemaining = s.graceRemaining(now)
	})

	s.checkDegraded(now, st)
	s.checkPurge(now, st.Running)

	if !s.cfg.Enabled {
		s.setStatus(func(r *RebootStatus) {
			r.State = RebootDisabled
			r.NextAction = ""
			r.NextActionAt = ""
		})
		return
	}

	if !st.Running {
		s.setStatus(func(r *RebootStatus) {
			r.State = RebootMonitoring
			r.NextAction = "Waiting for server to start"
			r.NextActionAt = ""
		})
		s.resetTracking()
		return
	}

	if s.serverStart.IsZero() {
		s.serverStart = now
		s.log.add("server_detected", "info", "Server running detected, starting uptime tracking", "", 0)
	}
	uptime := int(now.Sub(s.serverStart).Seconds())

	emptySecs := 0
	if players == 0 {
		if s.emptySince.IsZero() {
			s.emptySince = now
		}
		emptySecs = int(now.Sub(s.emptySince).Seconds())
	} else {
		s.emptySince = time.Time{}
	}

	s.setStatus(func(r *RebootStatus) {
		r.UptimeSeconds = uptime
		r.UptimeFormatted = formatDuration(uptime)
		r.ServerStartedAt = s.serverStart.Format(time.RFC3339)
		r.EmptySeconds = emptySecs
		r.EmptyFormatted = formatDuration(emptySecs)
		if s.emptySince.IsZero() {
			r.EmptySince = ""
		} else {
			r.EmptySince = s.emptySince.Format(time.RFC3339)
		}
	})

	state := s.State()
	if state == RebootCountdownEmpty || state == RebootCountdownUptime {
		s.handleCountdown(now)
		return
	}

	s.setStatus(func(r *RebootStatus) {
		r.State = RebootMonitoring
		r.NextAction = ""
		r.NextActionAt = ""
		r.ErrorMessage = ""
	})

	if s.cfg.EmptyServerEnabled && !s.emptySince.IsZero() {
		if float64(emptySecs)/3600 >= s.cfg.EmptyHoursThreshold {
			if rem := s.graceRemaining(now); rem > 0 {
				s.setStatus(func(r *RebootStatus) {
					r.NextAction = fmt.Sprintf("Empty-server restart deferred: grace period (%s remaining)", formatDuration(rem))
					r.NextActionAt = now.Add(time.Duration(rem) * time.Second).Format(time.RFC3339)
				})
				return
			}
			s.log.add("restart_triggered", "info",
				fmt.Sprintf("Empty server restart triggered: empty for %s", formatDuration(emptySecs)), "empty", 0)
			// No one online to warn, restart right away.
			s.setStatus(func(r *RebootStatus) {
				r.State = RebootCountdownEmpty
				r.CountdownReason = "Empty server threshold reached"
			})
			s.executeRestart("empty")
			return
		}
		remaining := int(s.cfg.EmptyHoursThreshold*3600) - emptySecs
		s.setStatus(func(r *RebootStatus) {
			r.NextAction = "Empty-server restart in " + formatDuration(remaining)
			r.NextActionAt = now.Add(time.Duration(remaining) * time.Second).Format(time.RFC3339)
		})
	}

	if s.cfg.UptimeRestartEnabled && players > 0 {
		if float64(uptime)/3600 >= s.cfg.MaxUptimeHours {
			s.startCountdown(now, fmt.Sprintf("Server uptime %s", formatDuration(uptime)))
			return
		}
		remaining := int(s.cfg.MaxUptimeHours*3600) - uptime
		s.setStatus(func(r *RebootStatus) {
			if r.NextAction == "" {
				r.NextAction = "Uptime restart in " + formatDuration(remaining)
				r.NextActionAt = now.Add(time.Duration(remaining) * time.Second).Format(time.RFC3339)
			}
		})
	}
}

// checkDegraded forces one recovery cycle when the process has been
// alive without a listening game port for longer than the threshold.
func (s *RebootScheduler) checkDegraded(now time.Time, st domain.ServerStatus) {
	if st.StateReason != domain.StateProcessNoPort {
		s.degradedSince = time.Time{}
		return
	}
	if s.degradedSince.IsZero() {
		s.degradedSince = now
		return
	}
	if now.Sub(s.degradedSince) < degradedThreshold {
		return
	}

	held := now.Sub(s.degradedSince)
	s.log.add("auto_recover", "info",
		fmt.Sprintf("Process without listening port for %s, invoking recovery", formatDuration(int(held.Seconds()))),
		"degraded", 0)

	res := s.server.Recover(0, true)
	if res.Success {
		s.log.add("auto_recover", "success", "Recovery completed", "degraded", 0)
	} else {
		s.log.add("auto_recover", "failed", "Recovery failed: "+res.Error, "degraded", 0)
	}

	// One shot per sustained episode. The recovery counts as a restart
	// for grace purposes so the empty trigger does not pile on.
	s.degradedSince = time.Time{}
	s.lastRestart = s.now()
}

func (s *RebootScheduler) startCountdown(now time.Time, details string) {
	s.countdownTarget = now.Add(time.Duration(s.cfg.CountdownMinutes) * time.Minute)
	s.warningsSent = map[string]bool{}
	s.setStatus(func(r *RebootStatus) {
		r.State = RebootCountdownUptime
		r.CountdownReason = "Uptime threshold reached"
		r.CountdownRemaining = s.cfg.CountdownMinutes * 60
		r.CountdownFormatted = formatDuration(s.cfg.CountdownMinutes * 60)
	})

	players := s.Status().PlayersOnline
	s.log.add("countdown_started", "info",
		fmt.Sprintf("Restart countdown started (%dmin): %s", s.cfg.CountdownMinutes, details),
		"uptime", players)

	s.sendWarning(s.cfg.CountdownMinutes * 60)
	s.warningsSent[strconv.Itoa(s.cfg.CountdownMinutes)] = true
}

func (s *RebootScheduler) handleCountdown(now time.Time) {
	if s.countdownTarget.IsZero() {
		s.setState(RebootMonitoring)
		return
	}

	remaining := s.countdownTarget.Sub(now)
	remSecs := int(remaining.Seconds())
	if remSecs < 0 {
		remSecs = 0
	}
	s.setStatus(func(r *RebootStatus) {
		r.CountdownRemaining = remSecs
		r.CountdownFormatted = formatDuration(remSecs)
	})

	if remaining <= 0 {
		reason := "uptime"
		if s.State() == RebootCountdownEmpty {
			reason = "empty"
		}
		s.executeRestart(reason)
		return
	}

	for _, mark := range s.cfg.WarningIntervals {
		key := strconv.Itoa(mark)
		if !s.warningsSent[key] && remaining.Minutes() <= float64(mark) {
			s.sendWarning(mark * 60)
			s.warningsSent[key] = true
		}
	}
	if remSecs <= 30 && !s.warningsSent["30s"] {
		s.sendWarning(30)
		s.warningsSent["30s"] = true
	}
	if remSecs <= 10 && !s.warningsSent["10s"] {
		s.sendWarning(10)
		s.warningsSent["10s"] = true
	}
}

func (s *RebootScheduler) sendWarning(seconds int) {
	label := warningLabel(seconds)
	cmds := []string{
		`title @a title {"text":"⚠ SERVER RESTART","color":"gold","bold":true}`,
		fmt.Sprintf(`title @a subtitle {"text":"in %s","color":"yellow"}`, label),
		fmt.Sprintf("say §6[Auto-Restart] §eServer will restart in %s. Please find a safe spot!", label),
	}

	ok := true
	for _, cmd := range cmds {
		if res := s.server.SendCommand(cmd); !res.Success {
			ok = false
		}
	}

	players := s.Status().PlayersOnline
	if ok {
		s.log.add("warning_sent", "success", "Restart warning sent: "+label, "", players)
	} else {
		s.log.add("warning_sent", "failed", "Failed to send restart warning: "+label, "", players)
	}
}

func (s *RebootScheduler) executeRestart(reason string) {
	s.setState(RebootRestarting)
	players := s.Status().PlayersOnline

	s.log.add("restart_started", "info", "Executing restart (reason: "+reason+")", reason, players)

	if players > 0 {
		s.server.SendCommand("say §c[Auto-Restart] §fRestarting now! See you soon!")
		s.sleep(2 * time.Second)
	}

	res := s.server.Restart(supervisor.RestartOptions{Source: "scheduler:" + reason})
	switch {
	case res.Success:
		s.log.add("restart_completed", "success",
			fmt.Sprintf("Server restart completed successfully (was %s)", reason), reason, players)
		s.resetTracking()
		s.serverStart = s.now()
		s.lastRestart = s.now()
		s.setStatus(func(r *RebootStatus) {
			r.State = RebootMonitoring
			r.ErrorMessage = ""
		})

	case res.ErrorCode == supervisor.ErrCodeRestartInProgress || res.ErrorCode == supervisor.ErrCodeRestartCooldown:
		// Someone else is already handling it. Not a failure.
		s.log.add("restart_skipped", "info", "Restart skipped: "+res.Error, reason, players)
		s.resetCountdown()
		s.setState(RebootMonitoring)

	default:
		s.log.add("restart_failed", "failed", "Restart failed: "+res.Error, reason, players)
		s.setStatus(func(r *RebootStatus) {
			r.State = RebootError
			r.ErrorMessage = res.Error
		})
	}
}

func (s *RebootScheduler) resetCountdown() {
	s.countdownTarget = time.Time{}
	s.warningsSent = map[string]bool{}
	s.setStatus(func(r *RebootStatus) {
		r.CountdownReason = ""
		r.CountdownRemaining = 0
		r.CountdownFormatted = ""
	})
}

func (s *RebootScheduler) resetTracking() {
	s.serverStart = time.Time{}
	s.emptySince = time.Time{}
	s.resetCountdown()
}

// TriggerRestart starts a manual restart: with players online it runs
// the full countdown, otherwise it restarts immediately.
func (s *RebootScheduler) TriggerRestart() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.server.Status()
	if !st.Running {
		return "", fmt.Errorf("server is not running")
	}
	switch state := s.State(); state {
	case RebootCountdownEmpty, RebootCountdownUptime, RebootRestarting:
		return "", fmt.Errorf("already in %s state", state)
	}

	s.log.add("manual_restart", "info", "Manual restart triggered by admin", "manual", st.PlayersOnline)

	if st.PlayersOnline > 0 {
		s.startCountdown(s.now(), "Manual restart requested")
		return fmt.Sprintf("Restart countdown started (%d minutes)", s.cfg.CountdownMinutes), nil
	}
	s.executeRestart("manual")
	return "Restart executed (no players online)", nil
}

// CancelCountdown aborts an active restart countdown and tells players.
func (s *RebootScheduler) CancelCountdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.State()
	if state != RebootCountdownEmpty && state != RebootCountdownUptime {
		return fmt.Errorf("no countdown active")
	}

	s.log.add("countdown_cancelled", "info", "Countdown cancelled by admin", "", s.Status().PlayersOnline)
	s.resetCountdown()
	s.setState(RebootMonitoring)
	s.server.SendCommand("say §a[Auto-Restart] §fRestart has been cancelled!")
	return nil
}

// checkPurge runs the CoreProtect purge at the configured hour, at most
// once per calendar day.
func (s *RebootScheduler) checkPurge(now time.Time, running bool) {
	if s.shouldRunPurge(now, running) {
		if err := s.executePurge(now, false); err != nil {
			log.Printf("CoreProtect purge failed: %v", err)
		}
	}
	s.setStatus(func(r *RebootStatus) {
		r.LastPurge = s.cfg.LastPurge
		r.NextPurge = s.nextPurgeTime(now)
	})
}

func (s *RebootScheduler) shouldRunPurge(now time.Time, running bool) bool {
	if !s.cfg.PurgeEnabled || !running {
		return false
	}
	if now.Hour() != s.cfg.PurgeHour {
		return false
	}
	if s.cfg.LastPurge != "" {
		if last, err := time.Parse(time.RFC3339, s.cfg.LastPurge); err == nil {
			ly, lm, ld := last.Date()
			ny, nm, nd := now.Date()
			if ly == ny && lm == nm && ld == nd {
				return false
			}
		}
	}
	return true
}

func (s *RebootScheduler) nextPurgeTime(now time.Time) string {
	if !s.cfg.PurgeEnabled {
		return ""
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.PurgeHour, 0, 0, 0, now.Location())
	if now.Hour() >= s.cfg.PurgeHour {
		next = next.Add(24 * time.Hour)
	}
	return next.Format(time.RFC3339)
}

// ExecutePurge runs the purge on demand, outside the daily schedule.
func (s *RebootScheduler) ExecutePurge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.server.IsRunning() {
		return fmt.Errorf("server is not running")
	}
	return s.executePurge(s.now(), true)
}

// executePurge sends the two-step CoreProtect purge command pair. The
// plugin requires an explicit confirm of the same command.
func (s *RebootScheduler) executePurge(now time.Time, manual bool) error {
	days := s.cfg.PurgeRetentionDays
	trigger := "scheduled"
	if manual {
		trigger = "manual"
	}
	s.setStatus(func(r *RebootStatus) { r.PurgeRunning = true })
	defer s.setStatus(func(r *RebootStatus) { r.PurgeRunning = false })

	s.log.add("coreprotect_purge_started", "info",
		fmt.Sprintf("CoreProtect purge started: deleting logs older than %d days (%s)", days, trigger), "", 0)

	purgeCmd := fmt.Sprintf("co purge t:%dd", days)
	if res := s.server.SendCommand(purgeCmd); !res.Success {
		err := fmt.Errorf("initial purge command failed: %s", res.Error)
		s.log.add("coreprotect_purge_failed", "failed", err.Error(), "", 0)
		return err
	}

	// Give the plugin a moment before confirming.
	s.sleep(2 * time.Second)

	if res := s.server.SendCommand(purgeCmd + " confirm"); !res.Success {
		err := fmt.Errorf("purge confirmation failed: %s", res.Error)
		s.log.add("coreprotect_purge_failed", "failed", err.Error(), "", 0)
		return err
	}

	s.cfg.LastPurge = now.Format(time.RFC3339)
	saveJSONConfig(s.configPath, s.cfg)

	s.log.add("coreprotect_purge_completed", "success",
		fmt.Sprintf("CoreProtect purge completed: deleted logs older than %d days", days), "", 0)
	return nil
}
