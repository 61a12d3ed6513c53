package sched

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/supervisor"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeServer struct {
	mu         sync.Mutex
	status     domain.ServerStatus
	statusHook func()

	cmds   []string
	cmdErr string

	restartCalls   int
	restartSources []string
	restartResult  *supervisor.Result

	recoverCalls int
	stopCalls    int
	startCalls   int
	stopResult   *supervisor.Result
	startResult  *supervisor.Result
}

func (f *fakeServer) Status() domain.ServerStatus {
	if f.statusHook != nil {
		f.statusHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeServer) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status.Running
}

func (f *fakeServer) SendCommand(command string) domain.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, command)
	if f.cmdErr != "" {
		return domain.CommandResult{Success: false, Error: f.cmdErr}
	}
	return domain.CommandResult{Success: true, Response: "ok"}
}

func (f *fakeServer) Start(waitForReady bool, readyTimeout time.Duration, requireRconReady bool) *supervisor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startResult != nil {
		return f.startResult
	}
	f.status.Running = true
	return &supervisor.Result{Success: true, PID: 4242, Ready: true}
}

func (f *fakeServer) Stop(force bool) *supervisor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopResult != nil {
		return f.stopResult
	}
	f.status.Running = false
	return &supervisor.Result{Success: true, Method: "rcon"}
}

func (f *fakeServer) Restart(opts supervisor.RestartOptions) *supervisor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCalls++
	f.restartSources = append(f.restartSources, opts.Source)
	if f.restartResult != nil {
		return f.restartResult
	}
	f.status.Running = true
	return &supervisor.Result{Success: true, PID: 4242, Ready: true}
}

func (f *fakeServer) Recover(readyTimeout time.Duration, requireRconReady bool) *supervisor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoverCalls++
	f.status.Running = true
	f.status.StateReason = domain.StateOK
	return &supervisor.Result{Success: true}
}

func (f *fakeServer) setStatus(st domain.ServerStatus) {
	f.mu.Lock()
	f.status = st
	f.mu.Unlock()
}

func (f *fakeServer) commandCount(exact string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cmds {
		if c == exact {
			n++
		}
	}
	return n
}

func (f *fakeServer) commandCountPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newTestReboot(t *testing.T) (*RebootScheduler, *fakeServer, *fakeClock) {
	t.Helper()
	fs := &fakeServer{status: domain.ServerStatus{Running: true, StateReason: domain.StateOK}}
	s := NewRebootScheduler(fs, t.TempDir())
	clock := newFakeClock()
	s.now = clock.Now
	s.sleep = clock.Advance
	s.log.now = clock.Now
	return s, fs, clock
}

func hasLogAction(entries []ActionEntry, action string) bool {
	for _, e := range entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

func TestEmptyTriggerRestartsImmediately(t *testing.T) {
	s, fs, clock := newTestReboot(t)
	s.cfg.EmptyHoursThreshold = 1
	fs.status.PlayersOnline = 0

	s.Tick()
	if got := s.State(); got != RebootMonitoring {
		t.Fatalf("state = %q, want monitoring", got)
	}

	clock.Advance(2 * time.Hour)
	s.Tick()

	if fs.restartCalls != 1 {
		t.Fatalf("restart calls = %d, want 1", fs.restartCalls)
	}
	if fs.restartSources[0] != "scheduler:empty" {
		t.Errorf("restart source = %q, want scheduler:empty", fs.restartSources[0])
	}
	// Nobody online, so no farewell message.
	if n := fs.commandCountPrefix("say"); n != 0 {
		t.Errorf("expected no chat commands for an empty restart, got %d", n)
	}
	if got := s.State(); got != RebootMonitoring {
		t.Errorf("state after restart = %q, want monitoring", got)
	}
	if !hasLogAction(s.Logs(10), "restart_completed") {
		t.Error("expected restart_completed log entry")
	}
}

func TestEmptyTriggerBlockedByGracePeriod(t *testing.T) {
	s, fs, clock := newTestReboot(t)
	s.cfg.EmptyHoursThreshold = 1
	fs.status.PlayersOnline = 0

	s.Tick() // start tracking emptiness

	// A restart finished 5 minutes before the threshold crossing.
	clock.Advance(115 * time.Minute)
	s.NoteRestart()
	clock.Advance(5 * time.Minute)

	s.Tick()
	if fs.restartCalls != 0 {
		t.Fatalf("restart calls during grace = %d, want 0", fs.restartCalls)
	}
	if got := s.State(); got != RebootMonitoring {
		t.Fatalf("state = %q, want monitoring", got)
	}
	if na := s.Status().NextAction; !strings.Contains(na, "grace period") {
		t.Errorf("next action = %q, want grace period notice", na)
	}

	// 35 minutes after the restart the grace window has passed.
	clock.Advance(30 * time.Minute)
	s.Tick()
	if fs.restartCalls != 1 {
		t.Fatalf("restart calls after grace = %d, want 1", fs.restartCalls)
	}
}

func TestUptimeCountdownWarningsAndRestart(t *testing.T) {
	s, fs, clock := newTestReboot(t)
	s.cfg.MaxUptimeHours = 1
	fs.status.PlayersOnline = 3

	s.Tick() // start tracking uptime
	clock.Advance(time.Hour)
	s.Tick()

	if got := s.State(); got != RebootCountdownUptime {
		t.Fatalf("state = %q, want countdown_uptime", got)
	}
	warnPrefix := "say §6[Auto-Restart]"
	if n := fs.commandCountPrefix(warnPrefix); n != 1 {
		t.Fatalf("initial warnings = %d, want 1", n)
	}

	// Same minute mark again: no duplicate warning.
	clock.Advance(time.Second)
	s.Tick()
	if n := fs.commandCountPrefix(warnPrefix); n != 1 {
		t.Fatalf("warnings after repeat tick = %d, want 1", n)
	}

	clock.Advance(2 * time.Minute) // remaining ~2m59s: 3-minute mark
	s.Tick()
	if n := fs.commandCountPrefix(warnPrefix); n != 2 {
		t.Fatalf("warnings at 3m mark = %d, want 2", n)
	}

	clock.Advance(2*time.Minute + 35*time.Second) // remaining ~24s: 1m and 30s marks
	s.Tick()
	if n := fs.commandCountPrefix(warnPrefix); n != 4 {
		t.Fatalf("warnings at 30s mark = %d, want 4", n)
	}

	clock.Advance(15 * time.Second) // remaining ~9s: 10s mark
	s.Tick()
	if n := fs.commandCountPrefix(warnPrefix); n != 5 {
		t.Fatalf("warnings at 10s mark = %d, want 5", n)
	}

	clock.Advance(10 * time.Second)
	s.Tick()
	if fs.restartCalls != 1 {
		t.Fatalf("restart calls = %d, want 1", fs.restartCalls)
	}
	if fs.restartSources[0] != "scheduler:uptime" {
		t.Errorf("restart source = %q, want scheduler:uptime", fs.restartSources[0])
	}
	if n := fs.commandCount("say §c[Auto-Restart] §fRestarting now! See you soon!"); n != 1 {
		t.Errorf("farewell messages = %d, want 1", n)
	}
}

func TestGuardRejectionLogsRestartSkipped(t *testing.T) {
	s, fs, clock := newTestReboot(t)
	s.cfg.EmptyHoursThreshold = 1
	fs.status.PlayersOnline = 0
	fs.restartResult = &supervisor.Result{
		Success:   false,
		Error:     "Restart cooldown active",
		ErrorCode: supervisor.ErrCodeRestartCooldown,
	}

	s.Tick()
	clock.Advance(2 * time.Hour)
	s.Tick()

	if fs.restartCalls != 1 {
		t.Fatalf("restart calls = %d, want 1", fs.restartCalls)
	}
	if got := s.State(); got != RebootMonitoring {
		t.Errorf("state = %q, want monitoring after guard rejection", got)
	}
	logs := s.Logs(10)
	if !hasLogAction(logs, "restart_skipped") {
		t.Error("expected restart_skipped log entry")
	}
	if hasLogAction(logs, "restart_failed") {
		t.Error("guard rejection must not be logged as restart_failed")
	}
}

func TestRestartFailureEntersErrorState(t *testing.T) {
	s, fs, clock := newTestReboot(t)
	s.cfg.EmptyHoursThreshold = 1
	fs.status.PlayersOnline = 0
	fs.restartResult = &supervisor.Result{
		Success:   false,
		Error:     "server process exited during startup",
		ErrorCode: supervisor.ErrCodeProcessExitedEarly,
	}

	s.Tick()
	clock.Advance(2 * time.Hour)
	s.Tick()

	if got := s.State(); got != RebootError {
		t.Fatalf("state = %q, want error", got)
	}
	if msg := s.Status().ErrorMessage; !strings.Contains(msg, "exited") {
		t.Errorf("error message = %q", msg)
	}
	if !hasLogAction(s.Logs(10), "restart_failed") {
		t.Error("expected restart_failed log entry")
	}
}

func TestDegradedTriggersSingleRecover(t *testing.T) {
	s, fs, clock := newTestReboot(t)
	fs.setStatus(domain.ServerStatus{Running: false, ProcessRunning: true, StateReason: domain.StateProcessNoPort})

	s.Tick() // arm the degraded timer
	clock.Advance(2 * time.Minute)
	s.Tick()
	if fs.recoverCalls != 0 {
		t.Fatalf("recover calls before threshold = %d, want 0", fs.recoverCalls)
	}

	clock.Advance(2 * time.Minute) // 4 minutes degraded total
	fs.setStatus(domain.ServerStatus{Running: false, ProcessRunning: true, StateReason: domain.StateProcessNoPort})
	s.Tick()
	if fs.recoverCalls != 1 {
		t.Fatalf("recover calls past threshold = %d, want 1", fs.recoverCalls)
	}

	// Timer resets after the recovery; no immediate second call.
	fs.setStatus(domain.ServerStatus{Running: false, ProcessRunning: true, StateReason: domain.StateProcessNoPort})
	s.Tick()
	if fs.recoverCalls != 1 {
		t.Fatalf("recover calls after reset = %d, want 1", fs.recoverCalls)
	}

	// The recovery arms a fresh grace window.
	if rem := s.graceRemaining(clock.Now()); rem <= 0 {
		t.Errorf("grace remaining = %d, want > 0", rem)
	}
}

func TestDegradedClearingResetsTimer(t *testing.T) {
	s, fs, clock := newTestReboot(t)

	fs.setStatus(domain.ServerStatus{Running: false, ProcessRunning: true, StateReason: domain.StateProcessNoPort})
	s.Tick()
	clock.Advance(2 * time.Minute)
	s.Tick()

	// Port comes up before the threshold.
	fs.setStatus(domain.ServerStatus{Running: true, StateReason: domain.StateOK})
	s.Tick()

	// Degraded again: the old 2 minutes must not count.
	fs.setStatus(domain.ServerStatus{Running: false, ProcessRunning: true, StateReason: domain.StateProcessNoPort})
	clock.Advance(time.Minute)
	s.Tick()
	clock.Advance(2 * time.Minute)
	s.Tick()
	if fs.recoverCalls != 0 {
		t.Fatalf("recover calls = %d, want 0 after timer reset", fs.recoverCalls)
	}
}

func TestCoreProtectPurgeOncePerDay(t *testing.T) {
	s, fs, clock := newTestReboot(t)
	s.cfg.PurgeHour = clock.Now().Hour()
	s.cfg.EmptyServerEnabled = false
	s.cfg.UptimeRestartEnabled = false

	s.Tick()
	if n := fs.commandCount("co purge t:30d"); n != 1 {
		t.Fatalf("purge commands = %d, want 1", n)
	}
	if n := fs.commandCount("co purge t:30d confirm"); n != 1 {
		t.Fatalf("purge confirmations = %d, want 1", n)
	}

	clock.Advance(time.Minute)
	s.Tick()
	if n := fs.commandCount("co purge t:30d"); n != 1 {
		t.Fatalf("purge commands after repeat tick = %d, want 1", n)
	}

	clock.Advance(24 * time.Hour)
	s.Tick()
	if n := fs.commandCount("co purge t:30d"); n != 2 {
		t.Fatalf("purge commands next day = %d, want 2", n)
	}
	if s.Config().LastPurge == "" {
		t.Error("expected coreprotect_last_purge to be recorded")
	}
}

func TestManualRestartAndCancel(t *testing.T) {
	s, fs, clock := newTestReboot(t)
	fs.status.PlayersOnline = 2

	msg, err := s.TriggerRestart()
	if err != nil {
		t.Fatalf("TriggerRestart failed: %v", err)
	}
	if !strings.Contains(msg, "countdown") {
		t.Errorf("message = %q, want countdown notice", msg)
	}
	if got := s.State(); got != RebootCountdownUptime {
		t.Fatalf("state = %q, want countdown_uptime", got)
	}

	// A second trigger while counting down is rejected.
	if _, err := s.TriggerRestart(); err == nil {
		t.Fatal("expected error for overlapping trigger")
	}

	if err := s.CancelCountdown(); err != nil {
		t.Fatalf("CancelCountdown failed: %v", err)
	}
	if got := s.State(); got != RebootMonitoring {
		t.Fatalf("state after cancel = %q, want monitoring", got)
	}
	if n := fs.commandCount("say §a[Auto-Restart] §fRestart has been cancelled!"); n != 1 {
		t.Errorf("cancel messages = %d, want 1", n)
	}

	clock.Advance(10 * time.Minute)
	s.Tick()
	if fs.restartCalls != 0 {
		t.Errorf("restart calls after cancel = %d, want 0", fs.restartCalls)
	}
}

func TestManualRestartImmediateWhenEmpty(t *testing.T) {
	s, fs, _ := newTestReboot(t)
	fs.status.PlayersOnline = 0

	msg, err := s.TriggerRestart()
	if err != nil {
		t.Fatalf("TriggerRestart failed: %v", err)
	}
	if !strings.Contains(msg, "no players") {
		t.Errorf("message = %q", msg)
	}
	if fs.restartCalls != 1 {
		t.Fatalf("restart calls = %d, want 1", fs.restartCalls)
	}
	if fs.restartSources[0] != "scheduler:manual" {
		t.Errorf("restart source = %q, want scheduler:manual", fs.restartSources[0])
	}
}

func TestManualRestartRequiresRunningServer(t *testing.T) {
	s, fs, _ := newTestReboot(t)
	fs.setStatus(domain.ServerStatus{Running: false, StateReason: domain.StateStopped})

	if _, err := s.TriggerRestart(); err == nil {
		t.Fatal("expected error when server is stopped")
	}
}

func TestTickPanicEntersErrorStateAndRecovers(t *testing.T) {
	s, fs, _ := newTestReboot(t)
	fs.statusHook = func() { panic("probe exploded") }

	s.Tick()
	if got := s.State(); got != RebootError {
		t.Fatalf("state = %q, want error after panic", got)
	}
	if msg := s.Status().ErrorMessage; !strings.Contains(msg, "probe exploded") {
		t.Errorf("error message = %q", msg)
	}

	fs.statusHook = nil
	s.Tick()
	if got := s.State(); got != RebootMonitoring {
		t.Fatalf("state = %q, want monitoring after recovery", got)
	}
}

func TestRebootConfigRoundTrip(t *testing.T) {
	fs := &fakeServer{status: domain.ServerStatus{Running: true}}
	dir := t.TempDir()
	s := NewRebootScheduler(fs, dir)

	cfg := s.Config()
	cfg.EmptyHoursThreshold = 2.5
	cfg.RestartGraceMinutes = 45
	s.UpdateConfig(cfg)

	reloaded := NewRebootScheduler(fs, dir)
	got := reloaded.Config()
	if got.EmptyHoursThreshold != 2.5 {
		t.Errorf("EmptyHoursThreshold = %v, want 2.5", got.EmptyHoursThreshold)
	}
	if got.RestartGraceMinutes != 45 {
		t.Errorf("RestartGraceMinutes = %d, want 45", got.RestartGraceMinutes)
	}
}
