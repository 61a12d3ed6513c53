package sched

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ernie/warden/internal/backup"
)

// Backup scheduler states.
const (
	BackupDisabled    = "disabled"
	BackupMonitoring  = "monitoring"
	BackupCountdown   = "countdown"
	BackupStopping    = "stopping_server"
	BackupCompressing = "compressing"
	BackupUploading   = "uploading"
	BackupRestarting  = "restarting"
	BackupError       = "error"
)

const (
	backupTickInterval = time.Minute
	backupStopTimeout  = 60 // seconds to wait for the process to exit
)

// BackupConfig is persisted to JSON under the panel data directory.
type BackupConfig struct {
	Enabled          bool   `json:"enabled"`
	IntervalDays     int    `json:"backup_interval_days"`
	Hour             int    `json:"backup_hour"`
	Minute           int    `json:"backup_minute"`
	CountdownMinutes int    `json:"countdown_minutes"`
	WarningIntervals []int  `json:"warning_intervals"`
	KeepBackups      int    `json:"keep_backups"`
	LastBackupTime   string `json:"last_backup_time,omitempty"`
}

// DefaultBackupConfig returns the stock backup schedule: weekly at
// 05:00, disabled until an operator turns it on.
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		Enabled:          false,
		IntervalDays:     7,
		Hour:             5,
		Minute:           0,
		CountdownMinutes: 5,
		WarningIntervals: []int{5, 3, 1},
		KeepBackups:      10,
	}
}

// BackupStatus is the point-in-time view served to the panel.
type BackupStatus struct {
	State              string  `json:"state"`
	CurrentOperation   string  `json:"current_operation,omitempty"`
	ProgressPercent    int     `json:"progress_percent"`
	CountdownRemaining int     `json:"countdown_remaining_seconds"`
	NextBackupAt       string  `json:"next_backup_at,omitempty"`
	LastBackupSizeMB   float64 `json:"last_backup_size_mb"`
	LastBackupSeconds  int     `json:"last_backup_duration_seconds"`
	LastBackupObject   string  `json:"last_backup_object,omitempty"`
	ErrorMessage       string  `json:"error_message,omitempty"`
}

// BackupScheduler runs scheduled stop → compress → upload → restart
// cycles against an object store, yielding to the reboot scheduler
// whenever that one is mid-action.
type BackupScheduler struct {
	server     Server
	store      backup.ObjectStore
	log        *actionLog
	configPath string
	serverDir  string
	stagingDir string

	// mu serializes ticks, manual triggers and the pipeline itself.
	mu  sync.Mutex
	cfg BackupConfig

	countdownTarget time.Time
	warningsSent    map[string]bool

	statusMu sync.RWMutex
	status   BackupStatus

	// Swappable collaborators for tests.
	archive       func(dst, srcDir string, progress func(done, total int)) (int64, error)
	rebootState   func() string
	noteRestart   func()
	serverVersion func() string
	now           func() time.Time
	sleep         func(time.Duration)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBackupScheduler wires the backup pipeline. store may be nil when
// no backup destination is configured; the scheduler then idles.
func NewBackupScheduler(server Server, store backup.ObjectStore, reboot *RebootScheduler, dataDir, serverDir string, version func() string) *BackupScheduler {
	s := &BackupScheduler{
		server:        server,
		store:         store,
		log:           newActionLog(filepath.Join(dataDir, "backup_scheduler_log.json")),
		configPath:    filepath.Join(dataDir, "backup_scheduler.json"),
		serverDir:     serverDir,
		stagingDir:    filepath.Join(dataDir, "backup_staging"),
		cfg:           DefaultBackupConfig(),
		warningsSent:  map[string]bool{},
		status:        BackupStatus{State: BackupDisabled},
		archive:       backup.Archive,
		rebootState:   reboot.State,
		noteRestart:   reboot.NoteRestart,
		serverVersion: version,
		now:           time.Now,
		sleep:         time.Sleep,
		done:          make(chan struct{}),
	}
	loadJSONConfig(s.configPath, &s.cfg)
	return s
}

// Start launches the 60s monitor loop.
func (s *BackupScheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.log.add("scheduler_start", "success", "Backup scheduler started", "", 0)
}

// StopLoop halts the monitor loop and waits for the current tick.
func (s *BackupScheduler) StopLoop() {
	close(s.done)
	s.wg.Wait()
	s.log.add("scheduler_stop", "success", "Backup scheduler stopped", "", 0)
}

func (s *BackupScheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(backupTickInterval)
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

// Tick runs one scheduling pass with panic containment.
func (s *BackupScheduler) Tick() {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Monitor error: %v", r)
			s.setStatus(func(b *BackupStatus) {
				b.State = BackupError
				b.ErrorMessage = msg
			})
			s.log.add("error", "failed", msg, "", 0)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkAndAct()
}

func (s *BackupScheduler) setStatus(mutate func(*BackupStatus)) {
	s.statusMu.Lock()
	mutate(&s.status)
	s.statusMu.Unlock()
}

func (s *BackupScheduler) setState(state string) {
	s.setStatus(func(b *BackupStatus) { b.State = state })
}

// State returns the current state string.
func (s *BackupScheduler) State() string {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status.State
}

// Status returns a copy of the published status.
func (s *BackupScheduler) Status() BackupStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Logs returns recent backup actions, newest first.
func (s *BackupScheduler) Logs(limit int) []ActionEntry {
	return s.log.Recent(limit)
}

// Config returns the active configuration.
func (s *BackupScheduler) Config() BackupConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig replaces the configuration and persists it.
func (s *BackupScheduler) UpdateConfig(cfg BackupConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.LastBackupTime = s.cfg.LastBackupTime
	s.cfg = cfg
	saveJSONConfig(s.configPath, s.cfg)
	s.log.add("config_changed", "success", "Backup scheduler configuration updated", "", 0)
}

func (s *BackupScheduler) checkAndAct() {
	now := s.now()

	if !s.cfg.Enabled {
		s.setStatus(func(b *BackupStatus) {
			b.State = BackupDisabled
			b.CurrentOperation = ""
		})
		return
	}

	switch s.State() {
	case BackupCountdown:
		s.handleCountdown(now)
		return
	case BackupStopping, BackupCompressing, BackupUploading, BackupRestarting, BackupError:
		// Mid-pipeline or waiting for an operator to clear the error.
		return
	}

	s.setStatus(func(b *BackupStatus) {
		b.State = BackupMonitoring
		b.CurrentOperation = "Monitoring schedule"
	})
	s.updateNextBackupTime(now)

	// Never start a backup while the reboot scheduler is mid-action.
	if state := s.rebootState(); state != RebootDisabled && state != RebootMonitoring {
		return
	}

	if s.store == nil {
		return
	}
	if !s.backupDue(now) {
		return
	}
	s.startCountdown(now)
}

func (s *BackupScheduler) backupDue(now time.Time) bool {
	if now.Hour() < s.cfg.Hour {
		return false
	}
	if now.Hour() == s.cfg.Hour && now.Minute() < s.cfg.Minute {
		return false
	}

	if s.cfg.LastBackupTime != "" {
		if last, err := time.Parse(time.RFC3339, s.cfg.LastBackupTime); err == nil {
			daysSince := now.Sub(last).Hours() / 24
			if daysSince < float64(s.cfg.IntervalDays) {
				return false
			}
		}
	}
	return true
}

func (s *BackupScheduler) updateNextBackupTime(now time.Time) {
	next := time.Time{}
	if s.cfg.LastBackupTime != "" {
		if last, err := time.Parse(time.RFC3339, s.cfg.LastBackupTime); err == nil {
			due := last.AddDate(0, 0, s.cfg.IntervalDays)
			next = time.Date(due.Year(), due.Month(), due.Day(), s.cfg.Hour, s.cfg.Minute, 0, 0, now.Location())
			if next.Before(now) {
				// Overdue, the next tick will pick it up.
				next = now.Truncate(time.Minute).Add(time.Minute)
			}
		}
	}
	if next.IsZero() {
		next = time.Date(now.Year(), now.Month(), now.Day(), s.cfg.Hour, s.cfg.Minute, 0, 0, now.Location())
		if next.Before(now) {
			next = next.AddDate(0, 0, 1)
		}
	}
	s.setStatus(func(b *BackupStatus) { b.NextBackupAt = next.Format(time.RFC3339) })
}

func (s *BackupScheduler) startCountdown(now time.Time) {
	st := s.server.Status()

	if !st.Running {
		s.log.add("backup_triggered", "info", "Server not running, starting backup directly", "", 0)
		s.runBackup(false)
		return
	}
	if st.PlayersOnline == 0 {
		s.log.add("backup_triggered", "info", "No players online, starting backup immediately", "", 0)
		s.runBackup(true)
		return
	}

	s.countdownTarget = now.Add(time.Duration(s.cfg.CountdownMinutes) * time.Minute)
	s.warningsSent = map[string]bool{}
	s.setStatus(func(b *BackupStatus) {
		b.State = BackupCountdown
		b.CountdownRemaining = s.cfg.CountdownMinutes * 60
	})

	s.log.add("countdown_started", "info",
		fmt.Sprintf("Backup countdown started (%dmin), %d players online", s.cfg.CountdownMinutes, st.PlayersOnline),
		"", st.PlayersOnline)

	s.sendWarning(s.cfg.CountdownMinutes * 60)
	s.warningsSent[strconv.Itoa(s.cfg.CountdownMinutes)] = true
}

func (s *BackupScheduler) handleCountdown(now time.Time) {
	if s.countdownTarget.IsZero() {
		s.setState(BackupMonitoring)
		return
	}

	remaining := s.countdownTarget.Sub(now)
	remSecs := int(remaining.Seconds())
	if remSecs < 0 {
		remSecs = 0
	}
	s.setStatus(func(b *BackupStatus) {
		b.CountdownRemaining = remSecs
		b.CurrentOperation = "Backup countdown: " + formatDuration(remSecs)
	})

	if remaining <= 0 {
		s.runBackup(true)
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

func (s *BackupScheduler) sendWarning(seconds int) {
	label := warningLabel(seconds)
	cmds := []string{
		`title @a title {"text":"☁ SERVER BACKUP","color":"aqua","bold":true}`,
		fmt.Sprintf(`title @a subtitle {"text":"shutting down in %s","color":"yellow"}`, label),
		fmt.Sprintf("say §b[Auto-Backup] §eServer will shut down for backup in %s. Please find a safe spot!", label),
	}

	ok := true
	for _, cmd := range cmds {
		if res := s.server.SendCommand(cmd); !res.Success {
			ok = false
		}
	}
	if ok {
		s.log.add("warning_sent", "success", "Backup warning sent: "+label, "", 0)
	} else {
		s.log.add("warning_sent", "failed", "Failed to send backup warning: "+label, "", 0)
	}
}

func (s *BackupScheduler) resetCountdown() {
	s.countdownTarget = time.Time{}
	s.warningsSent = map[string]bool{}
	s.setStatus(func(b *BackupStatus) { b.CountdownRemaining = 0 })
}

// CancelCountdown aborts an active backup countdown and tells players.
func (s *BackupScheduler) CancelCountdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != BackupCountdown {
		return errors.New("no countdown active")
	}
	s.log.add("countdown_cancelled", "info", "Backup countdown cancelled by admin", "", 0)
	s.resetCountdown()
	s.setState(BackupMonitoring)
	s.server.SendCommand("say §a[Auto-Backup] §fBackup has been cancelled!")
	return nil
}

// TriggerBackup starts a backup on demand. With players online the
// countdown runs first; otherwise the pipeline starts in the
// background immediately.
func (s *BackupScheduler) TriggerBackup() (string, error) {
	s.mu.Lock()

	switch state := s.State(); state {
	case BackupDisabled, BackupMonitoring, BackupError:
	default:
		s.mu.Unlock()
		return "", fmt.Errorf("cannot start backup in %s state", state)
	}
	if s.store == nil {
		s.mu.Unlock()
		return "", errors.New("backup storage not configured")
	}

	s.log.add("manual_backup", "info", "Manual backup triggered by admin", "", 0)

	st := s.server.Status()
	if st.Running && st.PlayersOnline > 0 {
		s.startCountdown(s.now())
		s.mu.Unlock()
		return fmt.Sprintf("Backup countdown started (%d minutes)", s.cfg.CountdownMinutes), nil
	}

	// Claim the state before releasing the lock so ticks skip past.
	if st.Running {
		s.setState(BackupStopping)
	} else {
		s.setState(BackupCompressing)
	}
	s.mu.Unlock()

	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runBackup(st.Running)
	}()
	return "Backup started (no players online)", nil
}

// ClearError resets the error state back to monitoring.
func (s *BackupScheduler) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == BackupError {
		s.setStatus(func(b *BackupStatus) {
			b.State = BackupMonitoring
			b.ErrorMessage = ""
		})
	}
}

// runBackup drives the whole pipeline. Called with s.mu held. The
// server restart is attempted even when an earlier stage failed.
func (s *BackupScheduler) runBackup(wasRunning bool) {
	began := s.now()
	s.resetCountdown()
	s.setStatus(func(b *BackupStatus) {
		b.ErrorMessage = ""
		b.ProgressPercent = 0
	})

	archivePath, err := s.pipeline(wasRunning)
	if err != nil {
		s.log.add("backup_failed", "failed", "Backup failed: "+err.Error(), "", 0)
		s.setStatus(func(b *BackupStatus) { b.ErrorMessage = err.Error() })
		if archivePath != "" {
			if _, statErr := os.Stat(archivePath); statErr == nil {
				s.log.add("archive_kept", "info", "Local archive kept for manual upload: "+archivePath, "", 0)
			}
		}
	}

	if wasRunning {
		s.setStatus(func(b *BackupStatus) {
			b.State = BackupRestarting
			b.CurrentOperation = "Restarting server..."
			b.ProgressPercent = 97
		})
		res := s.server.Start(true, 0, true)
		if res.Success {
			s.log.add("server_restarted", "success", "Server restarted after backup", "", 0)
			if s.noteRestart != nil {
				s.noteRestart()
			}
		} else {
			s.log.add("restart_failed", "failed", "Server restart failed: "+res.Error, "", 0)
		}
	}

	duration := int(s.now().Sub(began).Seconds())
	s.setStatus(func(b *BackupStatus) {
		b.LastBackupSeconds = duration
		b.ProgressPercent = 100
		b.CurrentOperation = ""
	})
	if err != nil {
		s.setState(BackupError)
		return
	}
	s.setState(BackupMonitoring)
	s.log.add("backup_completed", "success", "Backup completed in "+formatDuration(duration), "", 0)
}

// pipeline performs stop, compress, upload and prune. It returns the
// local archive path when a failure leaves one behind.
func (s *BackupScheduler) pipeline(wasRunning bool) (string, error) {
	if wasRunning {
		s.setStatus(func(b *BackupStatus) {
			b.State = BackupStopping
			b.CurrentOperation = "Stopping server..."
			b.ProgressPercent = 5
		})

		s.server.SendCommand("say §c[Auto-Backup] §fShutting down now for backup. See you soon!")
		s.sleep(2 * time.Second)

		if res := s.server.Stop(false); !res.Success {
			return "", fmt.Errorf("stop server: %s", res.Error)
		}
		stopped := false
		for i := 0; i < backupStopTimeout; i++ {
			s.sleep(time.Second)
			if !s.server.IsRunning() {
				stopped = true
				break
			}
		}
		if !stopped {
			return "", fmt.Errorf("server did not stop within %d seconds", backupStopTimeout)
		}
		s.log.add("server_stopped", "success", "Server stopped for backup", "", 0)
		s.setStatus(func(b *BackupStatus) { b.ProgressPercent = 15 })
	}

	s.setStatus(func(b *BackupStatus) {
		b.State = BackupCompressing
		b.CurrentOperation = "Compressing server directory..."
		b.ProgressPercent = 20
	})

	version := s.serverVersion()
	if version == "" {
		version = "unknown"
	}
	now := s.now()
	name := fmt.Sprintf("minecraft_server_paper %s(%d-%d-%d).zip",
		version, now.Year(), int(now.Month()), now.Day())
	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	archivePath := filepath.Join(s.stagingDir, name)

	size, err := s.archive(archivePath, s.serverDir, func(done, total int) {
		if total <= 0 {
			return
		}
		pct := 20 + done*35/total
		if pct > 55 {
			pct = 55
		}
		s.setStatus(func(b *BackupStatus) { b.ProgressPercent = pct })
	})
	if err != nil {
		return archivePath, fmt.Errorf("create archive: %w", err)
	}
	sizeMB := float64(size) / (1 << 20)
	s.log.add("compressed", "success", fmt.Sprintf("Archive created: %s (%.1f MB)", name, sizeMB), "", 0)
	s.setStatus(func(b *BackupStatus) { b.ProgressPercent = 55 })

	s.setStatus(func(b *BackupStatus) {
		b.State = BackupUploading
		b.CurrentOperation = fmt.Sprintf("Uploading %.0f MB to backup storage...", sizeMB)
		b.ProgressPercent = 60
	})

	f, err := os.Open(archivePath)
	if err != nil {
		return archivePath, fmt.Errorf("open archive: %w", err)
	}
	ctx := context.Background()
	info, err := s.store.Put(ctx, name, f, func(sent int64) {
		if size <= 0 {
			return
		}
		pct := 60 + int(sent*35/size)
		if pct > 95 {
			pct = 95
		}
		s.setStatus(func(b *BackupStatus) { b.ProgressPercent = pct })
	})
	f.Close()
	if err != nil {
		return archivePath, fmt.Errorf("upload archive: %w", err)
	}

	s.log.add("uploaded", "success",
		fmt.Sprintf("Uploaded %s (%.1f MB)", info.Name, float64(info.SizeBytes)/(1<<20)), "", 0)
	s.setStatus(func(b *BackupStatus) {
		b.ProgressPercent = 95
		b.LastBackupSizeMB = sizeMB
		b.LastBackupObject = info.Name
	})

	s.cfg.LastBackupTime = s.now().Format(time.RFC3339)
	saveJSONConfig(s.configPath, s.cfg)

	// Local copy only goes away once the upload has succeeded.
	if err := os.Remove(archivePath); err != nil {
		log.Printf("Failed to delete local archive %s: %v", archivePath, err)
	}

	if s.cfg.KeepBackups > 0 {
		s.setStatus(func(b *BackupStatus) { b.CurrentOperation = "Pruning old backups..." })
		s.prune(ctx)
	}
	return "", nil
}

func (s *BackupScheduler) prune(ctx context.Context) {
	infos, err := s.store.List(ctx)
	if err != nil {
		s.log.add("prune_failed", "failed", "Failed to list backups: "+err.Error(), "", 0)
		return
	}
	if len(infos) <= s.cfg.KeepBackups {
		return
	}
	for _, info := range infos[:len(infos)-s.cfg.KeepBackups] {
		if err := s.store.Delete(ctx, info.Name); err != nil {
			s.log.add("prune_failed", "failed", fmt.Sprintf("Failed to delete %s: %v", info.Name, err), "", 0)
			continue
		}
		s.log.add("pruned", "success", "Pruned old backup: "+info.Name, "", 0)
	}
}
