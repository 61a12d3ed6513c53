package supervisor

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/rcon"
)

var (
	playerCountRe = regexp.MustCompile(`(\d+)\s+of\s+(\d+)`)
	anyNumberRe   = regexp.MustCompile(`(\d+)`)
	paperJarRe    = regexp.MustCompile(`paper-(\d+(?:\.\d+)*)`)
)

// serverVersion pulls the Minecraft version out of the paper jar
// referenced by start.sh, e.g. "paper-1.21.4-113.jar" -> "1.21.4".
// Returns "" when the script is missing or names no paper jar.
func (s *Supervisor) serverVersion() string {
	data, err := os.ReadFile(s.startScript)
	if err != nil {
		return ""
	}
	if m := paperJarRe.FindSubmatch(data); m != nil {
		return string(m[1])
	}
	return ""
}

// parsePlayerCounts extracts online/max players from the "list"
// command output. The primary pattern matches "N of M players"; the
// fallback takes the first two numbers in the response, which Paper
// orders max-first.
func parsePlayerCounts(response string) (online, max int, ok bool) {
	if m := playerCountRe.FindStringSubmatch(response); m != nil {
		online, _ = strconv.Atoi(m[1])
		max, _ = strconv.Atoi(m[2])
		return online, max, true
	}
	numbers := anyNumberRe.FindAllString(response, 2)
	if len(numbers) >= 2 {
		max, _ = strconv.Atoi(numbers[0])
		online, _ = strconv.Atoi(numbers[1])
		return online, max, true
	}
	return 0, 0, false
}

// Status builds the composite health view. Player counts come from a
// short-lived RCON cache so frequent status polls do not spam the
// server with "list" commands.
func (s *Supervisor) Status() domain.ServerStatus {
	status := domain.ServerStatus{
		MaxPlayers: 20,
		Version:    s.serverVersion(),
		CheckedAt:  s.now(),
	}

	cfg := s.rconConfig()
	processRunning, pid, stalePID := s.snapshot()
	status.Running = processRunning
	status.ProcessRunning = processRunning
	status.PID = pid
	status.GamePortListening = s.probePort(s.gamePort)
	if cfg.Enabled {
		status.RconPortListening = s.probePort(cfg.Port)
	}
	status.Healthy = status.ProcessRunning && status.GamePortListening

	switch {
	case status.Healthy:
		status.StateReason = domain.StateOK
	case stalePID:
		status.StateReason = domain.StateStalePID
	case status.ProcessRunning && !status.GamePortListening:
		status.StateReason = domain.StateProcessNoPort
	case !status.ProcessRunning && status.GamePortListening:
		status.StateReason = domain.StatePortBusyNoProc
	case status.ProcessRunning:
		status.StateReason = domain.StateStarting
	default:
		status.StateReason = domain.StateStopped
	}

	if status.ProcessRunning {
		if startedAt, ok := processStartTime(pid); ok {
			status.StartedAt = &startedAt
			status.UptimeSeconds = int64(s.now().Sub(startedAt) / time.Second)
		}
		status.PlayersOnline, status.MaxPlayers = s.playerCounts(cfg)
	} else {
		s.cacheMu.Lock()
		s.cacheValidAt = time.Time{}
		s.cacheMu.Unlock()
	}

	if status.MaxPlayers == 20 {
		if props, err := rcon.LoadProperties(s.propertiesPath); err == nil {
			if mp, err := strconv.Atoi(props["max-players"]); err == nil && mp > 0 {
				status.MaxPlayers = mp
			}
		}
	}

	return status
}

// playerCounts serves cached counts inside the TTL; one caller at a
// time refreshes over RCON while concurrent callers get stale data.
func (s *Supervisor) playerCounts(cfg rcon.Config) (online, max int) {
	now := s.now()

	s.cacheMu.Lock()
	if !s.cacheValidAt.IsZero() && now.Sub(s.cacheValidAt) < statusCacheTTL {
		online, max = s.cachedPlayers, s.cachedMax
		s.cacheMu.Unlock()
		return online, max
	}
	if s.refreshing {
		online, max = s.cachedPlayers, s.cachedMax
		s.cacheMu.Unlock()
		if max == 0 {
			max = 20
		}
		return online, max
	}
	s.refreshing = true
	s.cacheMu.Unlock()

	online, max = 0, 20
	defer func() {
		s.cacheMu.Lock()
		s.refreshing = false
		s.cacheMu.Unlock()
	}()

	if !cfg.Enabled || cfg.Password == "" {
		return online, max
	}
	resp, err := s.execRcon(cfg, "list")
	if err != nil {
		log.Printf("Status check error: %v", err)
		return online, max
	}
	parsedOnline, parsedMax, ok := parsePlayerCounts(rcon.StripColors(resp))
	if !ok {
		return online, max
	}
	online, max = parsedOnline, parsedMax
	if online > 0 || max > 0 {
		s.cacheMu.Lock()
		s.cachedPlayers = online
		s.cachedMax = max
		s.cacheValidAt = now
		s.cacheMu.Unlock()
	}
	return online, max
}

// Recover is the emergency path for "panel says running but players
// cannot join": force-stop any half-dead process, clean stale PID
// state, then start fresh with readiness checks.
func (s *Supervisor) Recover(readyTimeout time.Duration, requireRconReady bool) *Result {
	if readyTimeout == 0 {
		readyTimeout = DefaultReadyTimeout
	}

	var steps []map[string]any
	before := s.Status()
	steps = append(steps, map[string]any{
		"step":            "precheck",
		"process_running": before.ProcessRunning,
		"healthy":         before.Healthy,
		"state_reason":    before.StateReason,
		"pid":             before.PID,
	})

	if before.Healthy {
		return &Result{
			Success: true,
			Message: "Server already healthy",
			Steps:   steps,
			Server:  &before,
		}
	}

	if before.ProcessRunning {
		stopResult := s.Stop(true)
		steps = append(steps, map[string]any{
			"step":    "force_stop",
			"success": stopResult.Success,
			"error":   stopResult.Error,
			"method":  stopResult.Method,
		})
		if !stopResult.Success && stopResult.Error != "Server is not running" {
			return &Result{
				Success: false,
				Error:   fmt.Sprintf("Recovery failed to stop existing process: %s", stopResult.Error),
				Steps:   steps,
			}
		}
		s.sleep(2 * time.Second)
	}

	stalePIDRemoved := false
	if pid := readPIDFile(s.pidFile); pid != 0 && !s.checkProc(pid) {
		deletePIDFile(s.pidFile)
		stalePIDRemoved = true
	}
	steps = append(steps, map[string]any{
		"step":              "pid_cleanup",
		"stale_pid_removed": stalePIDRemoved,
	})

	var startResult *Result
	if before.ProcessRunning {
		startResult = s.Restart(RestartOptions{
			ReadyTimeout:     readyTimeout,
			RequireRconReady: requireRconReady,
			Source:           "recover",
		})
	} else {
		startResult = s.Start(true, readyTimeout, requireRconReady)
	}

	attempt := startResult.RestartStartAttempt
	if attempt == 0 {
		attempt = 1
	}
	steps = append(steps, map[string]any{
		"step":       "start",
		"success":    startResult.Success,
		"error":      startResult.Error,
		"error_code": startResult.ErrorCode,
		"attempt":    attempt,
	})

	if !startResult.Success {
		return &Result{
			Success:   false,
			Error:     startResult.Error,
			ErrorCode: startResult.ErrorCode,
			Steps:     steps,
		}
	}

	after := s.Status()
	steps = append(steps, map[string]any{
		"step":            "postcheck",
		"healthy":         after.Healthy,
		"state_reason":    after.StateReason,
		"process_running": after.ProcessRunning,
	})

	if !after.Healthy {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("Recovery start returned success, but server is not healthy (%s)", after.StateReason),
			Steps:   steps,
			Server:  &after,
		}
	}

	return &Result{
		Success: true,
		Message: "Server recovered successfully",
		Steps:   steps,
		Server:  &after,
	}
}
