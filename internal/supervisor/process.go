package supervisor

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// readPIDFile returns the recorded PID, or 0 when the file is absent
// or malformed.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func deletePIDFile(path string) {
	os.Remove(path)
}

// isServerProcess verifies that a PID belongs to the Paper server by
// inspecting its command line. Falls back to ps on systems without
// /proc.
func isServerProcess(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil && err != syscall.EPERM {
		return false
	}

	cmdlinePath := fmt.Sprintf("/proc/%d/cmdline", pid)
	if data, err := os.ReadFile(cmdlinePath); err == nil {
		cmdline := strings.ToLower(string(data))
		return strings.Contains(cmdline, "java") && strings.Contains(cmdline, "paper")
	}

	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		return false
	}
	cmdline := strings.ToLower(string(out))
	return strings.Contains(cmdline, "java") && strings.Contains(cmdline, "paper")
}

// findServerPID scans for a Paper java process when the PID file is
// missing or stale. Returns 0 when none is found.
func findServerPID() int {
	out, err := exec.Command("pgrep", "-f", `java.*paper.*\.jar`).Output()
	if err != nil {
		return 0
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return pid
}

// processStartTime reads the OS-reported start time of a process so
// uptime survives panel restarts.
func processStartTime(pid int) (time.Time, bool) {
	out, err := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return time.Time{}, false
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation("Mon Jan _2 15:04:05 2006", raw, time.Local)
	if err != nil {
		log.Printf("Failed to parse process start time %q: %v", raw, err)
		return time.Time{}, false
	}
	return ts, true
}

// portListening probes a local TCP port with a short timeout.
func portListening(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
