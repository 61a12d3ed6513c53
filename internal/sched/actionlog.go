package sched

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const actionLogCap = 100

// ActionEntry records one scheduler decision or side effect.
type ActionEntry struct {
	Timestamp       string `json:"timestamp"`
	Action          string `json:"action"`
	Status          string `json:"status"` // success, failed, info
	Details         string `json:"details"`
	TriggerReason   string `json:"trigger_reason,omitempty"`
	PlayersAffected int    `json:"players_affected,omitempty"`
}

// actionLog keeps the last actionLogCap entries in memory and mirrors
// them to a JSON file so scheduler history survives panel restarts.
type actionLog struct {
	mu      sync.Mutex
	path    string
	entries []ActionEntry
	now     func() time.Time
}

func newActionLog(path string) *actionLog {
	l := &actionLog{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	if err != nil {
		return l
	}
	var entries []ActionEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Printf("Failed to parse scheduler log %s: %v", path, err)
		return l
	}
	if len(entries) > actionLogCap {
		entries = entries[len(entries)-actionLogCap:]
	}
	l.entries = entries
	return l
}

func (l *actionLog) add(action, status, details, reason string, players int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, ActionEntry{
		Timestamp:       l.now().Format(time.RFC3339),
		Action:          action,
		Status:          status,
		Details:         details,
		TriggerReason:   reason,
		PlayersAffected: players,
	})
	if len(l.entries) > actionLogCap {
		l.entries = l.entries[len(l.entries)-actionLogCap:]
	}
	l.save()
	log.Printf("[scheduler] %s: %s (%s)", action, details, status)
}

// save is called with l.mu held.
func (l *actionLog) save() {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		log.Printf("Failed to create scheduler log dir: %v", err)
		return
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		log.Printf("Failed to save scheduler log %s: %v", l.path, err)
	}
}

// Recent returns up to limit entries, newest first.
func (l *actionLog) Recent(limit int) []ActionEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ActionEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// formatDuration renders a second count the way players read it in
// chat warnings: "45s", "5m 30s", "12h 4m".
func formatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

// warningLabel phrases a warning lead time for in-game messages.
func warningLabel(seconds int) string {
	if seconds >= 60 {
		minutes := seconds / 60
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	return fmt.Sprintf("%d seconds", seconds)
}
