// Package audit appends structured security events to a JSON lines
// file with size-based rotation.
package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxBytes triggers rotation once the active file reaches
	// this size.
	DefaultMaxBytes = 1024 * 1024

	// DefaultRetention is how many rotated generations are kept
	// (file.1 .. file.N).
	DefaultRetention = 5
)

// Logger writes audit events. Safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	path      string
	maxBytes  int64
	retention int
	now       func() time.Time
}

// New creates an audit logger writing to path.
func New(path string) *Logger {
	return &Logger{
		path:      path,
		maxBytes:  DefaultMaxBytes,
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// Event appends one audit record. extra fields are merged into the
// JSON object alongside the standard ones.
func (l *Logger) Event(actor, action, target, result string, extra map[string]any) {
	payload := map[string]any{
		"ts":     l.nowUnix(),
		"actor":  actor,
		"action": action,
		"target": target,
		"result": result,
	}
	for k, v := range extra {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal audit event: %v", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeeded(); err != nil {
		log.Printf("Audit rotation failed: %v", err)
	}
	if err := l.appendLine(data); err != nil {
		log.Printf("Failed to write audit event: %v", err)
	}
}

func (l *Logger) nowUnix() int64 {
	return l.now().Unix()
}

func (l *Logger) appendLine(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// rotateIfNeeded shifts file -> file.1 -> file.2 ... dropping the
// oldest generation past retention. Caller holds the lock.
func (l *Logger) rotateIfNeeded() error {
	if l.maxBytes <= 0 {
		return nil
	}
	fi, err := os.Stat(l.path)
	if err != nil || fi.Size() < l.maxBytes {
		return nil
	}

	retention := l.retention
	if retention < 1 {
		retention = 1
	}
	oldest := fmt.Sprintf("%s.%d", l.path, retention)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return err
		}
	}
	for idx := retention - 1; idx > 0; idx-- {
		src := fmt.Sprintf("%s.%d", l.path, idx)
		dst := fmt.Sprintf("%s.%d", l.path, idx+1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return err
			}
		}
	}
	return os.Rename(l.path, l.path+".1")
}
