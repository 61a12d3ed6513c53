package console

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ernie/warden/internal/domain"
)

// BufferCapacity bounds the in-memory console history.
const BufferCapacity = 500

// FilterPatterns lists substrings of noisy lines that are kept in the
// buffer but hidden from live subscribers and filtered reads.
var FilterPatterns = []string{
	"Thread RCON Client",
	"Rcon issued server command: /list",
}

// ShouldFilter reports whether a console line is considered noise.
func ShouldFilter(message string) bool {
	for _, p := range FilterPatterns {
		if strings.Contains(message, p) {
			return true
		}
	}
	return false
}

// Buffer is a bounded console history with live fan-out to
// subscribers. Noise-filtered lines stay in the history but are not
// delivered to subscribers.
type Buffer struct {
	mu       sync.Mutex
	entries  []domain.LogEntry
	capacity int
	subs     map[int]chan domain.LogEntry
	nextSub  int
	now      func() time.Time
}

// NewBuffer creates a buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = BufferCapacity
	}
	return &Buffer{
		capacity: capacity,
		subs:     make(map[int]chan domain.LogEntry),
		now:      time.Now,
	}
}

// Append stores an entry and delivers it to subscribers unless the
// message matches a filter pattern.
func (b *Buffer) Append(entry domain.LogEntry) {
	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
	filtered := ShouldFilter(entry.Message)
	var targets []chan domain.LogEntry
	if !filtered {
		targets = make([]chan domain.LogEntry, 0, len(b.subs))
		for _, ch := range b.subs {
			targets = append(targets, ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- entry:
		default:
			// Slow subscriber, drop the line rather than block
		}
	}
}

// AppendMarker stores a panel-generated marker line stamped with the
// current time. Markers always reach subscribers.
func (b *Buffer) AppendMarker(message string) {
	b.Append(domain.LogEntry{
		Time:    b.now().Format("15:04:05"),
		Message: message,
	})
}

// Recent returns up to lines entries, optionally noise-filtered,
// skipping offset entries from the newest end for pagination.
func (b *Buffer) Recent(lines int, filtered bool, offset int) []domain.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.entries
	if filtered {
		all = make([]domain.LogEntry, 0, len(b.entries))
		for _, e := range b.entries {
			if !ShouldFilter(e.Message) {
				all = append(all, e)
			}
		}
	}

	if offset > 0 {
		if offset >= len(all) {
			return nil
		}
		all = all[:len(all)-offset]
	}
	if lines < len(all) {
		all = all[len(all)-lines:]
	}
	out := make([]domain.LogEntry, len(all))
	copy(out, all)
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear drops all buffered entries.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.entries = b.entries[:0]
	b.mu.Unlock()
}

// KeepLast trims the history to at most n newest entries. Used across
// restarts so a little pre-restart context survives.
func (b *Buffer) KeepLast(n int) {
	b.mu.Lock()
	if n >= 0 && len(b.entries) > n {
		b.entries = append([]domain.LogEntry(nil), b.entries[len(b.entries)-n:]...)
	}
	b.mu.Unlock()
}

// Subscribe registers a live line channel. The returned cancel func
// must be called to release it.
func (b *Buffer) Subscribe() (<-chan domain.LogEntry, func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan domain.LogEntry, 100)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// SaveHistory writes the buffered entries as JSON lines so console
// context survives panel shutdowns.
func (b *Buffer) SaveHistory(path string) error {
	b.mu.Lock()
	entries := make([]domain.LogEntry, len(b.entries))
	copy(entries, b.entries)
	b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating history file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("writing history entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing history: %w", err)
	}
	log.Printf("Saved %d console entries to %s", len(entries), path)
	return nil
}

// LoadHistory appends entries from a JSON lines history file,
// skipping malformed lines. Missing files are not an error.
func (b *Buffer) LoadHistory(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening history file: %w", err)
	}
	defer f.Close()

	loaded := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e domain.LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		b.mu.Lock()
		b.entries = append(b.entries, e)
		if len(b.entries) > b.capacity {
			b.entries = b.entries[len(b.entries)-b.capacity:]
		}
		b.mu.Unlock()
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading history: %w", err)
	}
	log.Printf("Loaded %d console entries from %s", loaded, path)
	return nil
}
