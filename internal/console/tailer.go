package console

import (
	"bufio"
	"io"
	"log"
	"os"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/rcon"
)

const (
	pollInterval = 300 * time.Millisecond
	dedupeWindow = 100 * time.Millisecond
)

// RotationMarker is appended to the console when latest.log is
// replaced by the game server's own log rotation.
const RotationMarker = "[warden] Log file rotated - new server session"

var timestampRe = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2})`)

// Tailer follows the game server's latest.log, surviving the
// rotation the server performs on every boot. New lines are cleaned
// and appended to the console buffer.
type Tailer struct {
	path      string
	buf       *Buffer
	isRunning func() bool

	mu       sync.Mutex
	position int64
	inode    uint64
	running  bool

	lastMessage   string
	lastMessageAt time.Time

	done chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewTailer creates a tailer for the given log path. isRunning gates
// the loop: when it reports false the tailer emits a stop marker and
// exits.
func NewTailer(path string, buf *Buffer, isRunning func() bool) *Tailer {
	return &Tailer{
		path:      path,
		buf:       buf,
		isRunning: isRunning,
		now:       time.Now,
	}
}

// SeekEnd positions the cursor at the current end of the log so only
// lines written after this call are picked up.
func (t *Tailer) SeekEnd() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fi, err := os.Stat(t.path)
	if err != nil {
		t.position = 0
		t.inode = 0
		return
	}
	t.position = fi.Size()
	t.inode = fileInode(fi)
}

// Start begins the poll loop. A tailer can be restarted after Stop.
func (t *Tailer) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.done = make(chan struct{})
	t.lastMessage = ""
	t.lastMessageAt = time.Time{}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop()
	log.Printf("Log tailer started for %s", t.path)
}

// Stop halts the poll loop and waits for it to exit.
func (t *Tailer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.done)
	t.mu.Unlock()
	t.wg.Wait()
}

// Running reports whether the poll loop is active.
func (t *Tailer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tailer) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if t.isRunning != nil && !t.isRunning() {
				t.buf.AppendMarker("[warden] Server process stopped")
				t.mu.Lock()
				t.running = false
				t.mu.Unlock()
				log.Printf("Server stopped, log tailer exiting")
				return
			}
			t.Poll()
		}
	}
}

// Poll reads any new log content once. Exposed so tests can drive the
// tailer without the timer.
func (t *Tailer) Poll() {
	fi, err := os.Stat(t.path)
	if err != nil {
		return
	}

	t.mu.Lock()
	currentInode := fileInode(fi)
	currentSize := fi.Size()

	if t.inode != 0 && (currentInode != t.inode || currentSize < t.position) {
		log.Printf("Log file rotated (inode: %d -> %d, size: %d -> %d)",
			t.inode, currentInode, t.position, currentSize)
		t.position = 0
		t.mu.Unlock()
		t.buf.AppendMarker(RotationMarker)
		t.mu.Lock()
	}
	t.inode = currentInode
	position := t.position
	t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		log.Printf("Error opening log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(position, io.SeekStart); err != nil {
		log.Printf("Error seeking log file: %v", err)
		return
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial line at EOF: leave it for the next poll
			break
		}
		position += int64(len(line))
		t.ingestLine(line)
	}

	t.mu.Lock()
	t.position = position
	t.mu.Unlock()
}

func (t *Tailer) ingestLine(line string) {
	raw := trimLineEnding(line)
	if raw == "" {
		return
	}

	now := t.now()
	if raw == t.lastMessage && now.Sub(t.lastMessageAt) < dedupeWindow {
		return
	}
	t.lastMessage = raw
	t.lastMessageAt = now

	message := rcon.StripColors(raw)
	timestamp := now.Format("15:04:05")
	if m := timestampRe.FindStringSubmatch(message); m != nil {
		timestamp = m[1]
	}

	t.buf.Append(domain.LogEntry{Time: timestamp, Message: message})
}

func trimLineEnding(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// ReadLatestLog reads the last n lines of a log file directly,
// without touching tailer state. Used to backfill console history
// when the panel attaches to an already running server.
func ReadLatestLog(path string, n int) []domain.LogEntry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := trimLineEnding(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > n {
			lines = lines[1:]
		}
	}

	entries := make([]domain.LogEntry, 0, len(lines))
	for _, raw := range lines {
		message := rcon.StripColors(raw)
		timestamp := ""
		if m := timestampRe.FindStringSubmatch(message); m != nil {
			timestamp = m[1]
		}
		entries = append(entries, domain.LogEntry{Time: timestamp, Message: message})
	}
	return entries
}

func fileInode(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
