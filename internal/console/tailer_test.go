package console

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ernie/warden/internal/domain"
)

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	f.Close()
}

func messages(entries []domain.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestTailerReadsNewLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	appendFile(t, path, "[10:00:00 INFO]: old line\n")

	buf := NewBuffer(10)
	tailer := NewTailer(path, buf, nil)
	tailer.SeekEnd()

	appendFile(t, path, "[10:00:01 INFO]: fresh line\n")
	tailer.Poll()

	got := buf.Recent(10, false, 0)
	if len(got) != 1 {
		t.Fatalf("entries = %v, want 1 fresh line", messages(got))
	}
	if got[0].Message != "[10:00:01 INFO]: fresh line" {
		t.Fatalf("message = %q", got[0].Message)
	}
	if got[0].Time != "10:00:01" {
		t.Fatalf("time = %q, want parsed 10:00:01", got[0].Time)
	}
}

func TestTailerDedupe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	appendFile(t, path, "")

	buf := NewBuffer(10)
	tailer := NewTailer(path, buf, nil)
	tailer.SeekEnd()

	fixed := time.Now()
	tailer.now = func() time.Time { return fixed }

	appendFile(t, path, "[10:00:00 INFO]: same\n[10:00:00 INFO]: same\n[10:00:00 INFO]: other\n")
	tailer.Poll()

	got := messages(buf.Recent(10, false, 0))
	if len(got) != 2 {
		t.Fatalf("entries = %v, want duplicate suppressed", got)
	}
}

func TestTailerDedupeExpires(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	appendFile(t, path, "")

	buf := NewBuffer(10)
	tailer := NewTailer(path, buf, nil)
	tailer.SeekEnd()

	base := time.Now()
	calls := 0
	tailer.now = func() time.Time {
		calls++
		// Second occurrence arrives 200ms later, past the window.
		return base.Add(time.Duration(calls) * 200 * time.Millisecond)
	}

	appendFile(t, path, "[10:00:00 INFO]: same\n[10:00:00 INFO]: same\n")
	tailer.Poll()

	got := messages(buf.Recent(10, false, 0))
	if len(got) != 2 {
		t.Fatalf("entries = %v, want both kept past dedupe window", got)
	}
}

func TestTailerRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	appendFile(t, path, "[10:00:00 INFO]: session one\n")

	buf := NewBuffer(10)
	tailer := NewTailer(path, buf, nil)
	tailer.SeekEnd()

	// The server rotates latest.log on boot: old file moved away,
	// a brand new file (new inode) appears in its place.
	if err := os.Rename(path, filepath.Join(dir, "2026-08-31-1.log.gz")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	appendFile(t, path, "[10:05:00 INFO]: session two\n")

	tailer.Poll()

	got := messages(buf.Recent(10, false, 0))
	if len(got) != 2 {
		t.Fatalf("entries = %v, want rotation marker + new line", got)
	}
	if got[0] != RotationMarker {
		t.Fatalf("first entry = %q, want rotation marker", got[0])
	}
	if got[1] != "[10:05:00 INFO]: session two" {
		t.Fatalf("second entry = %q", got[1])
	}
}

func TestTailerTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	appendFile(t, path, "[10:00:00 INFO]: a long line that will vanish\n")

	buf := NewBuffer(10)
	tailer := NewTailer(path, buf, nil)
	tailer.SeekEnd()

	// Same inode, smaller size: copytruncate-style rotation.
	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	appendFile(t, path, "[10:05:00 INFO]: rewound\n")

	tailer.Poll()

	got := messages(buf.Recent(10, false, 0))
	if len(got) != 2 || got[0] != RotationMarker || got[1] != "[10:05:00 INFO]: rewound" {
		t.Fatalf("entries = %v, want marker + rewound line", got)
	}
}

func TestReadLatestLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	appendFile(t, path, "[10:00:00 INFO]: one\n[10:00:01 INFO]: §atwo\n\n[10:00:02 INFO]: three\n")

	got := ReadLatestLog(path, 2)
	if len(got) != 2 {
		t.Fatalf("entries = %v, want last 2", messages(got))
	}
	if got[0].Message != "[10:00:01 INFO]: two" {
		t.Fatalf("colors not stripped: %q", got[0].Message)
	}
	if got[1].Time != "10:00:02" {
		t.Fatalf("time = %q", got[1].Time)
	}
}
