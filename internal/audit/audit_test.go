package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEventAppendsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path)

	l.Event("admin@example.com", "operation:server:restart", "server", "success",
		map[string]any{"op_id": "abc-123"})
	l.Event("user@example.com", "rcon_command", "list", "allowed", nil)

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad json line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0]["actor"] != "admin@example.com" {
		t.Fatalf("actor = %v", records[0]["actor"])
	}
	if records[0]["op_id"] != "abc-123" {
		t.Fatalf("extra op_id = %v", records[0]["op_id"])
	}
	if _, ok := records[0]["ts"].(float64); !ok {
		t.Fatalf("ts = %v", records[0]["ts"])
	}
	if records[1]["result"] != "allowed" {
		t.Fatalf("result = %v", records[1]["result"])
	}
}

func TestRotationShiftChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l := New(path)
	l.maxBytes = 200
	l.retention = 2

	big := strings.Repeat("x", 100)
	for i := 0; i < 10; i++ {
		l.Event("actor", "action", big, "ok", nil)
	}

	// Active file plus at most 2 generations.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("active file missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("generation .1 missing: %v", err)
	}
	if _, err := os.Stat(path + ".3"); err == nil {
		t.Fatal("generation .3 exists past retention")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) > 3 {
		t.Fatalf("files = %d, want <= 3", len(entries))
	}
}
