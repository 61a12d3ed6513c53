package metrics

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseTPS(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
		ok   bool
	}{
		{"plain", "TPS from last 1m, 5m, 15m: 20.0, 20.0, 20.0", 20.0, true},
		{"starred", "TPS from last 1m, 5m, 15m: *19.87, 20.0, 20.0", 19.87, true},
		{"loaded", "TPS from last 1m, 5m, 15m: 14.2, 16.8, 18.1", 14.2, true},
		{"garbage", "Unknown command", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseTPS(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("parseTPS(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseMSPT(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
		ok   bool
	}{
		{
			"paper with icon",
			"Server tick times (avg/min/max) from last 5s, 10s, 1m:\n◴ 11.6/6.6/18.8, 11.8/4.8/76.2, 12.0/4.8/88.8",
			11.6, true,
		},
		{
			"no icon",
			"Server tick times (avg/min/max) from last 5s, 10s, 1m: 9.2/4.1/15.0, 9.5/4.0/20.2, 9.9/4.0/30.1",
			9.2, true,
		},
		{
			"format drift falls back to first triple",
			"tick times: 13.1/5.5/44.0",
			13.1, true,
		},
		{"garbage", "Unknown command", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseMSPT(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("parseMSPT(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestProcessRSSUsesSystemPageSize(t *testing.T) {
	if pageSize != os.Getpagesize() {
		t.Fatalf("pageSize = %d, want %d", pageSize, os.Getpagesize())
	}

	got, err := processRSSMB(os.Getpid())
	if err != nil {
		t.Skipf("statm not readable: %v", err)
	}
	if got <= 0 {
		t.Fatalf("processRSSMB = %v, want > 0", got)
	}
}

func TestDirSizeBytes(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "world", "region"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	os.WriteFile(filepath.Join(dir, "server.jar"), make([]byte, 1000), 0o644)
	os.WriteFile(filepath.Join(dir, "world", "region", "r.0.0.mca"), make([]byte, 2048), 0o644)

	if got := dirSizeBytes(dir); got != 3048 {
		t.Fatalf("dirSizeBytes = %d, want 3048", got)
	}
}

func TestDirSizeBytesMissing(t *testing.T) {
	if got := dirSizeBytes(filepath.Join(t.TempDir(), "nope")); got != 0 {
		t.Fatalf("dirSizeBytes = %d, want 0", got)
	}
}
