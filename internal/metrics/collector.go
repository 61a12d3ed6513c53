package metrics

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ernie/warden/internal/domain"
)

const (
	metricsInterval    = 3 * time.Second
	tpsInterval        = 10 * time.Second
	diskInterval       = 30 * time.Minute
	downsampleInterval = time.Hour

	// /proc stat utime/stime are in USER_HZ units. The kernel has
	// hard-wired USER_HZ to 100 since 2.6 regardless of CONFIG_HZ,
	// and sysconf(_SC_CLK_TCK) needs cgo, so the value is assumed.
	clockTicksPerSec = 100
)

// statm counts are in pages, whose size varies by architecture.
var pageSize = os.Getpagesize()

var (
	tpsRe = regexp.MustCompile(`TPS from last 1m, 5m, 15m:\s*\*?([\d.]+)`)

	// Paper /mspt first bucket (5s avg/min/max), tolerating an icon
	// glyph and newlines before the numbers.
	mspt5sRe = regexp.MustCompile(`(?is)from last 5s,\s*10s,\s*1m:\s*(?:[^\d\s]\s*)?(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)`)

	msptTripleRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)`)
)

// parseTPS extracts the 1m TPS value from Paper's /tps output.
func parseTPS(text string) (float64, bool) {
	m := tpsRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil
}

// parseMSPT extracts the 5s-bucket average from Paper's /mspt output.
func parseMSPT(text string) (float64, bool) {
	m := mspt5sRe.FindStringSubmatch(text)
	if m == nil {
		m = msptTripleRe.FindStringSubmatch(text)
	}
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil
}

// cpuSampler tracks cumulative CPU time of one process between
// samples. The first sample after acquiring a PID primes the counter
// and reports nothing.
type cpuSampler struct {
	pid       int
	lastTotal float64
	lastAt    time.Time
}

func (c *cpuSampler) prime(pid int, now time.Time) error {
	total, err := processCPUSeconds(pid)
	if err != nil {
		return err
	}
	c.pid = pid
	c.lastTotal = total
	c.lastAt = now
	return nil
}

func (c *cpuSampler) sample(now time.Time) (float64, error) {
	total, err := processCPUSeconds(c.pid)
	if err != nil {
		return 0, err
	}
	elapsed := now.Sub(c.lastAt).Seconds()
	percent := 0.0
	if elapsed > 0 {
		percent = (total - c.lastTotal) / elapsed * 100
		if percent < 0 {
			percent = 0
		}
	}
	c.lastTotal = total
	c.lastAt = now
	return percent, nil
}

// processCPUSeconds reads cumulative utime+stime from /proc.
func processCPUSeconds(pid int) (float64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// comm may contain spaces; fields resume after the closing paren.
	raw := string(data)
	idx := strings.LastIndexByte(raw, ')')
	if idx < 0 || idx+2 >= len(raw) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(raw[idx+2:])
	if len(fields) < 13 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	utime, err := strconv.ParseFloat(fields[11], 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseFloat(fields[12], 64)
	if err != nil {
		return 0, err
	}
	return (utime + stime) / clockTicksPerSec, nil
}

// processRSSMB reads resident memory in MB from /proc.
func processRSSMB(pid int) (float64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm for pid %d", pid)
	}
	resident, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, err
	}
	return resident * float64(pageSize) / (1024 * 1024), nil
}

// dirSizeBytes totals the file sizes under a directory, skipping
// entries that disappear mid-walk.
func dirSizeBytes(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// Collector samples CPU/RAM every few seconds, polls Paper's tick
// timings over RCON, measures disk usage and triggers downsampling.
// Live samples fan out to subscribers for the metrics WebSocket.
type Collector struct {
	store       *Store
	status      func() domain.ServerStatus
	sendCommand func(command string) domain.CommandResult
	serverDir   string

	mu         sync.Mutex
	latestTPS  *float64
	latestMSPT *float64
	subs       map[int]chan domain.MetricSample
	nextSub    int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewCollector wires the collector to the supervisor's status and
// command functions.
func NewCollector(store *Store, serverDir string,
	status func() domain.ServerStatus,
	sendCommand func(string) domain.CommandResult) *Collector {
	return &Collector{
		store:       store,
		status:      status,
		sendCommand: sendCommand,
		serverDir:   serverDir,
		subs:        make(map[int]chan domain.MetricSample),
		done:        make(chan struct{}),
	}
}

// Subscribe registers a live sample channel.
func (c *Collector) Subscribe() (<-chan domain.MetricSample, func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan domain.MetricSample, 16)
	c.subs[id] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Collector) broadcast(sample domain.MetricSample) {
	c.mu.Lock()
	targets := make([]chan domain.MetricSample, 0, len(c.subs))
	for _, ch := range c.subs {
		targets = append(targets, ch)
	}
	c.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- sample:
		default:
		}
	}
}

// Start launches the collection loops.
func (c *Collector) Start() {
	c.wg.Add(4)
	go c.metricsLoop()
	go c.tpsLoop()
	go c.diskLoop()
	go c.downsampleLoop()
	log.Printf("Server metrics collector started")
}

// Stop halts all loops and waits for them.
func (c *Collector) Stop() {
	close(c.done)
	c.wg.Wait()
	log.Printf("Server metrics collector stopped")
}

func (c *Collector) metricsLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	var sampler cpuSampler
	prevPID := 0

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			status := c.status()
			if !status.ProcessRunning || status.PID == 0 {
				prevPID = 0
				continue
			}

			if status.PID != prevPID {
				// First sample for a fresh PID only primes the counter
				if err := sampler.prime(status.PID, time.Now()); err != nil {
					prevPID = 0
					continue
				}
				prevPID = status.PID
				continue
			}

			cpu, err := sampler.sample(time.Now())
			if err != nil {
				prevPID = 0
				continue
			}
			ram, err := processRSSMB(status.PID)
			if err != nil {
				prevPID = 0
				continue
			}

			c.mu.Lock()
			tps, mspt := c.latestTPS, c.latestMSPT
			c.mu.Unlock()

			sample := domain.MetricSample{
				Timestamp:  float64(time.Now().UnixMilli()) / 1000,
				CPUPercent: cpu,
				CPUMax:     cpu,
				RAMMB:      ram,
				RAMMax:     ram,
				Players:    status.PlayersOnline,
				TPS:        tps,
				MSPT:       mspt,
			}
			if err := c.store.InsertRaw(context.Background(), sample); err != nil {
				log.Printf("Error storing metric sample: %v", err)
			}
			c.broadcast(sample)
		}
	}
}

func (c *Collector) tpsLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(tpsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			status := c.status()
			if !status.Running {
				c.setTickTimings(nil, nil)
				continue
			}

			var tps, mspt *float64
			if res := c.sendCommand("tps"); res.Success {
				if v, ok := parseTPS(res.Response); ok {
					tps = &v
				} else {
					log.Printf("Failed to parse TPS from: %s", res.Response)
				}
			}
			if res := c.sendCommand("mspt"); res.Success {
				if v, ok := parseMSPT(res.Response); ok {
					mspt = &v
				} else {
					log.Printf("Failed to parse MSPT from: %s", res.Response)
				}
			}
			c.setTickTimings(tps, mspt)
		}
	}
}

func (c *Collector) setTickTimings(tps, mspt *float64) {
	c.mu.Lock()
	c.latestTPS = tps
	c.latestMSPT = mspt
	c.mu.Unlock()
}

func (c *Collector) diskLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(diskInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			sizeMB := float64(dirSizeBytes(c.serverDir)) / (1024 * 1024)
			now := float64(time.Now().UnixMilli()) / 1000
			if err := c.store.InsertDiskSize(context.Background(), now, sizeMB); err != nil {
				log.Printf("Error storing disk size: %v", err)
			}
		}
	}
}

func (c *Collector) downsampleLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(downsampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := float64(time.Now().UnixMilli()) / 1000
			if err := c.store.Downsample(context.Background(), now); err != nil {
				log.Printf("Error downsampling metrics: %v", err)
			}
		}
	}
}
