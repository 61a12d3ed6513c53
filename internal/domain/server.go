package domain

import "time"

// StateReason classifies why the supervisor considers the server
// healthy or not. Exactly one reason applies at any given time.
const (
	StateOK              = "ok"
	StateStalePID        = "stale_pid"
	StateProcessNoPort   = "process_no_port"
	StatePortBusyNoProc  = "port_busy_no_process"
	StateStarting        = "starting"
	StateStopped         = "stopped"
)

// ServerStatus is the supervisor's composite view of the managed
// Paper server: process liveness, port reachability and player counts.
type ServerStatus struct {
	Running           bool       `json:"running"`
	ProcessRunning    bool       `json:"process_running"`
	GamePortListening bool       `json:"game_port_listening"`
	RconPortListening bool       `json:"rcon_port_listening"`
	Healthy           bool       `json:"healthy"`
	StateReason       string     `json:"state_reason"`
	PID               int        `json:"pid,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	UptimeSeconds     int64      `json:"uptime_seconds"`
	PlayersOnline     int        `json:"players_online"`
	MaxPlayers        int        `json:"max_players"`
	Version           string     `json:"version,omitempty"`
	CheckedAt         time.Time  `json:"checked_at"`
}

// LogEntry is one line of server console output. Time is the HH:MM:SS
// stamp parsed from the line, or the read time when the line has none.
type LogEntry struct {
	Time    string `json:"time"`
	Message string `json:"message"`
}

// MetricSample is one performance observation of the Java process.
// TPS and MSPT are nil when the Paper query did not succeed.
type MetricSample struct {
	Timestamp  float64  `json:"timestamp"`
	CPUPercent float64  `json:"cpu_percent"`
	CPUMax     float64  `json:"cpu_max"`
	RAMMB      float64  `json:"ram_mb"`
	RAMMax     float64  `json:"ram_max"`
	Players    int      `json:"players"`
	TPS        *float64 `json:"tps,omitempty"`
	TPSMax     *float64 `json:"tps_max,omitempty"`
	MSPT       *float64 `json:"mspt,omitempty"`
	MSPTMax    *float64 `json:"mspt_max,omitempty"`
}

// DiskSample is a periodic measurement of the server directory size.
type DiskSample struct {
	Timestamp float64 `json:"timestamp"`
	SizeMB    float64 `json:"size_mb"`
}

// CommandResult is the outcome of an RCON command round-trip.
type CommandResult struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}
