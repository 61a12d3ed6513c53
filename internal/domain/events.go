package domain

import "time"

// Event types for WebSocket notifications
const (
	EventConsoleLine  = "console_line"
	EventMetric       = "metric"
	EventStatusChange = "status_change"
	EventBackupStatus = "backup_status"
	EventRebootStatus = "reboot_status"
	EventOperation    = "operation"
)

// Event is the envelope broadcast to WebSocket clients.
type Event struct {
	Type      string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// StatusChangeEvent is sent when the supervisor's health view changes.
type StatusChangeEvent struct {
	Previous string       `json:"previous"`
	Current  string       `json:"current"`
	Status   ServerStatus `json:"status"`
}

// OperationEvent is sent when a management operation starts or finishes.
type OperationEvent struct {
	OpKey  string `json:"op_key"`
	OpID   string `json:"op_id"`
	Actor  string `json:"actor"`
	Status string `json:"status"` // "started", "succeeded", "failed"
	Error  string `json:"error,omitempty"`
}
