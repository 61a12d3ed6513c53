package rcon

import "strings"

// DefaultDangerousCommands are base commands refused over the console
// API. Server lifecycle goes through the supervisor so its state
// tracking stays accurate, and permanent bans need a deliberate step.
var DefaultDangerousCommands = map[string]bool{
	"stop":      true,
	"op":        true,
	"deop":      true,
	"ban-ip":    true,
	"pardon-ip": true,
}

// Decision is the outcome of vetting a console command.
type Decision struct {
	Allowed     bool
	BaseCommand string
	Reason      string
}

// Decide vets a raw console command against a dangerous-command set.
// The base command is the first token, lowercased, with any leading
// slash stripped, so "/STOP" and "stop" are treated the same.
func Decide(command string, dangerous map[string]bool) Decision {
	fields := strings.Fields(command)
	base := ""
	if len(fields) > 0 {
		base = strings.ToLower(strings.TrimLeft(fields[0], "/"))
	}
	if base != "" && dangerous[base] {
		return Decision{Allowed: false, BaseCommand: base, Reason: "dangerous_command"}
	}
	return Decision{Allowed: true, BaseCommand: base}
}
