package ops

import (
	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/rcon"
	"github.com/ernie/warden/internal/supervisor"
)

// Params carries operation parameters from the API request body.
type Params map[string]any

// Bool reads a boolean parameter, defaulting to false.
func (p Params) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// String reads a string parameter, defaulting to "".
func (p Params) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Actor identifies who is executing an operation.
type Actor struct {
	Label       string
	Admin       bool
	Permissions []string
}

// HasPermission reports whether the actor holds a permission key.
// Admins implicitly hold every permission.
func (a Actor) HasPermission(perm string) bool {
	if a.Admin {
		return true
	}
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// PreflightFn vets an operation before execution.
type PreflightFn func(actor Actor, params Params) (ok bool, reason string)

// ExecutorFn runs the operation and returns its result.
type ExecutorFn func(actor Actor, params Params) *supervisor.Result

// Spec describes one registered management operation.
type Spec struct {
	Key                string
	RequiredPermission string
	AdminOnly          bool
	Risk               string
	Preflight          PreflightFn
	Executor           ExecutorFn
}

func preflightAlwaysOK(Actor, Params) (bool, string) { return true, "" }

// Registry maps operation keys to specs.
type Registry map[string]Spec

// NewRegistry builds the standard server lifecycle operations bound
// to a supervisor.
func NewRegistry(sup *supervisor.Supervisor) Registry {
	return Registry{
		"server:start": {
			Key:                "server:start",
			RequiredPermission: "server:start",
			Risk:               "medium",
			Preflight:          preflightAlwaysOK,
			Executor: func(actor Actor, params Params) *supervisor.Result {
				return sup.Start(false, 0, false)
			},
		},
		"server:restart": {
			Key:                "server:restart",
			RequiredPermission: "server:restart",
			Risk:               "medium",
			Preflight:          preflightAlwaysOK,
			Executor: func(actor Actor, params Params) *supervisor.Result {
				return sup.Restart(supervisor.RestartOptions{Source: "operation:" + actor.Label})
			},
		},
		"server:stop": {
			Key:                "server:stop",
			RequiredPermission: "server:stop",
			AdminOnly:          true,
			Risk:               "high",
			Preflight:          preflightAlwaysOK,
			Executor: func(actor Actor, params Params) *supervisor.Result {
				return sup.Stop(params.Bool("force"))
			},
		},
		"server:recover": {
			Key:                "server:recover",
			RequiredPermission: "server:recover",
			AdminOnly:          true,
			Risk:               "high",
			Preflight:          preflightAlwaysOK,
			Executor: func(actor Actor, params Params) *supervisor.Result {
				return sup.Recover(0, true)
			},
		},
	}
}

// RegisterCommand adds console command execution. The dangerous-command
// policy runs as preflight, so blocked commands never reach RCON.
func (r Registry) RegisterCommand(send func(command string) domain.CommandResult, dangerous map[string]bool) {
	r["server:command"] = Spec{
		Key:                "server:command",
		RequiredPermission: "console:command",
		Risk:               "medium",
		Preflight: func(actor Actor, params Params) (bool, string) {
			decision := rcon.Decide(params.String("command"), dangerous)
			return decision.Allowed, decision.Reason
		},
		Executor: func(actor Actor, params Params) *supervisor.Result {
			result := send(params.String("command"))
			return &supervisor.Result{
				Success: result.Success,
				Message: result.Response,
				Error:   result.Error,
			}
		},
	}
}

// RegisterBackup adds the manual backup trigger.
func (r Registry) RegisterBackup(trigger func() (string, error)) {
	r["backup:run"] = Spec{
		Key:                "backup:run",
		RequiredPermission: "backup:trigger",
		Risk:               "high",
		Preflight:          preflightAlwaysOK,
		Executor: func(actor Actor, params Params) *supervisor.Result {
			message, err := trigger()
			if err != nil {
				return &supervisor.Result{Success: false, Error: err.Error()}
			}
			return &supervisor.Result{Success: true, Message: message}
		},
	}
}
