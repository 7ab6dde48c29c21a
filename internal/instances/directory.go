package instances

import (
	"context"
	"encoding/json"
)

// Mode classifies the project open in a CAD instance.
type Mode string

const (
	ModeTeamwork Mode = "teamwork"
	ModeSolo     Mode = "solo"
	ModeUntitled Mode = "untitled"
)

// InstanceRef identifies one reachable CAD instance. Listings are a
// point-in-time snapshot and must not be cached across dispatches.
type InstanceRef struct {
	Port        int    `json:"port"`
	ProjectName string `json:"projectName"`
	Mode        Mode   `json:"projectType"`
	Version     string `json:"version,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
}

// CommandError is a failure reported by the remote instance itself. The
// payload is the remote's native error object, passed through verbatim.
type CommandError struct {
	Command string
	Payload json.RawMessage
}

func (e *CommandError) Error() string {
	return "command " + e.Command + " failed upstream: " + string(e.Payload)
}

// Directory lists reachable CAD instances and sends raw commands to them.
// Implementations own the transport and its timeout policy.
type Directory interface {
	// List returns the currently reachable instances.
	List(ctx context.Context) ([]InstanceRef, error)

	// Send executes a named raw command on the instance at the given port
	// and returns the remote result payload. A failure reported by the
	// remote is returned as a *CommandError.
	Send(ctx context.Context, port int, command string, params json.RawMessage) (json.RawMessage, error)
}
