package daemon

import (
	"encoding/json"
	"time"

	"github.com/standardbeagle/tabpause/internal/toggle"
)

// Request verbs understood by the daemon. Each request and response is one
// line of JSON on the socket.
const (
	VerbPing     = "ping"
	VerbInfo     = "info"
	VerbState    = "state"
	VerbCommand  = "command"
	VerbShutdown = "shutdown"
)

// Request is a client request.
type Request struct {
	Verb string `json:"verb"`
	// Name is the host command for VerbCommand.
	Name string `json:"name,omitempty"`
}

// Response is the daemon's reply.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CommandResult is the data of a VerbCommand response.
type CommandResult struct {
	Outcome toggle.Outcome `json:"outcome"`
	State   toggle.State   `json:"state"`
}

// DaemonInfo is the data of a VerbInfo response.
type DaemonInfo struct {
	Version    string        `json:"version"`
	PID        int           `json:"pid"`
	SocketPath string        `json:"socket_path"`
	Uptime     time.Duration `json:"uptime"`
	Browser    string        `json:"browser,omitempty"`
	Command    string        `json:"command"`
	Handled    int64         `json:"handled"`
	State      toggle.State  `json:"state"`
}
