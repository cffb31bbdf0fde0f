package toggle

import (
	"context"
	"strconv"
)

// TabID is the host's opaque numeric tab identifier. Zero means "no tab".
type TabID int64

// String returns the decimal form of the id.
func (id TabID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Tab is the subset of tab information the controller needs.
type Tab struct {
	ID    TabID  `json:"id"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Registry resolves tabs. It is implemented by the browser host.
type Registry interface {
	// ActiveTab returns the foreground tab of the foreground window.
	// ok is false when there is none.
	ActiveTab(ctx context.Context) (tab Tab, ok bool, err error)

	// TabExists reports whether id still resolves to a tab.
	TabExists(ctx context.Context, id TabID) (bool, error)
}

// Gateway manages debugging sessions. It is implemented by the browser host.
type Gateway interface {
	// Attach begins a debugging session on id. An empty protocolVersion
	// skips the version compatibility check.
	Attach(ctx context.Context, id TabID, protocolVersion string) error

	// SendCommand issues a parameterless protocol command on the session.
	SendCommand(ctx context.Context, id TabID, command string) error

	// Detach ends the session on id.
	Detach(ctx context.Context, id TabID) error
}

// Listener receives host removal notifications. Delivery is fire-and-forget.
type Listener interface {
	TabRemoved(id TabID)
	WindowRemoved()
}
