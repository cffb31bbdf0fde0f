// Package toggle implements the debugger pause toggle: a two-state machine
// that attaches and pauses a debugger on the active tab, and resumes and
// releases it on the next toggle or when the tab or window goes away.
//
// All gateway failures degrade to the Idle state. Nothing returned by the
// host is surfaced to the caller as an error.
package toggle

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/debugger"

	"github.com/standardbeagle/tabpause/internal/debug"
)

const component = "toggle"

// DefaultCommandName is the logical command bound to the keyboard shortcut.
const DefaultCommandName = "toggle-pause"

// Debugger protocol commands issued by the controller.
const (
	CommandEnable = debugger.CommandEnable
	CommandPause  = debugger.CommandPause
	CommandResume = debugger.CommandResume
)

// Mode is the controller's current phase.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeDebugging Mode = "debugging"
)

// Outcome describes what a command did. OutcomeReleased means resume
// failed but the session was released anyway.
type Outcome string

const (
	OutcomeNoTab        Outcome = "no-tab"
	OutcomePaused       Outcome = "paused"
	OutcomeAttachFailed Outcome = "attach-failed"
	OutcomeResumed      Outcome = "resumed"
	OutcomeReleased     Outcome = "released"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeFailed       Outcome = "failed"
)

// State is a consistent snapshot of the controller.
// ActiveTarget is zero whenever Mode is ModeIdle.
type State struct {
	Mode         Mode  `json:"mode"`
	ActiveTarget TabID `json:"active_target,omitempty"`
}

// Options configures a Controller.
type Options struct {
	// ProtocolVersion is passed to Gateway.Attach. Empty disables the check.
	ProtocolVersion string

	// CommandName is the command that triggers a toggle.
	// Defaults to DefaultCommandName.
	CommandName string
}

// Controller owns the toggle state. Construct one per process with New.
type Controller struct {
	registry Registry
	gateway  Gateway
	opts     Options

	mu     sync.Mutex
	mode   Mode
	target TabID
}

// New creates a Controller in the Idle state.
func New(registry Registry, gateway Gateway, opts Options) *Controller {
	if opts.CommandName == "" {
		opts.CommandName = DefaultCommandName
	}
	return &Controller{
		registry: registry,
		gateway:  gateway,
		opts:     opts,
		mode:     ModeIdle,
	}
}

// CommandName returns the command name that triggers HandleToggle.
func (c *Controller) CommandName() string {
	return c.opts.CommandName
}

// State returns the current mode and target.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Mode: c.mode, ActiveTarget: c.target}
}

func (c *Controller) setDebugging(id TabID) {
	c.mu.Lock()
	c.mode = ModeDebugging
	c.target = id
	c.mu.Unlock()
}

func (c *Controller) setIdle() {
	c.mu.Lock()
	c.mode = ModeIdle
	c.target = 0
	c.mu.Unlock()
}

// HandleCommand runs the toggle when name matches the configured command.
func (c *Controller) HandleCommand(ctx context.Context, name string) Outcome {
	if name != c.opts.CommandName {
		debug.Log(component, "ignoring command %q", name)
		return OutcomeIgnored
	}
	return c.HandleToggle(ctx)
}

// HandleToggle pauses the active tab when idle, or resumes and releases it
// when debugging. Switching to another tab releases the previous one first.
func (c *Controller) HandleToggle(ctx context.Context) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			debug.Error(component, "toggle handler panicked: %v", r)
			c.setIdle()
			outcome = OutcomeFailed
		}
	}()

	tab, ok, err := c.registry.ActiveTab(ctx)
	if err != nil {
		debug.Warn(component, "active tab lookup failed: %v", err)
		return OutcomeNoTab
	}
	if !ok || tab.ID == 0 {
		debug.Info(component, "no active tab found")
		return OutcomeNoTab
	}

	if current := c.State().ActiveTarget; current != 0 && current != tab.ID {
		debug.Log(component, "active tab changed from %s to %s, releasing previous session", current, tab.ID)
		c.Release(ctx, current)
	}

	if c.State().Mode == ModeIdle {
		if err := c.pause(ctx, tab.ID); err != nil {
			debug.Warn(component, "failed to pause tab %s: %v", tab.ID, err)
			c.Release(ctx, tab.ID)
			return OutcomeAttachFailed
		}
		c.setDebugging(tab.ID)
		debug.Info(component, "paused tab %s (%s)", tab.ID, tab.URL)
		return OutcomePaused
	}

	if err := c.gateway.SendCommand(ctx, tab.ID, CommandResume); err != nil {
		debug.Warn(component, "resume on tab %s failed: %v", tab.ID, err)
		c.Release(ctx, tab.ID)
		return OutcomeReleased
	}
	c.Release(ctx, tab.ID)
	debug.Info(component, "resumed tab %s", tab.ID)
	return OutcomeResumed
}

// pause runs attach, enable and pause in order and stops at the first failure.
func (c *Controller) pause(ctx context.Context, id TabID) error {
	if err := c.gateway.Attach(ctx, id, c.opts.ProtocolVersion); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if err := c.gateway.SendCommand(ctx, id, CommandEnable); err != nil {
		return fmt.Errorf("%s: %w", CommandEnable, err)
	}
	if err := c.gateway.SendCommand(ctx, id, CommandPause); err != nil {
		return fmt.Errorf("%s: %w", CommandPause, err)
	}
	return nil
}

// Release detaches the session on id if the tab still exists and always
// leaves the controller Idle. It is safe to call repeatedly and on tabs that
// are already gone. A zero id is a no-op.
func (c *Controller) Release(ctx context.Context, id TabID) {
	if id == 0 {
		return
	}
	defer c.setIdle()

	defer func() {
		if r := recover(); r != nil {
			debug.Error(component, "release of tab %s panicked: %v", id, r)
		}
	}()

	exists, err := c.registry.TabExists(ctx, id)
	if err != nil {
		debug.Log(component, "tab %s lookup failed: %v", id, err)
		return
	}
	if !exists {
		debug.Log(component, "tab %s no longer exists", id)
		return
	}
	if err := c.gateway.Detach(ctx, id); err != nil {
		debug.Log(component, "detach from tab %s failed: %v", id, err)
	}
}

// TabRemoved releases the session when the removed tab is the active target.
func (c *Controller) TabRemoved(ctx context.Context, id TabID) {
	if id == 0 || id != c.State().ActiveTarget {
		return
	}
	debug.Log(component, "debugged tab %s closed", id)
	c.Release(ctx, id)
}

// WindowRemoved releases the active target, if any. Windows are not tracked
// per target, so any window closing releases the session.
func (c *Controller) WindowRemoved(ctx context.Context) {
	target := c.State().ActiveTarget
	if target == 0 {
		return
	}
	debug.Log(component, "window closed, releasing tab %s", target)
	c.Release(ctx, target)
}
