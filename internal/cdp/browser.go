package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/standardbeagle/tabpause/internal/debug"
	"github.com/standardbeagle/tabpause/internal/toggle"
)

var (
	// ErrNotAttached is returned for session operations on a tab without a session.
	ErrNotAttached = errors.New("no debugging session attached to tab")
	// ErrAlreadyAttached is returned when attaching to a tab that already has a session.
	ErrAlreadyAttached = errors.New("debugging session already attached to tab")
	// ErrIncompatibleProtocol is returned when the browser cannot serve the requested protocol version.
	ErrIncompatibleProtocol = errors.New("incompatible protocol version")
	// ErrUnknownTab is returned for tab ids this browser never reported.
	ErrUnknownTab = errors.New("unknown tab")
)

// DefaultEndpoint is the usual --remote-debugging-port address.
const DefaultEndpoint = "http://127.0.0.1:9222"

// eventTimeout bounds commands issued while handling an event.
const eventTimeout = 5 * time.Second

// VersionInfo is the /json/version document.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// listEntry is one element of /json/list.
type listEntry struct {
	ID    target.ID `json:"id"`
	Type  string    `json:"type"`
	Title string    `json:"title"`
	URL   string    `json:"url"`
}

// Browser is a connected Chromium instance. It implements toggle.Registry
// and toggle.Gateway, and reports tab and window removal to a Listener.
type Browser struct {
	endpoint string
	client   *http.Client
	conn     *Conn
	version  VersionInfo

	listenerMu sync.RWMutex
	listener   toggle.Listener

	// refreshMu serializes window refreshes from events and WatchWindows.
	refreshMu sync.Mutex

	mu       sync.Mutex
	nextTab  toggle.TabID
	tabs     map[target.ID]toggle.TabID
	targets  map[toggle.TabID]target.ID
	windows  map[toggle.TabID]browser.WindowID
	sessions map[toggle.TabID]target.SessionID
}

var (
	_ toggle.Registry = (*Browser)(nil)
	_ toggle.Gateway  = (*Browser)(nil)
)

// Connect discovers the browser's websocket at endpoint (for example
// http://127.0.0.1:9222), connects, and enables target discovery.
func Connect(ctx context.Context, endpoint string) (*Browser, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	b := &Browser{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
		tabs:     make(map[target.ID]toggle.TabID),
		targets:  make(map[toggle.TabID]target.ID),
		windows:  make(map[toggle.TabID]browser.WindowID),
		sessions: make(map[toggle.TabID]target.SessionID),
	}

	if err := b.getJSON(ctx, "/json/version", &b.version); err != nil {
		return nil, fmt.Errorf("failed to query browser version: %w", err)
	}
	if b.version.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("browser at %s did not report a websocket debugger url", b.endpoint)
	}

	conn, err := Dial(ctx, b.version.WebSocketDebuggerURL, b.handleEvent)
	if err != nil {
		return nil, err
	}
	b.conn = conn

	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, conn)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable target discovery: %w", err)
	}

	debug.Info("cdp", "connected to %s (protocol %s)", b.version.Browser, b.version.ProtocolVersion)
	return b, nil
}

// Version returns the browser's /json/version document.
func (b *Browser) Version() VersionInfo {
	return b.version
}

// SetListener registers the receiver of removal notifications.
func (b *Browser) SetListener(l toggle.Listener) {
	b.listenerMu.Lock()
	b.listener = l
	b.listenerMu.Unlock()
}

// Done is closed when the browser connection drops.
func (b *Browser) Done() <-chan struct{} {
	return b.conn.Done()
}

// Close disconnects from the browser. Attached sessions end with the connection.
func (b *Browser) Close() error {
	return b.conn.Close()
}

// ActiveTab returns the most recently focused page. /json/list orders
// targets by last activity, so the first page is the foreground tab.
func (b *Browser) ActiveTab(ctx context.Context) (toggle.Tab, bool, error) {
	var entries []listEntry
	if err := b.getJSON(ctx, "/json/list", &entries); err != nil {
		return toggle.Tab{}, false, fmt.Errorf("failed to list targets: %w", err)
	}

	for _, e := range entries {
		if e.Type != "page" {
			continue
		}
		return toggle.Tab{ID: b.tabID(e.ID), Title: e.Title, URL: e.URL}, true, nil
	}
	return toggle.Tab{}, false, nil
}

// TabExists reports whether the browser still knows the tab's target.
func (b *Browser) TabExists(ctx context.Context, id toggle.TabID) (bool, error) {
	tid, ok := b.targetID(id)
	if !ok {
		return false, nil
	}

	_, err := target.GetTargetInfo().WithTargetID(tid).Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		var protoErr *cdproto.Error
		if errors.As(err, &protoErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Attach opens a flattened session to the tab. A non-empty protocolVersion
// must be compatible with the browser's: same major, minor not newer.
func (b *Browser) Attach(ctx context.Context, id toggle.TabID, protocolVersion string) error {
	tid, ok := b.targetID(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}

	b.mu.Lock()
	_, attached := b.sessions[id]
	b.mu.Unlock()
	if attached {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}

	if protocolVersion != "" && !CompatibleProtocol(protocolVersion, b.version.ProtocolVersion) {
		return fmt.Errorf("%w: requested %s, browser speaks %s",
			ErrIncompatibleProtocol, protocolVersion, b.version.ProtocolVersion)
	}

	sessionID, err := target.AttachToTarget(tid).WithFlatten(true).Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return fmt.Errorf("attach to tab %s: %w", id, err)
	}

	b.mu.Lock()
	b.sessions[id] = sessionID
	b.mu.Unlock()

	debug.Log("cdp", "attached session %s to tab %s", sessionID, id)
	return nil
}

// SendCommand runs a parameterless command on the tab's session.
func (b *Browser) SendCommand(ctx context.Context, id toggle.TabID, command string) error {
	b.mu.Lock()
	sessionID, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, id)
	}

	if err := b.conn.Session(sessionID).Execute(ctx, command, nil, nil); err != nil {
		return fmt.Errorf("%s on tab %s: %w", command, id, err)
	}
	return nil
}

// Detach ends the tab's session. The session is forgotten even if the
// browser rejects the request.
func (b *Browser) Detach(ctx context.Context, id toggle.TabID) error {
	b.mu.Lock()
	sessionID, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, id)
	}

	if err := target.DetachFromTarget().WithSessionID(sessionID).Do(cdp.WithExecutor(ctx, b.conn)); err != nil {
		return fmt.Errorf("detach from tab %s: %w", id, err)
	}
	debug.Log("cdp", "detached session %s from tab %s", sessionID, id)
	return nil
}

// tabID returns the numeric id for a target, assigning one on first sight.
func (b *Browser) tabID(tid target.ID) toggle.TabID {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.tabs[tid]; ok {
		return id
	}
	b.nextTab++
	b.tabs[tid] = b.nextTab
	b.targets[b.nextTab] = tid
	return b.nextTab
}

func (b *Browser) targetID(id toggle.TabID) (target.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tid, ok := b.targets[id]
	return tid, ok
}

func (b *Browser) currentListener() toggle.Listener {
	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	return b.listener
}

func (b *Browser) handleEvent(ev Event) {
	switch ev.Method {
	case cdproto.EventTargetTargetCreated:
		var e target.EventTargetCreated
		if err := json.Unmarshal(ev.Params, &e); err != nil || e.TargetInfo == nil {
			debug.Warn("cdp", "bad %s event: %v", ev.Method, err)
			return
		}
		if e.TargetInfo.Type == "page" {
			b.trackPage(e.TargetInfo.TargetID)
		}

	case cdproto.EventTargetTargetDestroyed:
		var e target.EventTargetDestroyed
		if err := json.Unmarshal(ev.Params, &e); err != nil {
			debug.Warn("cdp", "bad %s event: %v", ev.Method, err)
			return
		}
		b.untrackPage(e.TargetID)

	case cdproto.EventTargetTargetInfoChanged:
		var e target.EventTargetInfoChanged
		if err := json.Unmarshal(ev.Params, &e); err != nil || e.TargetInfo == nil {
			debug.Warn("cdp", "bad %s event: %v", ev.Method, err)
			return
		}
		if e.TargetInfo.Type != "page" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		b.RefreshWindows(ctx)
		cancel()

	case cdproto.EventTargetDetachedFromTarget:
		var e target.EventDetachedFromTarget
		if err := json.Unmarshal(ev.Params, &e); err != nil {
			debug.Warn("cdp", "bad %s event: %v", ev.Method, err)
			return
		}
		b.forgetSession(e.SessionID)
	}
}

// trackPage assigns a tab id and records the page's window.
func (b *Browser) trackPage(tid target.ID) {
	id := b.tabID(tid)

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	windowID, _, err := browser.GetWindowForTarget().WithTargetID(tid).Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		debug.Log("cdp", "no window for tab %s: %v", id, err)
		return
	}

	b.mu.Lock()
	b.windows[id] = windowID
	b.mu.Unlock()
	debug.Log("cdp", "tracking tab %s in window %d", id, windowID)
}

// untrackPage forgets a destroyed page and notifies the listener, followed
// by a window notification when it was the last tab of its window.
func (b *Browser) untrackPage(tid target.ID) {
	b.mu.Lock()
	id, ok := b.tabs[tid]
	if !ok {
		b.mu.Unlock()
		return
	}
	windowID, hadWindow := b.windows[id]
	delete(b.tabs, tid)
	delete(b.targets, id)
	delete(b.windows, id)
	delete(b.sessions, id)

	lastInWindow := hadWindow
	for _, w := range b.windows {
		if w == windowID {
			lastInWindow = false
			break
		}
	}
	b.mu.Unlock()

	l := b.currentListener()
	if l == nil {
		return
	}
	l.TabRemoved(id)
	if lastInWindow {
		debug.Log("cdp", "window %d closed", windowID)
		l.WindowRemoved()
	}
}

// RefreshWindows re-reads the window of every tracked tab. A window that no
// longer holds any tracked tab, for example after its last tab was dragged
// into another window, is reported with one WindowRemoved. Tabs whose lookup
// fails keep their previous window.
func (b *Browser) RefreshWindows(ctx context.Context) {
	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()

	b.mu.Lock()
	targets := make(map[toggle.TabID]target.ID, len(b.targets))
	for id, tid := range b.targets {
		targets[id] = tid
	}
	b.mu.Unlock()

	found := make(map[toggle.TabID]browser.WindowID, len(targets))
	for id, tid := range targets {
		windowID, _, err := browser.GetWindowForTarget().WithTargetID(tid).Do(cdp.WithExecutor(ctx, b.conn))
		if err != nil {
			debug.Log("cdp", "no window for tab %s: %v", id, err)
			continue
		}
		found[id] = windowID
	}

	b.mu.Lock()
	before := windowSet(b.windows)
	for id, windowID := range found {
		// Skip tabs destroyed while the lookups ran.
		if _, ok := b.targets[id]; ok {
			b.windows[id] = windowID
		}
	}
	after := windowSet(b.windows)
	b.mu.Unlock()

	var gone []browser.WindowID
	for windowID := range before {
		if !after[windowID] {
			gone = append(gone, windowID)
		}
	}
	if len(gone) == 0 {
		return
	}

	l := b.currentListener()
	for _, windowID := range gone {
		debug.Log("cdp", "window %d has no tracked tabs", windowID)
		if l != nil {
			l.WindowRemoved()
		}
	}
}

// WatchWindows calls RefreshWindows every interval until ctx is done or the
// connection drops. A non-positive interval returns at once.
func (b *Browser) WatchWindows(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, eventTimeout)
			b.RefreshWindows(refreshCtx)
			cancel()
		}
	}
}

func windowSet(windows map[toggle.TabID]browser.WindowID) map[browser.WindowID]bool {
	set := make(map[browser.WindowID]bool, len(windows))
	for _, windowID := range windows {
		set[windowID] = true
	}
	return set
}

// forgetSession drops a session the browser ended on its own, for example
// when the user dismissed the debugging infobar.
func (b *Browser) forgetSession(sessionID target.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.sessions {
		if s == sessionID {
			delete(b.sessions, id)
			debug.Log("cdp", "session %s on tab %s detached by browser", sessionID, id)
			return
		}
	}
}

func (b *Browser) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}

// CompatibleProtocol reports whether a browser speaking have can serve a
// client that requires want. Versions are "major.minor".
func CompatibleProtocol(want, have string) bool {
	wantMajor, wantMinor, ok := parseVersion(want)
	if !ok {
		return false
	}
	haveMajor, haveMinor, ok := parseVersion(have)
	if !ok {
		return false
	}
	return wantMajor == haveMajor && wantMinor <= haveMinor
}

func parseVersion(v string) (major, minor int, ok bool) {
	majorStr, minorStr, found := strings.Cut(strings.TrimSpace(v), ".")
	if !found {
		return 0, 0, false
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
