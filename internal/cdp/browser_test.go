package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"

	"github.com/standardbeagle/tabpause/internal/toggle"
)

func connectFake(t *testing.T, fb *fakeBrowser) *Browser {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b, err := Connect(ctx, fb.URL())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// recordingListener collects removal notifications.
type recordingListener struct {
	mu     sync.Mutex
	events []string
	notify chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{notify: make(chan struct{}, 16)}
}

func (l *recordingListener) TabRemoved(id toggle.TabID) {
	l.add("tab " + id.String())
}

func (l *recordingListener) WindowRemoved() {
	l.add("window")
}

func (l *recordingListener) add(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.notify <- struct{}{}
}

func (l *recordingListener) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		l.mu.Lock()
		if len(l.events) >= n {
			out := append([]string(nil), l.events...)
			l.mu.Unlock()
			return out
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-deadline:
			t.Fatalf("Timeout waiting for %d notifications, have %v", n, l.events)
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// createPage emits targetCreated for a page and waits until its window is known.
func createPage(t *testing.T, fb *fakeBrowser, b *Browser, id target.ID) toggle.TabID {
	t.Helper()
	fb.emit(cdproto.EventTargetTargetCreated, target.EventTargetCreated{
		TargetInfo: &target.Info{TargetID: id, Type: "page", URL: "https://example.test/" + string(id)},
	})

	tabID := b.tabID(id)
	waitUntil(t, "window for "+string(id), func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.windows[tabID]
		return ok
	})
	return tabID
}

func TestConnect_EnablesDiscovery(t *testing.T) {
	fb := newFakeBrowser(t)
	b := connectFake(t, fb)

	if got := fb.methods("Target."); !reflect.DeepEqual(got, []string{"Target.setDiscoverTargets"}) {
		t.Errorf("Target commands = %v", got)
	}
	if b.Version().ProtocolVersion != "1.3" {
		t.Errorf("ProtocolVersion = %q, want 1.3", b.Version().ProtocolVersion)
	}
}

func TestConnect_UnreachableEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := Connect(ctx, "http://127.0.0.1:1"); err == nil {
		t.Error("Expected error connecting to closed port")
	}
}

func TestBrowser_ActiveTab(t *testing.T) {
	fb := newFakeBrowser(t)
	b := connectFake(t, fb)

	if _, ok, err := b.ActiveTab(context.Background()); err != nil || ok {
		t.Fatalf("Expected no active tab, got ok=%v err=%v", ok, err)
	}

	fb.setList(
		listEntry{ID: "SW", Type: "service_worker", URL: "https://example.test/sw.js"},
		listEntry{ID: "A", Type: "page", Title: "A", URL: "https://a.test/"},
		listEntry{ID: "B", Type: "page", Title: "B", URL: "https://b.test/"},
	)

	tab, ok, err := b.ActiveTab(context.Background())
	if err != nil || !ok {
		t.Fatalf("ActiveTab: ok=%v err=%v", ok, err)
	}
	if tab.ID == 0 || tab.URL != "https://a.test/" {
		t.Errorf("ActiveTab = %+v", tab)
	}

	again, _, _ := b.ActiveTab(context.Background())
	if again.ID != tab.ID {
		t.Errorf("Tab id not stable: %d then %d", tab.ID, again.ID)
	}

	fb.setList(listEntry{ID: "B", Type: "page"}, listEntry{ID: "A", Type: "page"})
	other, _, _ := b.ActiveTab(context.Background())
	if other.ID == tab.ID {
		t.Error("Expected a different id for a different target")
	}
}

func TestBrowser_TabExists(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.respond("Target.getTargetInfo", func(msg message) (any, *cdproto.Error) {
		var p target.GetTargetInfoParams
		json.Unmarshal(msg.Params, &p)
		if p.TargetID != "A" {
			return nil, &cdproto.Error{Code: -32602, Message: "No target with given id found"}
		}
		return map[string]any{"targetInfo": map[string]any{"targetId": "A", "type": "page"}}, nil
	})
	b := connectFake(t, fb)
	fb.setList(listEntry{ID: "A", Type: "page"}, listEntry{ID: "Z", Type: "page"})

	a := b.tabID("A")
	z := b.tabID("Z")

	tests := []struct {
		name string
		id   toggle.TabID
		want bool
	}{
		{"live tab", a, true},
		{"closed tab", z, false},
		{"never seen", 999, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.TabExists(context.Background(), tt.id)
			if err != nil {
				t.Fatalf("TabExists error: %v", err)
			}
			if got != tt.want {
				t.Errorf("TabExists(%d) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestBrowser_SessionLifecycle(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.respond("Target.attachToTarget", func(msg message) (any, *cdproto.Error) {
		var p target.AttachToTargetParams
		json.Unmarshal(msg.Params, &p)
		if !p.Flatten {
			t.Errorf("Expected flatten=true")
		}
		return map[string]any{"sessionId": "S-" + string(p.TargetID)}, nil
	})
	fb.respond("Target.detachFromTarget", okResponder)
	fb.respond("Debugger.enable", okResponder)
	fb.respond("Debugger.pause", okResponder)
	b := connectFake(t, fb)

	id := b.tabID("A")
	ctx := context.Background()

	if err := b.SendCommand(ctx, id, "Debugger.enable"); !errors.Is(err, ErrNotAttached) {
		t.Errorf("SendCommand before attach: expected ErrNotAttached, got %v", err)
	}

	if err := b.Attach(ctx, id, "1.3"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := b.Attach(ctx, id, "1.3"); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Attach: expected ErrAlreadyAttached, got %v", err)
	}

	for _, cmd := range []string{"Debugger.enable", "Debugger.pause"} {
		if err := b.SendCommand(ctx, id, cmd); err != nil {
			t.Fatalf("%s failed: %v", cmd, err)
		}
		msg, _ := fb.lastMessage(cmd)
		if msg.SessionID != "S-A" {
			t.Errorf("%s sent on session %q, want S-A", cmd, msg.SessionID)
		}
	}

	if err := b.SendCommand(ctx, id, "Debugger.resume"); err == nil {
		t.Error("Expected error for unanswered command")
	}

	if err := b.Detach(ctx, id); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	msg, _ := fb.lastMessage("Target.detachFromTarget")
	var p target.DetachFromTargetParams
	json.Unmarshal(msg.Params, &p)
	if p.SessionID != "S-A" {
		t.Errorf("detach session = %q, want S-A", p.SessionID)
	}

	if err := b.Detach(ctx, id); !errors.Is(err, ErrNotAttached) {
		t.Errorf("second Detach: expected ErrNotAttached, got %v", err)
	}
}

func TestBrowser_AttachChecksProtocolVersion(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.respond("Target.attachToTarget", func(message) (any, *cdproto.Error) {
		return map[string]any{"sessionId": "S"}, nil
	})
	b := connectFake(t, fb)
	id := b.tabID("A")

	if err := b.Attach(context.Background(), id, "2.0"); !errors.Is(err, ErrIncompatibleProtocol) {
		t.Errorf("Expected ErrIncompatibleProtocol, got %v", err)
	}
	if got := fb.methods("Target.attach"); len(got) != 0 {
		t.Errorf("attach should not reach the browser, got %v", got)
	}

	if err := b.Attach(context.Background(), id, ""); err != nil {
		t.Errorf("Attach without version check failed: %v", err)
	}
}

func TestBrowser_AttachUnknownTab(t *testing.T) {
	fb := newFakeBrowser(t)
	b := connectFake(t, fb)

	if err := b.Attach(context.Background(), 42, "1.3"); !errors.Is(err, ErrUnknownTab) {
		t.Errorf("Expected ErrUnknownTab, got %v", err)
	}
}

func TestBrowser_RemovalNotifications(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.respond("Browser.getWindowForTarget", func(msg message) (any, *cdproto.Error) {
		var p struct {
			TargetID string `json:"targetId"`
		}
		json.Unmarshal(msg.Params, &p)
		window := 1
		if p.TargetID == "C" {
			window = 2
		}
		return map[string]any{"windowId": window}, nil
	})
	b := connectFake(t, fb)
	l := newRecordingListener()
	b.SetListener(l)

	a := createPage(t, fb, b, "A")
	bb := createPage(t, fb, b, "B")
	c := createPage(t, fb, b, "C")

	fb.emit(cdproto.EventTargetTargetDestroyed, target.EventTargetDestroyed{TargetID: "A"})
	got := l.waitFor(t, 1)
	if want := []string{"tab " + a.String()}; !reflect.DeepEqual(got, want) {
		t.Errorf("after closing A: %v, want %v", got, want)
	}

	fb.emit(cdproto.EventTargetTargetDestroyed, target.EventTargetDestroyed{TargetID: "B"})
	got = l.waitFor(t, 3)
	want := []string{"tab " + a.String(), "tab " + bb.String(), "window"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("after closing B: %v, want %v", got, want)
	}

	fb.emit(cdproto.EventTargetTargetDestroyed, target.EventTargetDestroyed{TargetID: "C"})
	got = l.waitFor(t, 5)
	want = append(want, "tab "+c.String(), "window")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("after closing C: %v, want %v", got, want)
	}

	if exists, _ := b.TabExists(context.Background(), a); exists {
		t.Error("Destroyed tab should not exist")
	}
}

func TestBrowser_DetachedByBrowserForgetsSession(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.respond("Target.attachToTarget", func(message) (any, *cdproto.Error) {
		return map[string]any{"sessionId": "S"}, nil
	})
	b := connectFake(t, fb)
	id := b.tabID("A")

	if err := b.Attach(context.Background(), id, ""); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	fb.emit(cdproto.EventTargetDetachedFromTarget, target.EventDetachedFromTarget{SessionID: "S"})
	waitUntil(t, "session forgotten", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.sessions[id]
		return !ok
	})

	if err := b.SendCommand(context.Background(), id, "Debugger.resume"); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Expected ErrNotAttached, got %v", err)
	}
}

func TestCompatibleProtocol(t *testing.T) {
	tests := []struct {
		want, have string
		ok         bool
	}{
		{"1.3", "1.3", true},
		{"1.2", "1.3", true},
		{"1.4", "1.3", false},
		{"2.0", "1.3", false},
		{"1", "1.3", false},
		{"1.3", "", false},
		{"x.y", "1.3", false},
	}
	for _, tt := range tests {
		if got := CompatibleProtocol(tt.want, tt.have); got != tt.ok {
			t.Errorf("CompatibleProtocol(%q, %q) = %v, want %v", tt.want, tt.have, got, tt.ok)
		}
	}
}

// TestBrowser_DrivesController runs the toggle controller against the CDP
// host end to end: pause, resume, and cleanup when the tab closes.
func TestBrowser_DrivesController(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.respond("Target.attachToTarget", func(message) (any, *cdproto.Error) {
		return map[string]any{"sessionId": "S"}, nil
	})
	fb.respond("Target.getTargetInfo", func(message) (any, *cdproto.Error) {
		return map[string]any{"targetInfo": map[string]any{"targetId": "A", "type": "page"}}, nil
	})
	for _, m := range []string{"Target.detachFromTarget", "Debugger.enable", "Debugger.pause", "Debugger.resume"} {
		fb.respond(m, okResponder)
	}
	b := connectFake(t, fb)
	fb.setList(listEntry{ID: "A", Type: "page", URL: "https://a.test/"})

	c := toggle.New(b, b, toggle.Options{ProtocolVersion: "1.3"})
	ctx := context.Background()

	if out := c.HandleToggle(ctx); out != toggle.OutcomePaused {
		t.Fatalf("first toggle = %s", out)
	}
	if s := c.State(); s.Mode != toggle.ModeDebugging || s.ActiveTarget == 0 {
		t.Fatalf("state after pause = %+v", s)
	}

	if out := c.HandleToggle(ctx); out != toggle.OutcomeResumed {
		t.Fatalf("second toggle = %s", out)
	}
	if s := c.State(); s.Mode != toggle.ModeIdle || s.ActiveTarget != 0 {
		t.Fatalf("state after resume = %+v", s)
	}

	want := []string{"Debugger.enable", "Debugger.pause", "Debugger.resume"}
	if got := fb.methods("Debugger."); !reflect.DeepEqual(got, want) {
		t.Errorf("debugger commands = %v, want %v", got, want)
	}
	if got := fb.methods("Target.detachFromTarget"); len(got) != 1 {
		t.Errorf("expected one detach, got %v", got)
	}
}

// movableWindows answers Browser.getWindowForTarget from a table the test
// can change, as when a tab is dragged into another window.
type movableWindows struct {
	mu      sync.Mutex
	windows map[string]int
}

func (m *movableWindows) move(id string, window int) {
	m.mu.Lock()
	m.windows[id] = window
	m.mu.Unlock()
}

func (m *movableWindows) respond(msg message) (any, *cdproto.Error) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	json.Unmarshal(msg.Params, &p)
	m.mu.Lock()
	defer m.mu.Unlock()
	window, ok := m.windows[p.TargetID]
	if !ok {
		return nil, &cdproto.Error{Code: -32000, Message: "No target with given id found"}
	}
	return map[string]any{"windowId": window}, nil
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestBrowser_WindowEmptiedByMovingTabs(t *testing.T) {
	fb := newFakeBrowser(t)
	wins := &movableWindows{windows: map[string]int{"A": 1, "B": 2, "C": 3}}
	fb.respond("Browser.getWindowForTarget", wins.respond)
	b := connectFake(t, fb)
	l := newRecordingListener()
	b.SetListener(l)

	createPage(t, fb, b, "A")
	createPage(t, fb, b, "B")
	createPage(t, fb, b, "C")

	// Dragging B into window 1 leaves window 2 empty.
	wins.move("B", 1)
	fb.emit(cdproto.EventTargetTargetInfoChanged, target.EventTargetInfoChanged{
		TargetInfo: &target.Info{TargetID: "B", Type: "page", URL: "https://example.test/B"},
	})
	if got := l.waitFor(t, 1); !reflect.DeepEqual(got, []string{"window"}) {
		t.Errorf("after moving B: %v, want [window]", got)
	}

	// The poll notices C moving without any event.
	wins.move("C", 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.WatchWindows(ctx, 10*time.Millisecond)
		close(done)
	}()
	got := l.waitFor(t, 2)
	cancel()
	<-done
	if want := []string{"window", "window"}; !reflect.DeepEqual(got, want) {
		t.Errorf("after moving C: %v, want %v", got, want)
	}

	// Nothing else changed, so a further refresh reports nothing.
	b.RefreshWindows(context.Background())
	if got := l.snapshot(); len(got) != 2 {
		t.Errorf("unchanged refresh added notifications: %v", got)
	}

	// Closing the remaining tabs still ends with the shared window.
	fb.emit(cdproto.EventTargetTargetDestroyed, target.EventTargetDestroyed{TargetID: "A"})
	fb.emit(cdproto.EventTargetTargetDestroyed, target.EventTargetDestroyed{TargetID: "B"})
	fb.emit(cdproto.EventTargetTargetDestroyed, target.EventTargetDestroyed{TargetID: "C"})
	got = l.waitFor(t, 6)
	if got[5] != "window" {
		t.Errorf("closing the last tab: %v, want trailing window", got)
	}
}

func TestBrowser_RefreshWindowsKeepsFailedLookups(t *testing.T) {
	fb := newFakeBrowser(t)
	wins := &movableWindows{windows: map[string]int{"A": 1}}
	fb.respond("Browser.getWindowForTarget", wins.respond)
	b := connectFake(t, fb)
	l := newRecordingListener()
	b.SetListener(l)

	a := createPage(t, fb, b, "A")

	// A tab seen only through /json/list gets its window on refresh.
	d := b.tabID("D")
	wins.move("D", 4)

	wins.mu.Lock()
	delete(wins.windows, "A")
	wins.mu.Unlock()

	b.RefreshWindows(context.Background())

	b.mu.Lock()
	windowA, windowD := b.windows[a], b.windows[d]
	b.mu.Unlock()
	if windowA != 1 || windowD != 4 {
		t.Errorf("windows = A:%d D:%d, want A:1 D:4", windowA, windowD)
	}
	if got := l.snapshot(); len(got) != 0 {
		t.Errorf("unexpected notifications: %v", got)
	}
}

func TestWatchWindowsDisabled(t *testing.T) {
	b := connectFake(t, newFakeBrowser(t))

	done := make(chan struct{})
	go func() {
		b.WatchWindows(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchWindows with a zero interval did not return")
	}
}

// TestBrowser_ToggleLeavesPageUninstrumented checks that a pause and resume
// cycle only speaks the Target and Debugger domains to the browser: no other
// domain is enabled on the user's page, nothing is evaluated in it, and the
// tab is never closed.
func TestBrowser_ToggleLeavesPageUninstrumented(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.respond("Target.attachToTarget", func(message) (any, *cdproto.Error) {
		return map[string]any{"sessionId": "S"}, nil
	})
	fb.respond("Target.getTargetInfo", func(message) (any, *cdproto.Error) {
		return map[string]any{"targetInfo": map[string]any{"targetId": "A", "type": "page"}}, nil
	})
	for _, m := range []string{"Target.detachFromTarget", "Debugger.enable", "Debugger.pause", "Debugger.resume"} {
		fb.respond(m, okResponder)
	}
	b := connectFake(t, fb)
	createPage(t, fb, b, "A")
	fb.setList(listEntry{ID: "A", Type: "page", URL: "https://a.test/"})

	c := toggle.New(b, b, toggle.Options{ProtocolVersion: "1.3"})
	ctx := context.Background()
	if out := c.HandleToggle(ctx); out != toggle.OutcomePaused {
		t.Fatalf("first toggle = %s", out)
	}
	if out := c.HandleToggle(ctx); out != toggle.OutcomeResumed {
		t.Fatalf("second toggle = %s", out)
	}

	allowed := map[string]bool{
		"Target.setDiscoverTargets":  true,
		"Browser.getWindowForTarget": true,
		"Target.attachToTarget":      true,
		"Target.getTargetInfo":       true,
		"Target.detachFromTarget":    true,
		"Debugger.enable":            true,
		"Debugger.pause":             true,
		"Debugger.resume":            true,
	}
	for _, m := range fb.methods("") {
		if !allowed[m] {
			t.Errorf("unexpected command %s sent to the browser", m)
		}
	}
	if got := fb.methods("Target.closeTarget"); len(got) != 0 {
		t.Errorf("tab was closed: %v", got)
	}

	msg, ok := fb.lastMessage("Target.attachToTarget")
	if !ok {
		t.Fatal("no attach sent")
	}
	var p struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		t.Fatalf("decode attach params: %v", err)
	}
	if p.TargetID != "A" || !p.Flatten {
		t.Errorf("attach params = %+v, want flattened session on A", p)
	}
}
