package cdp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
)

// fakeResponder answers one command. A non-nil error becomes a CDP error reply.
type fakeResponder func(msg message) (any, *cdproto.Error)

// fakeBrowser is a minimal DevTools endpoint: /json/version, /json/list and
// a browser websocket that answers commands from a responder table.
type fakeBrowser struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.Mutex
	protocol   string
	list       []listEntry
	responders map[string]fakeResponder
	received   []message
	ws         *websocket.Conn
	connected  chan struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()

	fb := &fakeBrowser{
		t:          t,
		protocol:   "1.3",
		responders: make(map[string]fakeResponder),
		connected:  make(chan struct{}),
	}

	// Commands the Browser issues during Connect and event handling.
	fb.respond("Target.setDiscoverTargets", okResponder)
	fb.respond("Browser.getWindowForTarget", func(message) (any, *cdproto.Error) {
		return map[string]any{"windowId": 1}, nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", fb.handleVersion)
	mux.HandleFunc("/json/list", fb.handleList)
	mux.HandleFunc("/devtools/browser/fake", fb.handleWS)

	fb.server = httptest.NewServer(mux)
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBrowser) URL() string {
	return fb.server.URL
}

func (fb *fakeBrowser) respond(method string, r fakeResponder) {
	fb.mu.Lock()
	fb.responders[method] = r
	fb.mu.Unlock()
}

func (fb *fakeBrowser) setList(entries ...listEntry) {
	fb.mu.Lock()
	fb.list = entries
	fb.mu.Unlock()
}

// methods returns the received command methods, optionally filtered by prefix.
func (fb *fakeBrowser) methods(prefix string) []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []string
	for _, m := range fb.received {
		if strings.HasPrefix(m.Method, prefix) {
			out = append(out, m.Method)
		}
	}
	return out
}

// lastMessage returns the most recent command with the given method.
func (fb *fakeBrowser) lastMessage(method string) (message, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i := len(fb.received) - 1; i >= 0; i-- {
		if fb.received[i].Method == method {
			return fb.received[i], true
		}
	}
	return message{}, false
}

// emit pushes an event to the connected client.
func (fb *fakeBrowser) emit(method string, params any) {
	fb.t.Helper()
	<-fb.connected

	buf, err := json.Marshal(params)
	if err != nil {
		fb.t.Fatalf("marshal event params: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if err := fb.ws.WriteJSON(message{Method: method, Params: buf}); err != nil {
		fb.t.Errorf("write event: %v", err)
	}
}

func (fb *fakeBrowser) handleVersion(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	protocol := fb.protocol
	fb.mu.Unlock()

	json.NewEncoder(w).Encode(VersionInfo{
		Browser:              "HeadlessChrome/130.0.0.0",
		ProtocolVersion:      protocol,
		WebSocketDebuggerURL: "ws" + strings.TrimPrefix(fb.server.URL, "http") + "/devtools/browser/fake",
	})
}

func (fb *fakeBrowser) handleList(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	list := append([]listEntry{}, fb.list...)
	fb.mu.Unlock()
	json.NewEncoder(w).Encode(list)
}

func (fb *fakeBrowser) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		fb.t.Errorf("upgrade: %v", err)
		return
	}

	fb.mu.Lock()
	fb.ws = ws
	fb.mu.Unlock()
	close(fb.connected)

	for {
		var msg message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		fb.mu.Lock()
		fb.received = append(fb.received, msg)
		responder, ok := fb.responders[msg.Method]
		fb.mu.Unlock()

		reply := message{ID: msg.ID, SessionID: msg.SessionID}
		if !ok {
			reply.Error = &cdproto.Error{Code: -32601, Message: "'" + msg.Method + "' wasn't found"}
		} else {
			result, protoErr := responder(msg)
			if protoErr != nil {
				reply.Error = protoErr
			} else {
				buf, _ := json.Marshal(result)
				reply.Result = buf
			}
		}

		fb.mu.Lock()
		err := ws.WriteJSON(reply)
		fb.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (fb *fakeBrowser) close() {
	fb.mu.Lock()
	if fb.ws != nil {
		fb.ws.Close()
	}
	fb.mu.Unlock()
	fb.server.Close()
}

// okResponder acknowledges a command with an empty result.
func okResponder(message) (any, *cdproto.Error) {
	return struct{}{}, nil
}
