// Package cdp connects to a Chromium browser over the Chrome DevTools
// Protocol and exposes it as the tab registry and debugger gateway used by
// the toggle controller.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"

	"github.com/standardbeagle/tabpause/internal/debug"
)

// ErrConnClosed is returned for commands issued on, or pending when, the
// connection closes.
var ErrConnClosed = errors.New("cdp connection closed")

// message is a CDP frame in either direction.
type message struct {
	ID        int64            `json:"id,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
	Method    string           `json:"method,omitempty"`
	Params    json.RawMessage  `json:"params,omitempty"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *cdproto.Error   `json:"error,omitempty"`
}

// Event is a protocol notification.
type Event struct {
	Method    string
	SessionID target.SessionID
	Params    json.RawMessage
}

// EventHandler consumes events. Handlers run one at a time, in arrival
// order, on a goroutine separate from the reader, so they may issue commands.
type EventHandler func(Event)

// Conn is a browser-level CDP websocket connection.
// It implements cdp.Executor for browser-scoped commands.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *message
	queue   []Event
	notify  chan struct{}
	err     error

	handler EventHandler
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

var _ cdp.Executor = (*Conn)(nil)

// Dial opens a websocket to a browser's webSocketDebuggerUrl.
func Dial(ctx context.Context, wsURL string, handler EventHandler) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}

	c := &Conn{
		ws:      ws,
		pending: make(map[int64]chan *message),
		notify:  make(chan struct{}, 1),
		handler: handler,
		done:    make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.dispatchLoop()

	return c, nil
}

// Execute runs a browser-scoped command.
func (c *Conn) Execute(ctx context.Context, method string, params, res any) error {
	return c.execute(ctx, "", method, params, res)
}

// Session returns an executor that runs commands on an attached session.
func (c *Conn) Session(id target.SessionID) cdp.Executor {
	return &sessionExecutor{conn: c, id: id}
}

type sessionExecutor struct {
	conn *Conn
	id   target.SessionID
}

func (s *sessionExecutor) Execute(ctx context.Context, method string, params, res any) error {
	return s.conn.execute(ctx, s.id, method, params, res)
}

func (c *Conn) execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	msg := &message{
		ID:        c.nextID.Add(1),
		SessionID: sessionID,
		Method:    method,
	}
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		msg.Params = buf
	}

	ch := make(chan *message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	debug.Trace("cdp", "-> %d %s session=%s", msg.ID, method, sessionID)

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if res != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, res); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

func (c *Conn) write(msg *message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		var msg message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrConnClosed, err))
			return
		}

		if msg.ID != 0 {
			debug.Trace("cdp", "<- %d", msg.ID)
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				m := msg
				ch <- &m
			}
			continue
		}

		if msg.Method == "" {
			continue
		}
		debug.Trace("cdp", "<- event %s", msg.Method)

		c.mu.Lock()
		c.queue = append(c.queue, Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
		c.mu.Unlock()
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// dispatchLoop drains the event queue so a slow handler never blocks the
// reader, which would deadlock any command the handler issues.
func (c *Conn) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.notify:
		case <-c.done:
			return
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if c.handler != nil {
				c.handler(ev)
			}
		}
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Err returns the reason the connection closed, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the websocket and waits for the reader and dispatcher.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.ws.Close()
	c.fail(ErrConnClosed)
	c.wg.Wait()
	return err
}
