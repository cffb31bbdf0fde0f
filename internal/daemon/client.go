package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/standardbeagle/tabpause/internal/toggle"
)

// ErrNotConnected is returned when a request is made before Connect.
var ErrNotConnected = errors.New("not connected to daemon")

// Client talks to a running daemon over its socket.
type Client struct {
	socketPath string
	timeout    time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSocketPath sets the daemon socket path.
func WithSocketPath(path string) ClientOption {
	return func(c *Client) { c.socketPath = path }
}

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a client. Call Connect before issuing requests.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		socketPath: DefaultSocketPath(),
		timeout:    time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the daemon.
func (c *Client) Connect() error {
	conn, err := Connect(c.socketPath)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.mu.Unlock()
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Ping checks that the daemon answers.
func (c *Client) Ping() error {
	return c.call(Request{Verb: VerbPing}, nil)
}

// Info returns the daemon's status.
func (c *Client) Info() (DaemonInfo, error) {
	var info DaemonInfo
	err := c.call(Request{Verb: VerbInfo}, &info)
	return info, err
}

// State returns the controller state.
func (c *Client) State() (toggle.State, error) {
	var state toggle.State
	err := c.call(Request{Verb: VerbState}, &state)
	return state, err
}

// Command delivers a host command. An empty name sends the configured
// toggle command.
func (c *Client) Command(name string) (CommandResult, error) {
	var res CommandResult
	err := c.call(Request{Verb: VerbCommand, Name: name}, &res)
	return res, err
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown() error {
	return c.call(Request{Verb: VerbShutdown}, nil)
}

func (c *Client) call(req Request, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}

	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
		defer c.conn.SetDeadline(time.Time{})
	}

	if _, err := c.conn.Write(append(buf, '\n')); err != nil {
		return fmt.Errorf("send %s: %w", req.Verb, err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read %s response: %w", req.Verb, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Verb, err)
	}
	if !resp.OK {
		return fmt.Errorf("daemon: %s", resp.Error)
	}

	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", req.Verb, err)
		}
	}
	return nil
}
