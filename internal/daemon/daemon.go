package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/tabpause/internal/debug"
	"github.com/standardbeagle/tabpause/internal/toggle"
)

// Version is the daemon version.
// Can be overridden at build time with: -ldflags "-X github.com/standardbeagle/tabpause/internal/daemon.Version=x.y.z"
var Version = "0.1.0"

const component = "daemon"

// Controller is the state machine the daemon drives.
type Controller interface {
	HandleCommand(ctx context.Context, name string) toggle.Outcome
	TabRemoved(ctx context.Context, id toggle.TabID)
	WindowRemoved(ctx context.Context)
	State() toggle.State
	CommandName() string
}

// DaemonConfig holds configuration for the daemon.
type DaemonConfig struct {
	// SocketPath is where clients connect. Empty uses DefaultSocketPath.
	SocketPath string

	// CommandTimeout bounds each controller handler (0 = no timeout).
	CommandTimeout time.Duration

	// WriteTimeout bounds each response write (0 = no timeout).
	WriteTimeout time.Duration

	// Browser describes the connected browser for info output.
	Browser string
}

// DefaultDaemonConfig returns sensible defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		SocketPath:     DefaultSocketPath(),
		CommandTimeout: 30 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

type eventKind int

const (
	eventCommand eventKind = iota
	eventTabRemoved
	eventWindowRemoved
)

// event is one unit of work for the loop. Commands carry a reply channel.
type event struct {
	kind  eventKind
	name  string
	tab   toggle.TabID
	reply chan CommandResult
}

// Daemon owns the controller. Every controller call happens on the event
// loop goroutine, one at a time, so overlapping shortcuts and tab closures
// never interleave.
type Daemon struct {
	config  DaemonConfig
	ctrl    Controller
	sockMgr *SocketManager

	listener net.Listener
	events   chan event
	handled  atomic.Int64
	conns    sync.Map // *connection -> struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    time.Time
	shutdownMu sync.Mutex
	shutdown   bool
}

var _ toggle.Listener = (*Daemon)(nil)

// New creates a daemon around ctrl.
func New(config DaemonConfig, ctrl Controller) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:  config,
		ctrl:    ctrl,
		sockMgr: NewSocketManager(SocketConfig{Path: config.SocketPath}),
		events:  make(chan event, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the socket and starts the event loop and accept loop.
func (d *Daemon) Start() error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return errors.New("daemon already shutdown")
	}
	d.shutdownMu.Unlock()

	listener, err := d.sockMgr.Listen()
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	d.listener = listener
	d.started = time.Now()

	d.wg.Add(2)
	go d.eventLoop()
	go d.acceptLoop()

	debug.Info(component, "listening on %s", d.sockMgr.Path())
	return nil
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop(ctx context.Context) error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return nil
	}
	d.shutdown = true
	d.shutdownMu.Unlock()

	debug.Info(component, "stopping")
	d.cancel()

	// Unblock the accept loop before waiting for it.
	if d.listener != nil {
		d.listener.Close()
	}

	d.conns.Range(func(key, _ any) bool {
		key.(*connection).Close()
		return true
	})

	var errs []error

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := d.sockMgr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("socket cleanup: %w", err))
	}

	debug.Info(component, "stopped")
	return errors.Join(errs...)
}

// Wait blocks until the daemon stops.
func (d *Daemon) Wait() {
	<-d.ctx.Done()
	d.wg.Wait()
}

// Done is closed once Stop begins.
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

// Info returns daemon information.
func (d *Daemon) Info() DaemonInfo {
	return DaemonInfo{
		Version:    Version,
		PID:        os.Getpid(),
		SocketPath: d.sockMgr.Path(),
		Uptime:     time.Since(d.started),
		Browser:    d.config.Browser,
		Command:    d.ctrl.CommandName(),
		Handled:    d.handled.Load(),
		State:      d.ctrl.State(),
	}
}

// Command queues a host command and waits for its result.
func (d *Daemon) Command(ctx context.Context, name string) (CommandResult, error) {
	reply := make(chan CommandResult, 1)
	if err := d.enqueue(ctx, event{kind: eventCommand, name: name, reply: reply}); err != nil {
		return CommandResult{}, err
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	case <-d.ctx.Done():
		return CommandResult{}, errors.New("daemon shutting down")
	}
}

// TabRemoved queues a tab removal. It implements toggle.Listener.
func (d *Daemon) TabRemoved(id toggle.TabID) {
	if err := d.enqueue(d.ctx, event{kind: eventTabRemoved, tab: id}); err != nil {
		debug.Log(component, "dropped tab %s removal: %v", id, err)
	}
}

// WindowRemoved queues a window removal. It implements toggle.Listener.
func (d *Daemon) WindowRemoved() {
	if err := d.enqueue(d.ctx, event{kind: eventWindowRemoved}); err != nil {
		debug.Log(component, "dropped window removal: %v", err)
	}
}

func (d *Daemon) enqueue(ctx context.Context, ev event) error {
	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return errors.New("daemon shutting down")
	}
}

func (d *Daemon) eventLoop() {
	defer d.wg.Done()

	for {
		select {
		case ev := <-d.events:
			d.handle(ev)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Daemon) handle(ev event) {
	ctx := d.ctx
	if d.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.CommandTimeout)
		defer cancel()
	}
	d.handled.Add(1)

	switch ev.kind {
	case eventCommand:
		outcome := d.ctrl.HandleCommand(ctx, ev.name)
		ev.reply <- CommandResult{Outcome: outcome, State: d.ctrl.State()}
	case eventTabRemoved:
		d.ctrl.TabRemoved(ctx, ev.tab)
	case eventWindowRemoved:
		d.ctrl.WindowRemoved(ctx)
	}
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || d.ctx.Err() != nil {
				return
			}
			debug.Warn(component, "accept error: %v", err)
			continue
		}

		c := &connection{daemon: d, conn: conn}
		d.conns.Store(c, struct{}{})
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.conns.Delete(c)
			c.serve()
		}()
	}
}

// connection serves one client socket.
type connection struct {
	daemon *Daemon
	conn   net.Conn
	once   sync.Once
}

func (c *connection) Close() {
	c.once.Do(func() { c.conn.Close() })
}

func (c *connection) serve() {
	defer c.Close()

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		var req Request
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp = Response{Error: fmt.Sprintf("invalid request: %v", err)}
		} else {
			resp = c.daemon.dispatch(req)
		}

		if err := c.write(resp); err != nil {
			debug.Log(component, "write response: %v", err)
			return
		}

		if req.Verb == VerbShutdown && resp.OK {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				c.daemon.Stop(ctx)
			}()
			return
		}
	}
}

func (c *connection) write(resp Response) error {
	buf, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if timeout := c.daemon.config.WriteTimeout; timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err = c.conn.Write(append(buf, '\n'))
	return err
}

func (d *Daemon) dispatch(req Request) Response {
	switch req.Verb {
	case VerbPing:
		return okResponse(map[string]string{"pong": Version})
	case VerbInfo:
		return okResponse(d.Info())
	case VerbState:
		return okResponse(d.ctrl.State())
	case VerbCommand:
		name := req.Name
		if name == "" {
			name = d.ctrl.CommandName()
		}
		res, err := d.Command(d.ctx, name)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return okResponse(res)
	case VerbShutdown:
		return okResponse(nil)
	default:
		return Response{Error: fmt.Sprintf("unknown verb %q", req.Verb)}
	}
}

func okResponse(v any) Response {
	if v == nil {
		return Response{OK: true}
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return Response{Error: fmt.Sprintf("encode response: %v", err)}
	}
	return Response{OK: true, Data: buf}
}
