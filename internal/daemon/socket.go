// Package daemon runs the long-lived tabpause process: it owns the toggle
// controller, serializes every event through one loop, and serves CLI
// requests over a local socket.
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrSocketNotFound is returned when the socket doesn't exist.
	ErrSocketNotFound = errors.New("socket not found")
	// ErrDaemonRunning is returned when another daemon is already running.
	ErrDaemonRunning = errors.New("daemon already running")
)

// probeTimeout is how long a liveness dial may take.
const probeTimeout = 100 * time.Millisecond

// SocketConfig holds configuration for socket management.
type SocketConfig struct {
	// Path is the socket file path. If empty, uses default path.
	Path string
	// Mode is the socket file permissions (default 0600).
	Mode os.FileMode
}

// DefaultSocketPath returns the default socket path for the current user.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tabpause.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("tabpause-%d.sock", os.Getuid()))
}

// SocketManager handles the socket file and its PID file.
type SocketManager struct {
	config   SocketConfig
	listener net.Listener
	pidFile  string
}

// NewSocketManager creates a new socket manager.
func NewSocketManager(config SocketConfig) *SocketManager {
	if config.Path == "" {
		config.Path = DefaultSocketPath()
	}
	if config.Mode == 0 {
		config.Mode = 0600
	}

	return &SocketManager{
		config:  config,
		pidFile: config.Path + ".pid",
	}
}

// Listen creates and binds the socket.
// It handles stale socket cleanup and creates a PID file.
func (sm *SocketManager) Listen() (net.Listener, error) {
	if err := sm.checkExisting(); err != nil {
		return nil, err
	}

	if err := sm.cleanupStale(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(sm.config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", sm.config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	if err := os.Chmod(sm.config.Path, sm.config.Mode); err != nil {
		listener.Close()
		os.Remove(sm.config.Path)
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	if err := sm.writePIDFile(); err != nil {
		listener.Close()
		os.Remove(sm.config.Path)
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	sm.listener = listener
	return listener, nil
}

// Close closes the socket and removes the socket and PID files.
func (sm *SocketManager) Close() error {
	var errs []error

	if sm.listener != nil {
		if err := sm.listener.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
		sm.listener = nil
	}

	if err := os.Remove(sm.config.Path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove socket: %w", err))
	}

	if err := os.Remove(sm.pidFile); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove PID file: %w", err))
	}

	return errors.Join(errs...)
}

// Path returns the socket path.
func (sm *SocketManager) Path() string {
	return sm.config.Path
}

// checkExisting fails with ErrDaemonRunning when the PID file names a live process.
func (sm *SocketManager) checkExisting() error {
	data, err := os.ReadFile(sm.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(sm.pidFile)
		return nil
	}

	if pid != os.Getpid() && isProcessRunning(pid) {
		return ErrDaemonRunning
	}

	os.Remove(sm.pidFile)
	return nil
}

// cleanupStale removes a socket file nobody is listening on.
func (sm *SocketManager) cleanupStale() error {
	info, err := os.Stat(sm.config.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat socket: %w", err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("path exists but is not a socket: %s", sm.config.Path)
	}

	conn, err := net.DialTimeout("unix", sm.config.Path, probeTimeout)
	if err == nil {
		conn.Close()
		return ErrDaemonRunning
	}

	if err := os.Remove(sm.config.Path); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

func (sm *SocketManager) writePIDFile() error {
	return os.WriteFile(sm.pidFile, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// Connect attempts to connect to an existing daemon socket.
func Connect(path string) (net.Conn, error) {
	if path == "" {
		path = DefaultSocketPath()
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
			return nil, ErrSocketNotFound
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

// IsRunning checks if a daemon is listening at the given socket path.
func IsRunning(path string) bool {
	if path == "" {
		path = DefaultSocketPath()
	}

	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
