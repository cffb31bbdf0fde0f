// Package debug provides component-tagged logging for tabpause.
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// EnvVar enables debug logging when EnvEnabled accepts its value.
const EnvVar = "TABPAUSE_DEBUG"

var (
	enabled atomic.Bool

	// out is where log lines go when no file is configured.
	out io.Writer = os.Stderr

	logFile     *os.File
	logFileMu   sync.Mutex
	logFilePath string

	logger *log.Logger
)

func init() {
	if EnvEnabled(os.Getenv(EnvVar)) {
		Enable()
	}
	logger = log.New(os.Stderr, "", log.LstdFlags)
}

// EnvEnabled reports whether v turns debug logging on. Empty values and
// false booleans such as "0" or "false" do not; anything else, "yes"
// included, does.
func EnvEnabled(v string) bool {
	if v == "" {
		return false
	}
	on, err := strconv.ParseBool(v)
	return on || err != nil
}

// Enable turns on debug logging.
func Enable() {
	enabled.Store(true)
}

// Disable turns off debug logging.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether debug logging is enabled.
func IsEnabled() bool {
	return enabled.Load()
}

// SetOutput replaces the base writer (stderr by default).
// An open log file keeps receiving a copy.
func SetOutput(w io.Writer) {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	out = w
	if logFile != nil {
		logger.SetOutput(io.MultiWriter(out, logFile))
		return
	}
	logger.SetOutput(out)
}

// SetLogFile tees log output to name inside the user's cache directory
// (tabpause/logs). An empty name stops writing to a file.
func SetLogFile(name string) error {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	if name == "" {
		logger.SetOutput(out)
		logFilePath = ""
		return nil
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}

	logDir := filepath.Join(cacheDir, "tabpause", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFilePath = filepath.Join(logDir, name)
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logFile = f
	logger.SetOutput(io.MultiWriter(out, f))
	return nil
}

// GetLogFilePath returns the current log file path, or empty if not set.
func GetLogFilePath() string {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	return logFilePath
}

// Close closes the log file if open.
func Close() {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
		logger.SetOutput(out)
	}
}

// Log logs a debug message if debug mode is enabled.
// Format: [DEBUG] [component] message
func Log(component, format string, args ...interface{}) {
	if !enabled.Load() {
		return
	}
	logger.Printf("[DEBUG] [%s] %s", component, fmt.Sprintf(format, args...))
}

// Trace logs a message with a microsecond timestamp when debug is enabled.
// Used for individual CDP frames.
func Trace(component, format string, args ...interface{}) {
	if !enabled.Load() {
		return
	}
	ts := time.Now().Format("15:04:05.000000")
	logger.Printf("[TRACE] [%s] [%s] %s", ts, component, fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged, regardless of debug mode).
func Error(component, format string, args ...interface{}) {
	logger.Printf("[ERROR] [%s] %s", component, fmt.Sprintf(format, args...))
}

// Warn logs a warning message (always logged, regardless of debug mode).
func Warn(component, format string, args ...interface{}) {
	logger.Printf("[WARN] [%s] %s", component, fmt.Sprintf(format, args...))
}

// Info logs an info message (always logged, regardless of debug mode).
func Info(component, format string, args ...interface{}) {
	logger.Printf("[INFO] [%s] %s", component, fmt.Sprintf(format, args...))
}
