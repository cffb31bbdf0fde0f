// Package config loads tabpause configuration from KDL files and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	kdl "github.com/sblinch/kdl-go"

	"github.com/standardbeagle/tabpause/internal/debug"
)

// ConfigFileName is the project-level configuration file name.
const ConfigFileName = ".tabpause.kdl"

// UserConfigFileName is the file name inside the user config directory.
const UserConfigFileName = "config.kdl"

// Environment variables that override file settings.
const (
	EnvEndpoint        = "TABPAUSE_ENDPOINT"
	EnvProtocolVersion = "TABPAUSE_PROTOCOL_VERSION"
	EnvSocket          = "TABPAUSE_SOCKET"
	EnvDebug           = debug.EnvVar
)

// Config represents the tabpause configuration.
type Config struct {
	// Browser connection settings
	Browser *BrowserConfig `kdl:"browser"`

	// Daemon settings
	Daemon *DaemonConfig `kdl:"daemon"`

	// Command is the logical command name bound to the shortcut
	Command string `kdl:"command"`

	// Log settings
	Log *LogConfig `kdl:"log"`
}

// BrowserConfig defines how to reach the browser.
type BrowserConfig struct {
	// Endpoint is the --remote-debugging-port HTTP address
	Endpoint string `kdl:"endpoint"`
	// ProtocolVersion is required of the browser on attach; empty skips the check
	ProtocolVersion string `kdl:"protocol-version"`
	// WindowPollMs is how often window membership is re-read
	// (0 = DefaultWindowPollMs, negative = never)
	WindowPollMs int `kdl:"window-poll-ms"`
}

// DefaultWindowPollMs is the window membership refresh period.
const DefaultWindowPollMs = 2000

// DaemonConfig defines daemon behavior.
type DaemonConfig struct {
	// Socket path; empty uses the platform default
	Socket string `kdl:"socket"`
	// CommandTimeoutMs bounds each handler run (0 = no timeout)
	CommandTimeoutMs int `kdl:"command-timeout-ms"`
}

// LogConfig controls logging.
type LogConfig struct {
	Debug bool   `kdl:"debug"`
	File  string `kdl:"file"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Browser: &BrowserConfig{
			Endpoint:        "http://127.0.0.1:9222",
			ProtocolVersion: "1.3",
			WindowPollMs:    DefaultWindowPollMs,
		},
		Daemon: &DaemonConfig{
			CommandTimeoutMs: 30000,
		},
		Command: "toggle-pause",
		Log:     &LogConfig{},
	}
}

// CommandTimeout returns the per-handler timeout, zero meaning none.
func (c *Config) CommandTimeout() time.Duration {
	if c.Daemon == nil || c.Daemon.CommandTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.Daemon.CommandTimeoutMs) * time.Millisecond
}

// WindowPollInterval returns the window refresh period, zero meaning none.
func (c *Config) WindowPollInterval() time.Duration {
	ms := DefaultWindowPollMs
	if c.Browser != nil && c.Browser.WindowPollMs != 0 {
		ms = c.Browser.WindowPollMs
	}
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Load loads .env from dir, then the config file found from dir (or the
// user config directory), then applies environment overrides.
func Load(dir string) (*Config, string, error) {
	if err := LoadEnv(dir); err != nil {
		return nil, "", err
	}

	cfg := DefaultConfig()
	path := FindConfigFile(dir)
	if path != "" {
		var err error
		cfg, err = LoadConfigFile(path)
		if err != nil {
			return nil, path, err
		}
	}

	cfg.ApplyEnv()
	return cfg, path, nil
}

// LoadEnv loads dir/.env into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// FindConfigFile searches for .tabpause.kdl starting from dir and walking
// up, then falls back to the user config directory.
func FindConfigFile(dir string) string {
	absDir, err := filepath.Abs(dir)
	if err == nil {
		for {
			configPath := filepath.Join(absDir, ConfigFileName)
			if _, err := os.Stat(configPath); err == nil {
				return configPath
			}

			parent := filepath.Dir(absDir)
			if parent == absDir {
				break
			}
			absDir = parent
		}
	}

	if userDir, err := os.UserConfigDir(); err == nil {
		configPath := filepath.Join(userDir, "tabpause", UserConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}
	return ""
}

// LoadConfigFile loads configuration from a specific file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(string(data))
}

// ParseConfig parses KDL configuration data over the defaults.
func ParseConfig(data string) (*Config, error) {
	cfg := DefaultConfig()

	if err := kdl.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults restores sections a file replaced with empty blocks.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Browser == nil {
		c.Browser = def.Browser
	}
	if c.Browser.Endpoint == "" {
		c.Browser.Endpoint = def.Browser.Endpoint
	}
	if c.Daemon == nil {
		c.Daemon = def.Daemon
	}
	if c.Log == nil {
		c.Log = def.Log
	}
	if c.Command == "" {
		c.Command = def.Command
	}
}

// ApplyEnv overrides settings from TABPAUSE_* variables.
func (c *Config) ApplyEnv() {
	c.fillDefaults()

	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Browser.Endpoint = v
	}
	if v, ok := os.LookupEnv(EnvProtocolVersion); ok {
		c.Browser.ProtocolVersion = v
	}
	if v := os.Getenv(EnvSocket); v != "" {
		c.Daemon.Socket = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		c.Log.Debug = debug.EnvEnabled(v)
	}
}

// WriteDefaultConfig writes a default configuration file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// tabpause configuration

// Browser started with --remote-debugging-port
browser {
    endpoint "http://127.0.0.1:9222"
    // Required DevTools protocol version; "" disables the check
    protocol-version "1.3"
    // How often tab windows are re-read, in ms; -1 disables
    window-poll-ms 2000
}

daemon {
    // socket "/tmp/tabpause.sock"   // default: $XDG_RUNTIME_DIR/tabpause.sock
    command-timeout-ms 30000         // 0 disables the per-command timeout
}

// Command name your keyboard shortcut sends via "tabpause toggle"
command "toggle-pause"

log {
    debug false
    // file "daemon.log"   // written under the user cache dir
}
`
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(defaultKDL), 0644)
}
