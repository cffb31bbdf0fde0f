// Command tabpause toggles the JavaScript debugger on the active browser tab
// from a keyboard shortcut.
package main

import (
	"fmt"
	"os"

	"github.com/standardbeagle/tabpause/internal/config"
	"github.com/standardbeagle/tabpause/internal/daemon"
	"github.com/standardbeagle/tabpause/internal/debug"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tabpause",
	Short: "Pause and resume JavaScript in the active browser tab",
	Long: `tabpause pauses JavaScript execution in the active browser tab with one
keystroke and resumes it with the next.

Start the browser with --remote-debugging-port, run 'tabpause daemon', then
bind 'tabpause toggle' to a keyboard shortcut.

Examples:
  tabpause init
  tabpause daemon
  tabpause toggle
  tabpause status --json
  tabpause stop`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if on, _ := cmd.Flags().GetBool("debug"); on {
			debug.Enable()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("socket", "", "Daemon socket path (default: $XDG_RUNTIME_DIR/tabpause.sock)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: nearest .tabpause.kdl, then user config dir)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config when given, otherwise searches from the working
// directory. The working directory's .env applies either way.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := config.LoadEnv(cwd); err != nil {
			return nil, err
		}
		cfg, err := config.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg.ApplyEnv()
		debug.Log("main", "loaded config from %s", path)
		return cfg, nil
	}

	cfg, path, err := config.Load(cwd)
	if err != nil {
		return nil, err
	}
	if path != "" {
		debug.Log("main", "loaded config from %s", path)
	}
	return cfg, nil
}

// applyLogging makes debug logging follow --debug and the loaded config,
// so TABPAUSE_DEBUG=0 or "debug false" turns it off.
func applyLogging(cmd *cobra.Command, cfg *config.Config) {
	if on, _ := cmd.Flags().GetBool("debug"); on || cfg.Log.Debug {
		debug.Enable()
	} else {
		debug.Disable()
	}
}

// getSocketPath resolves the socket from --socket, then config, then the default.
func getSocketPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("socket"); path != "" {
		return path
	}
	if cfg, err := loadConfig(cmd); err == nil && cfg.Daemon.Socket != "" {
		return cfg.Daemon.Socket
	}
	return daemon.DefaultSocketPath()
}

func getClient(cmd *cobra.Command) (*daemon.Client, error) {
	client := daemon.NewClient(daemon.WithSocketPath(getSocketPath(cmd)))
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("daemon is not running: %w", err)
	}
	return client, nil
}
