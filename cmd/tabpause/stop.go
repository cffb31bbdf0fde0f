package main

import (
	"fmt"
	"time"

	"github.com/standardbeagle/tabpause/internal/daemon"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	socketPath := getSocketPath(cmd)

	client := daemon.NewClient(daemon.WithSocketPath(socketPath))
	if err := client.Connect(); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
		return nil
	}
	defer client.Close()

	if err := client.Shutdown(); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for daemon.IsRunning(socketPath) {
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not stop within 5s")
		}
		time.Sleep(50 * time.Millisecond)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
	return nil
}
