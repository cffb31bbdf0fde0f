package main

import (
	"fmt"

	"github.com/standardbeagle/tabpause/internal/toggle"

	"github.com/spf13/cobra"
)

var toggleCmd = &cobra.Command{
	Use:   "toggle [command]",
	Short: "Pause or resume the active tab",
	Long: `Send the toggle command to the daemon. Bind this to a keyboard shortcut.

With no argument the daemon's configured command (default "toggle-pause") is
sent. Any other command name is accepted and ignored by the daemon.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runToggle,
}

func init() {
	rootCmd.AddCommand(toggleCmd)
}

func runToggle(cmd *cobra.Command, args []string) error {
	client, err := getClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var name string
	if len(args) == 1 {
		name = args[0]
	}

	res, err := client.Command(name)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", res.Outcome, describeState(res.State))
	return nil
}

func describeState(s toggle.State) string {
	if s.Mode == toggle.ModeDebugging {
		return fmt.Sprintf("debugging tab %s", s.ActiveTarget)
	}
	return string(s.Mode)
}
