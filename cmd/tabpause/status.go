package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and debugger state",
	Long: `Show the running daemon and whether a tab is paused.

Output is JSON when --json is given or stdout is not a terminal.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := getClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.Info()
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if !asJSON && !term.IsTerminal(int(os.Stdout.Fd())) {
		asJSON = true
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n", info.Version)
	fmt.Fprintf(w, "PID:\t%d\n", info.PID)
	fmt.Fprintf(w, "Socket:\t%s\n", info.SocketPath)
	fmt.Fprintf(w, "Uptime:\t%s\n", info.Uptime.Truncate(time.Second))
	if info.Browser != "" {
		fmt.Fprintf(w, "Browser:\t%s\n", info.Browser)
	}
	fmt.Fprintf(w, "Command:\t%s\n", info.Command)
	fmt.Fprintf(w, "Handled:\t%d\n", info.Handled)
	fmt.Fprintf(w, "State:\t%s\n", describeState(info.State))
	return w.Flush()
}
