package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/standardbeagle/tabpause/internal/config"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a default .tabpause.kdl",
	Long: `Write a documented default config file into dir (default: the current
directory). Use --user to write it to the user config directory instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("user", false, "Write to the user config directory")
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := initPath(cmd, args)
	if err != nil {
		return err
	}

	if force, _ := cmd.Flags().GetBool("force"); !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func initPath(cmd *cobra.Command, args []string) (string, error) {
	if user, _ := cmd.Flags().GetBool("user"); user {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to find user config directory: %w", err)
		}
		return filepath.Join(dir, "tabpause", config.UserConfigFileName), nil
	}

	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	return filepath.Join(dir, config.ConfigFileName), nil
}
