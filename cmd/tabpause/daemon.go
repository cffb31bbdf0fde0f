package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/standardbeagle/tabpause/internal/cdp"
	"github.com/standardbeagle/tabpause/internal/daemon"
	"github.com/standardbeagle/tabpause/internal/debug"
	"github.com/standardbeagle/tabpause/internal/toggle"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Connect to the browser and serve toggle requests",
	Long: `Connect to a browser started with --remote-debugging-port and run until
interrupted, stopped with 'tabpause stop', or the browser goes away.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyLogging(cmd, cfg)
	if cfg.Log.File != "" {
		if err := debug.SetLogFile(cfg.Log.File); err != nil {
			return err
		}
		defer debug.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	browser, err := cdp.Connect(connectCtx, cfg.Browser.Endpoint)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect to browser at %s: %w", cfg.Browser.Endpoint, err)
	}
	defer browser.Close()

	ctrl := toggle.New(browser, browser, toggle.Options{
		ProtocolVersion: cfg.Browser.ProtocolVersion,
		CommandName:     cfg.Command,
	})

	socketPath, _ := cmd.Flags().GetString("socket")
	if socketPath == "" {
		socketPath = cfg.Daemon.Socket
	}
	if socketPath == "" {
		socketPath = daemon.DefaultSocketPath()
	}

	d := daemon.New(daemon.DaemonConfig{
		SocketPath:     socketPath,
		CommandTimeout: cfg.CommandTimeout(),
		WriteTimeout:   5 * time.Second,
		Browser:        browser.Version().Browser,
	}, ctrl)
	if err := d.Start(); err != nil {
		return err
	}
	browser.SetListener(d)
	go browser.WatchWindows(ctx, cfg.WindowPollInterval())

	fmt.Printf("tabpause daemon on %s (browser %s, command %q)\n",
		socketPath, browser.Version().Browser, ctrl.CommandName())

	select {
	case <-ctx.Done():
		debug.Info("main", "shutdown signal received")
	case <-browser.Done():
		debug.Warn("main", "browser connection closed")
	case <-d.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	stopErr := d.Stop(shutdownCtx)

	// Leave the tab running if we were paused on it.
	ctrl.Release(shutdownCtx, ctrl.State().ActiveTarget)

	if stopErr != nil {
		return fmt.Errorf("daemon shutdown: %w", stopErr)
	}
	return nil
}
