// Package main is the entry point for the periodicd daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"periodicd/internal/app"
	"periodicd/internal/clients"
	"periodicd/internal/config"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "periodicd",
		Short:         "Run periodic clients on a small fixed worker pool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "./periodicd.yaml", "path to config file (yaml or json)")
	root.AddCommand(runCmd(), checkConfigCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and built-in client kinds",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "periodicd %s (commit: %s, built: %s)\n", version, commit, date)
			fmt.Fprintf(out, "client kinds: %s\n", strings.Join(clients.Kinds(), ", "))
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.NewConfigManager(path).Parse()
			if err != nil {
				return err
			}
			enabled := 0
			for _, c := range cfg.Clients {
				if c.IsEnabled() {
					enabled++
				}
			}
			if err := app.Validate(cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK (%d clients, %d enabled)\n", len(cfg.Clients), enabled)
			for _, c := range cfg.Clients {
				state := "enabled"
				if !c.IsEnabled() {
					state = "disabled"
				}
				fmt.Fprintf(out, "  %-20s %-11s %-16s %s\n", c.Key(), c.Kind, c.Every, state)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			grace, _ := cmd.Flags().GetDuration("shutdown-timeout")
			return run(path, grace)
		},
	}
	cmd.Flags().Duration("shutdown-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func run(path string, grace time.Duration) error {
	a, err := app.New(path)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), grace)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}

	if err := a.Start(ctx); err != nil {
		stop(app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case sig := <-sigs:
		reason := app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
		stop(reason)
		return nil
	case <-a.Done():
		err := a.Err()
		stop(app.StopFatalError)
		if err == nil {
			err = errors.New("app stopped unexpectedly")
		}
		return err
	}
}
