package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"conductor/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Multi-agent task orchestration core",
		Long: "conductor coordinates delegations between agents: circuit-broken handoffs,\n" +
			"human confirmation gates, and a retrying task scheduler.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	root.AddCommand(serveCmd(), cycleCmd(), initConfigCmd())

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat("conductor.yaml"); err == nil {
			path = "conductor.yaml"
		}
	}
	return config.Load(path)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server with the periodic scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.gate.StartSweeper(ctx)
			a.driver.Start()
			defer a.driver.Stop()

			errs := make(chan error, 1)
			go func() { errs <- a.server.Run(cfg.Server.Addr) }()

			color.Green("conductor listening on %s", cfg.Server.Addr)
			select {
			case <-ctx.Done():
				color.Yellow("shutting down")
				return nil
			case err := <-errs:
				return err
			}
		},
	}
}

func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one scheduler cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.loop.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			color.Green("cycle complete")
			fmt.Printf("  processed: %d\n  succeeded: %d\n  failed:    %d\n  reaped:    %d\n",
				stats.Processed, stats.Succeeded, stats.Failed, stats.Reaped)
			return nil
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a starter configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "conductor.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteStarter(path); err != nil {
				return err
			}
			color.Green("wrote %s", path)
			return nil
		},
	}
}
