package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/internal/logging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mmate-rpc",
		Short: "Serve and invoke endpoints over the mmate interceptor runtime",
		Long: `mmate-rpc runs services behind phase-ordered interceptor chains on the
local, amqp and nats transports, and invokes them from the command line.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML configuration file")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg := config.Default()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return nil, nil, err
			}
		}
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return nil, nil, err
		}
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	rootCmd.AddCommand(newServeCmd(load), newCallCmd(load))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, *slog.Logger, error)
