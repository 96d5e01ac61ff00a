// Package cmd defines the CLI commands: server, agent and version.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/synqx/synqx/internal/config"
	"github.com/synqx/synqx/internal/logger"
)

// setup loads configuration and attaches the configured logger to the
// command context.
func setup(cmd *cobra.Command) (context.Context, *config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(file)
	if err != nil {
		return nil, nil, err
	}

	var opts []logger.Option
	if cfg.Log.Level == "debug" {
		opts = append(opts, logger.WithDebug())
	}
	opts = append(opts, logger.WithFormat(cfg.Log.Format))

	ctx := logger.WithLogger(cmd.Context(), logger.NewLogger(opts...))
	return ctx, cfg, nil
}

func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to the configuration file")
}
