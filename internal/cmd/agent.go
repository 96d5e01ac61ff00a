package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/synqx/synqx/internal/agent"
)

// CmdAgent starts a remote worker that leases jobs from the control
// plane and executes them against local engines.
func CmdAgent() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start a remote worker agent",
		Long:  `Start an agent that heartbeats to the control plane, leases jobs routed to its groups and executes them with locally reachable connections.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			a, err := agent.New(cfg.Agent)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	addConfigFlag(cmd)
	return cmd
}
