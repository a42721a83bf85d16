package commands

import (
	"github.com/spf13/cobra"

	"pve-agent/internal/agent"
)

// Run returns the command that runs the agent until SIGINT or SIGTERM.
func Run(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the cluster, serve health and metrics, and stream snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := agent.BuildLogger(cfg)
			c, err := agent.New(cfg, logger)
			if err != nil {
				logger.Error("agent initialization failed", "error", err)
				return err
			}
			if err := c.Run(cmd.Context()); err != nil {
				logger.Error("agent runtime failed", "error", err)
				return err
			}
			return nil
		},
	}
}
