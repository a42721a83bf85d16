// Package commands defines the pve-agent CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pve-agent/internal/agent"
	"pve-agent/internal/config"
	"pve-agent/internal/stream"
)

// Root returns the root command. --config is shared by every subcommand.
func Root() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "pve-agent",
		Short:         "Monitor and control a Proxmox VE cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (PVE_* environment variables override it)")

	cmd.AddCommand(Run(&configPath))
	cmd.AddCommand(Check(&configPath))
	cmd.AddCommand(Inventory(&configPath))
	cmd.AddCommand(Invoke(&configPath))
	cmd.AddCommand(Version())

	return cmd
}

// loadConfig loads the configuration and stamps it with the build version.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AgentVersion = version
	return cfg, nil
}

// oneShot builds a coordinator that does not stream, has completed setup and
// holds one snapshot.
func oneShot(ctx context.Context, configPath string) (*agent.Coordinator, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = "error"
	c, err := agent.New(cfg, agent.BuildLogger(cfg), agent.WithSink(stream.NopSink{}))
	if err != nil {
		return nil, err
	}
	if err := c.Setup(ctx); err != nil {
		return nil, err
	}
	if err := c.PollOnce(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
