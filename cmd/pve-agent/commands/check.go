package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pve-agent/internal/agent"
	agentversion "pve-agent/internal/agent/version"
	"pve-agent/internal/proxmox"
)

// Check returns the command that validates connection settings the way the
// setup flow does.
func Check(configPath *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate connection and credentials",
		Long: `Log into the configured cluster once and report the result.

Failures are reported as cannot_connect (network, TLS, server errors) or
invalid_auth (rejected credentials).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rootCAs, err := cfg.ProxmoxRootCAs()
			if err != nil {
				return err
			}
			cfg.LogLevel = "error"
			client := proxmox.NewClient(cfg.Cluster, agent.BuildLogger(cfg),
				proxmox.WithTimeout(cfg.RequestTimeout),
				proxmox.WithRootCAs(rootCAs),
			)
			defer client.Close()

			pve, err := agent.Validate(cmd.Context(), client)
			if err != nil {
				var setupErr *agent.SetupError
				if errors.As(err, &setupErr) {
					if code := proxmox.StatusCode(err); code != 0 {
						return fmt.Errorf("check %s failed: %s (HTTP %d)", cfg.Cluster.Address(), setupErr.Reason, code)
					}
					return fmt.Errorf("check %s failed: %s", cfg.Cluster.Address(), setupErr.Reason)
				}
				return err
			}

			info := agentversion.Get(cfg, pve, &agentversion.GetVersionRequest{ClusterID: cfg.ClusterID})
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(out, "ok: %s (%s auth) Proxmox VE %s\n", cfg.Cluster.Address(), info.AuthMode, info.PVEVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}
