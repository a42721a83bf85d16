package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"pve-agent/internal/agent/command"
	"pve-agent/internal/model"
)

// Invoke returns the command that runs one lifecycle action and waits for the
// API call to complete.
func Invoke(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <resource-id> <action>",
		Short: "Run a lifecycle action on a node or guest",
		Long: fmt.Sprintf(`Run a lifecycle action and print the result.

Actions: %s. Nodes accept shutdown and restart; storage has no actions.

Examples:
  pve-agent invoke 100 shutdown
  pve-agent invoke pve1 restart`, actionList()),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &command.InvokeRequest{ResourceID: args[0], Action: args[1]}
			if _, err := model.ParseAction(req.Action); err != nil {
				return err
			}
			c, err := oneShot(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Stop(context.Background()) }()
			resp, invokeErr := command.Invoke(cmd.Context(), discardLogger(), c, req)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return err
			}
			if invokeErr != nil {
				return invokeErr
			}
			if resp.Rejected {
				return fmt.Errorf("rejected: %s", resp.Message)
			}
			return nil
		},
	}
	return cmd
}

func actionList() string {
	out := ""
	for i, a := range []model.Action{model.ActionStart, model.ActionShutdown, model.ActionRestart, model.ActionForceStop, model.ActionForceRestart} {
		if i > 0 {
			out += ", "
		}
		out += string(a)
	}
	return out
}
