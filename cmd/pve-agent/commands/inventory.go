package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pve-agent/internal/model"
)

// Inventory returns the command that polls once and prints the snapshot.
func Inventory(configPath *string) *cobra.Command {
	var jsonOutput bool
	var kind string

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Poll the cluster once and print every resource",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := oneShot(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Stop(context.Background()) }()
			records := c.Snapshot().Sorted()
			if kind != "" {
				records = filterKind(records, model.ResourceKind(kind))
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			return printInventory(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().StringVar(&kind, "kind", "", "Only show one kind: node, qemu, lxc or storage")
	return cmd
}

func filterKind(records []model.ResourceRecord, kind model.ResourceKind) []model.ResourceRecord {
	out := records[:0:0]
	for _, r := range records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func printInventory(w io.Writer, records []model.ResourceRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tNODE\tSTATUS\tCPU\tMEMORY\tIPS")
	for _, r := range records {
		cpu := "-"
		if r.CPUFraction != nil {
			cpu = fmt.Sprintf("%.1f%%", *r.CPUFraction*100)
		}
		mem := "-"
		if r.MemoryTotal > 0 {
			mem = fmt.Sprintf("%s/%s", bytesHuman(r.MemoryUsed), bytesHuman(r.MemoryTotal))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Name, dash(r.ParentNode), r.Status, cpu, mem, dash(strings.Join(r.IPAddresses, ",")))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func bytesHuman(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
