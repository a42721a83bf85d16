// Package main is the entry point for pve-agent, which monitors a Proxmox VE
// cluster and runs lifecycle commands against its nodes and guests.
package main

import (
	"fmt"
	"os"

	"pve-agent/cmd/pve-agent/commands"
)

// Set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersionInfo(version, commit)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
