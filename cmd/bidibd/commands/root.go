// Package commands holds the bidibd command tree.
package commands

import (
	"github.com/spf13/cobra"
)

// RootCmd is the root command for bidibd.
var RootCmd = &cobra.Command{
	Use:   "bidibd",
	Short: "BiDiB command station daemon",
	Long: `bidibd drives a BiDiB bus as master, enumerates the attached
devices into a node tree, and serves the tree (plus this system's own
virtual nodes) to network hosts over netBiDiB.`,
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(NewRunCmd())
}
