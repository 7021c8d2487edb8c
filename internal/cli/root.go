// Package cli holds the tempo command tree.
package cli

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./tempo.yaml"

// NewRootCmd builds the tempo command tree.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "tempo",
		Short:         "Cooperative temporal scheduler node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath, "path to config file (json or yaml)")

	root.AddCommand(
		newServeCmd(&cfgFile),
		newInitCmd(&cfgFile),
		newVersionCmd(),
	)
	return root
}
