// Package cli is the fleetwatch command line.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRoot builds the fleetwatch command tree
func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetwatch",
		Short:         "fleetwatch: endpoint telemetry to enforcement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("fleetwatch {{.Version}}\n")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newReconcileCmd())

	return cmd
}
