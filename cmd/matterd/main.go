// Command matterd runs a Matter node: a commissionable device, a
// commissioning controller, or a discovery scan.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:          "matterd",
		Short:        "Matter protocol node",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	root.AddCommand(newServeCmd(&configFile))
	root.AddCommand(newCommissionCmd(&configFile))
	root.AddCommand(newDiscoverCmd())
	return root
}
