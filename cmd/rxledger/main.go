// Package main provides the rxledger command: the prescription API, the lane
// workers, lane administration and a local gateway simulator.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "rxledger",
		Short:         "Reliable prescription writes over a ledger gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(lanesCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(gatewaySimCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
