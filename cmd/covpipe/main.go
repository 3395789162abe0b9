// Package main provides the entry point for the covpipe worker and ops
// server binaries.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/cmd/covpipe/commands"
)

func main() {
	covpipe.ConfigureLogging()

	rootCmd := &cobra.Command{
		Use:   "covpipe",
		Short: "covpipe - coverage upload processing pipeline",
		Long: `covpipe runs the background tier of the coverage service.

Commands:
  worker    Consume broker queues and run pipeline tasks
  serve     Run the ops HTTP API`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "path to the config file (default: ./covpipe.yaml, /etc/covpipe/covpipe.yaml)")

	rootCmd.AddCommand(commands.NewWorkerCommand())
	rootCmd.AddCommand(commands.NewServeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
