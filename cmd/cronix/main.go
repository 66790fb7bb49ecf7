package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "cronix",
		Short:         "Self-hosted cron job runner with an HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("CRONIX_CONFIG"), "path to config file (.json, .yaml)")

	root.AddCommand(
		serveCmd(&cfgPath),
		cronCmd(),
		configCmd(&cfgPath),
	)
	return root
}
