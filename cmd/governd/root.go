package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "governd",
	Short:         "Governd hosts governance-service and integration connectors for a metadata platform.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(daemonCmd, refreshCmd, statusCmd, versionCmd)
}
