package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "entraguard",
	Short:         "Entraguard audits conditional access, PIM, access reviews, and entitlements in an Entra ID tenant.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(analyzeCmd, scoreCmd, activateCmd, reviewDecisionCmd, versionCmd)
}
