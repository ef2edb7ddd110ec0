package main

import (
	"github.com/spf13/cobra"

	"github.com/fentz26/iglood/internal/tui"
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Open the interactive consent view",
	Long:  `Attaches to the daemon's pending-prompt feed and resolves requests that need an explicit decision.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.New(apiAddr).Run()
	},
}
