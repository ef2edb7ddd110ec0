package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "iglood",
	Short: "iglood - NIP-55 signing request broker",
	Long: `iglood brokers NIP-55 signing requests between calling applications
and an external threshold-signing service: it parses and deduplicates
requests, enforces per-app permission rules, batches service calls, and
bridges results back to blocking callers.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8480", "Daemon API address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.iglood/config.yaml)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(permsCmd)
	rootCmd.AddCommand(consentCmd)
	rootCmd.AddCommand(requestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
