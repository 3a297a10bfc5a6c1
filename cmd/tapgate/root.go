package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tapgate",
	Short: "Tapgate - REST/WebSocket gateway for a Taproot Assets daemon",
	Long: `Tapgate bridges plain REST/JSON and WebSocket clients to a
macaroon-authenticated Taproot Assets daemon.

It proxies streaming WebSocket endpoints transparently, authenticates
mailbox clients with a signed challenge-response handshake, and polls
the backend mailbox on their behalf.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
}
