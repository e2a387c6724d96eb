package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tickwire",
		Short: "Authoritative tick server for realtime shared state",
		Long: `Tickwire runs an authoritative UDP server for realtime applications.

Clients send values on named channels; the server processes them in
fixed-rate ticks and broadcasts accepted or corrected values back to
every connection. A WebSocket gateway bridges browser clients onto the
same channels.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		demoCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
