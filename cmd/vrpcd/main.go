// Command vrpcd runs a vrpc peer and talks to running ones.
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
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vrpcd",
		Short: "Event and RPC peer for interactive visualization backends",
		Long: `vrpcd exchanges self-describing MessagePack or JSON envelopes with
its peers over framed TCP or websocket links.

  • serve:   run a peer with the demo handlers
  • call:    perform one RPC against a running peer
  • init:    write a default vrpc.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(),
		callCmd(),
		initCmd(),
		versionCmd(),
	)
	return root
}
