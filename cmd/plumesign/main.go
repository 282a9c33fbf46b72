package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	outputFormat string
	username     string
	teamID       string
)

var rootCmd = &cobra.Command{
	Use:   "plumesign",
	Short: "Manage Apple developer certificates from the command line",
	Long: `plumesign signs in to an Apple ID, talks to the developer services on
its behalf and lists or revokes development certificates.

Settings are read from the environment or a .env file in the working
directory. Nothing but the device identity and the last used Apple ID is
ever written to disk.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(outputFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatText, "Output format: text, json or yaml")
}

func main() {
	err := run()

	// Wipe any key material still held in locked memory before exit.
	memguard.Purge()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}
