// Package cli provides the vmhub command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/vmhub/vmhub/client"
)

const defaultServer = "http://127.0.0.1:8080"

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "vmhub",
	Short: "vmhub - a small QEMU VM lifecycle controller",
	Long: `vmhub launches, lists and deletes QEMU virtual machines on a single host.

Each VM boots from a private copy of a base disk image and gets a host TCP port
forwarded to the guest's SSH port. Run "vmhub serve" to start the controller;
the other commands talk to a running controller over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "vmhub server URL")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(eventsCmd)
}

func newClient() *client.Client {
	return client.NewClient(serverURL)
}
