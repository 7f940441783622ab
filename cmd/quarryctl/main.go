// Package main implements the quarryctl CLI tool for Quarry server administration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "quarryctl",
		Short:   "Quarry server CLI tool",
		Long:    `quarryctl is a command-line tool for inspecting and administering a running Quarry server.`,
		Version: version,
	}

	// Add subcommands
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(connectionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cacheCmd returns the cache subcommand for inspecting the compiler cache.
func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate the compiler cache",
		Long:  `Inspect the per-tenant compiler cache of a running server and drop its entries.`,
	}

	cmd.AddCommand(cacheStatusCmd())
	cmd.AddCommand(cacheInvalidateCmd())

	return cmd
}

// connectionsCmd returns the connections subcommand for managing tenant connections.
func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Test and release tenant data-source connections",
		Long:  `Probe every registered tenant's data-source connections or release them all.`,
	}

	cmd.AddCommand(connectionsTestCmd())
	cmd.AddCommand(connectionsReleaseCmd())

	return cmd
}
