package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"quarryctl/internal/adminapi"

	"github.com/spf13/cobra"
)

// getAdminClient creates a Quarry admin API client from environment variables.
func getAdminClient() (*adminapi.Client, error) {
	serverURL := os.Getenv("QUARRY_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:4000"
	}

	token := os.Getenv("QUARRY_API_TOKEN")
	if token == "" {
		if secret := os.Getenv("QUARRY_API_SECRET"); secret != "" {
			minted, err := adminapi.MintToken(secret, time.Hour)
			if err != nil {
				return nil, fmt.Errorf("minting token from QUARRY_API_SECRET: %w", err)
			}
			token = minted
		}
	}

	return adminapi.NewClient(serverURL, token), nil
}

// healthCmd returns the command for checking server liveness.
func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health and component status",
		Long: `Show the liveness report of a running Quarry server.

Examples:
  quarryctl health
  QUARRY_SERVER_URL=https://quarry.internal:4000 quarryctl health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAdminClient()
			if err != nil {
				return err
			}

			health, err := client.Health()
			if err != nil {
				return fmt.Errorf("failed to fetch health: %w", err)
			}

			fmt.Printf("Status:  %s\n", health.Status)
			fmt.Printf("Service: %s (version %s)\n", health.Service, health.Version)
			fmt.Printf("Uptime:  %ds\n", health.UptimeSeconds)
			fmt.Println("Components:")
			printComponents(health.Components)

			return nil
		},
	}
}

// readyCmd returns the command for checking server readiness.
func readyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Probe readiness across all registered tenants",
		Long: `Probe the data-source connections of every registered tenant.

The command exits non-zero when any tenant fails its probe.

Examples:
  quarryctl ready`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAdminClient()
			if err != nil {
				return err
			}

			ready, err := client.Ready()
			if err != nil {
				return fmt.Errorf("failed to fetch readiness: %w", err)
			}

			fmt.Printf("Status:  %s\n", ready.Status)
			fmt.Printf("Tenants: %d (%d failed)\n", ready.Tenants, ready.Failed)
			printConnections(ready.Connections)

			if ready.Failed > 0 {
				return fmt.Errorf("%d tenant(s) failed the connection probe", ready.Failed)
			}
			return nil
		},
	}
}

// cacheStatusCmd returns the command for inspecting the compiler cache.
func cacheStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show compiler cache entries and hit rates",
		Long: `Show the cached tenants, their schema versions and the cache hit rate.

Examples:
  quarryctl cache status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAdminClient()
			if err != nil {
				return err
			}

			status, err := client.CacheStatus()
			if err != nil {
				return fmt.Errorf("failed to fetch cache status: %w", err)
			}

			fmt.Printf("Entries: %d / %d\n", status.Count, status.Capacity)
			fmt.Printf("Hits: %d  Misses: %d  Evictions: %d  Hit rate: %.1f%%\n",
				status.Stats.Hits, status.Stats.Misses, status.Stats.Evictions, status.Stats.HitRate)

			if len(status.Entries) == 0 {
				fmt.Println("No tenants cached.")
				return nil
			}

			fmt.Println(strings.Repeat("-", 50))
			for i, entry := range status.Entries {
				fmt.Printf("%3d. %s (version %s, stored %s)\n",
					i+1, entry.Key, shortVersion(entry.Version), entry.StoredAt.Format(time.RFC3339))
			}
			fmt.Println(strings.Repeat("-", 50))

			return nil
		},
	}
}

// cacheInvalidateCmd returns the command for dropping all cache entries.
func cacheInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate",
		Short: "Drop every compiler cache entry",
		Long: `Drop every compiler cache entry. Tenants recompile on their next request.

Examples:
  quarryctl cache invalidate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAdminClient()
			if err != nil {
				return err
			}

			invalidated, err := client.CacheInvalidate()
			if err != nil {
				return fmt.Errorf("failed to invalidate cache: %w", err)
			}

			fmt.Printf("✅ Invalidated %d cache entrie(s)\n", invalidated)
			return nil
		},
	}
}

// connectionsTestCmd returns the command for probing tenant connections.
func connectionsTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test every tenant's data-source connections",
		Long: `Test the data-source connections of every registered tenant and report
per-tenant results.

Examples:
  quarryctl connections test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAdminClient()
			if err != nil {
				return err
			}

			result, err := client.ConnectionsTest()
			if err != nil {
				return fmt.Errorf("failed to test connections: %w", err)
			}

			fmt.Printf("Tenants: %d (%d failed)\n", result.Tenants, result.Failed)
			printConnections(result.Connections)

			if result.Failed > 0 {
				return fmt.Errorf("%d tenant(s) failed the connection test", result.Failed)
			}
			fmt.Println("✅ All connections healthy")
			return nil
		},
	}
}

// connectionsReleaseCmd returns the command for releasing tenant connections.
func connectionsReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release every tenant's data-source connections",
		Long: `Release the data-source connections of every registered tenant. Connections
are re-established lazily on the next request.

Examples:
  quarryctl connections release`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getAdminClient()
			if err != nil {
				return err
			}

			result, err := client.ConnectionsRelease()
			if err != nil {
				return fmt.Errorf("failed to release connections: %w", err)
			}

			fmt.Printf("Tenants: %d (%d failed)\n", result.Tenants, result.Failed)
			printConnections(result.Connections)

			if result.Failed > 0 {
				return fmt.Errorf("%d tenant(s) failed to release cleanly", result.Failed)
			}
			fmt.Println("✅ All connections released")
			return nil
		},
	}
}

// printConnections prints per-tenant probe results in a stable order.
func printConnections(connections map[string]string) {
	if len(connections) == 0 {
		fmt.Println("No tenants registered.")
		return
	}

	tenants := make([]string, 0, len(connections))
	for tenant := range connections {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		fmt.Printf("  %-20s %s\n", tenant, connections[tenant])
	}
}

// printComponents prints the health component map in a stable order.
func printComponents(components map[string]map[string]interface{}) {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("  %s:\n", name)
		keys := make([]string, 0, len(components[name]))
		for key := range components[name] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("    %-10s %v\n", key, components[name][key])
		}
	}
}

// shortVersion trims long schema version hashes for display.
func shortVersion(version string) string {
	if version == "" {
		return "(none)"
	}
	if len(version) > 12 {
		return version[:12]
	}
	return version
}
