package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// defaultServer is used when neither --server nor PROVISIONER_SERVER is set.
const defaultServer = "http://localhost:8000"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	serverURL  string
	actor      string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provisioner",
		Short: "Provisioner - Kubernetes cluster provisioning service",
		Long: `Provisioner runs infrastructure-as-code workflows that create, plan and
destroy Kubernetes clusters, one isolated state partition per cluster.

The serve command starts the HTTP API. The cluster commands (test, provision,
status, logs, destroy, cleanup, list, audit) talk to a running service.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("PROVISIONER_SERVER")
	if server == "" {
		server = defaultServer
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", server, "provisioner API address")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "name recorded in the audit trail")

	// Service commands
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newReapCommand())

	// Client commands
	rootCmd.AddCommand(newTestCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}
