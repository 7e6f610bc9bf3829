package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cowork-labs/cowork/internal/config"
	"github.com/cowork-labs/cowork/internal/printer"
	"github.com/cowork-labs/cowork/internal/store"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cowork",
	Short: "Cowork - multi-agent coordination substrate",
	Long: `Cowork manages the shared substrate that coordinating AI agents run on:
a PostgreSQL-backed blackboard of versioned artifacts, a durable event log
with per-consumer checkpoints, and event-driven workflow instances.

The CLI operates the substrate: apply schema migrations, inspect health,
and tail the event log.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "cowork.yml", "path to the configuration file")
}

// loadConfig reads the configuration named by the global --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error("Failed to load configuration",
			err.Error(),
			[]string{
				"Check that the file exists and is valid YAML",
				"Pass --config with the path to your cowork.yml",
			})
	}
	return cfg, nil
}

// connectManager opens the pool and persistence manager for one command
// invocation. The caller must Close the returned manager.
func connectManager(ctx context.Context, cfg *config.Config) (*store.Manager, error) {
	pool, err := store.NewPgxPool(ctx, cfg.DBConfig())
	if err != nil {
		return nil, printer.ErrorWithContext("Failed to connect to database",
			err.Error(),
			map[string]string{
				"Host":     fmt.Sprintf("%s:%d", cfg.Database.Host, cfg.Database.Port),
				"Database": cfg.Database.Name,
				"User":     cfg.Database.User,
			},
			[]string{
				"Verify PostgreSQL is running and reachable",
				"Check credentials in cowork.yml or COWORK_DB_* environment variables",
			})
	}
	return store.NewManager(pool, cfg.Migrations.Dir, zap.NewNop()), nil
}
