package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cowork-labs/cowork/internal/printer"
	"github.com/cowork-labs/cowork/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Apply the SQL migrations from the configured migrations directory.

Each migration runs once: applied migrations are recorded with a checksum
and skipped on later runs. A migration file whose content changed after it
was applied aborts the run with an integrity error.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, err := connectManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer manager.Close()

	result, err := manager.Migrate(ctx)
	if err != nil {
		if store.IsCode(err, store.CodeMigrationIntegrity) {
			return printer.Error("Migration integrity violation",
				err.Error(),
				[]string{
					"Never edit a migration file after it has been applied",
					"Add a new migration file with the intended change instead",
				})
		}
		return printer.Error("Migration failed", err.Error(), nil)
	}

	for _, name := range result.Applied {
		printer.Success("applied %s\n", name)
	}
	for _, name := range result.Skipped {
		printer.Info("skipped %s (already applied)\n", name)
	}
	if len(result.Applied) == 0 {
		printer.Info("Schema is up to date (%d migrations already applied)\n", len(result.Skipped))
	} else {
		printer.Success("%d migration(s) applied\n", len(result.Applied))
	}
	return nil
}
