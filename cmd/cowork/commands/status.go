package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cowork-labs/cowork/internal/printer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report database health and substrate counts",
	Long: `Check database connectivity and report how much state the substrate
holds: workspaces, blackboard artifacts, feedback, logged events and
workflow instances.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusTables maps display labels to the tables counted by status.
var statusTables = []struct {
	label string
	table string
}{
	{"Workspaces", "cowork_workspace"},
	{"Artifacts", "cowork_blackboard_entry"},
	{"Feedback", "cowork_blackboard_feedback"},
	{"Events", "cowork_event_log"},
	{"Workflow instances", "cowork_workflow_instance"},
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	health := manager.HealthCheck(ctx)
	if !health.Healthy {
		return printer.ErrorWithContext("Database is unhealthy",
			health.Err,
			map[string]string{"Database": cfg.Database.Name},
			[]string{"Verify PostgreSQL is running and reachable"})
	}
	printer.Success("database healthy (latency %s)\n", health.Latency)

	pool := manager.Pool()
	counts := make(map[string]string, len(statusTables))
	for _, entry := range statusTables {
		var count int64
		err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+entry.table).Scan(&count)
		if err != nil {
			// A missing table means migrations have not run yet.
			counts[entry.label] = "unavailable"
			continue
		}
		counts[entry.label] = fmt.Sprintf("%d", count)
	}
	printer.KeyValues(counts)
	return nil
}
