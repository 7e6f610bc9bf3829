package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cowork-labs/cowork/internal/domain"
	"github.com/cowork-labs/cowork/internal/printer"
	"github.com/cowork-labs/cowork/internal/resolver"
)

var (
	artifactsWorkspace string
	artifactsJSON      bool
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List blackboard artifacts in a workspace",
	Long: `List the current artifacts on a workspace's blackboard.

Each row shows the artifact's ID prefix, key, version, type, the agent that
last wrote it, and how long ago that write happened. Use --json for
line-delimited JSON suitable for piping into jq.`,
	RunE: runArtifactsList,
}

var artifactsGetCmd = &cobra.Command{
	Use:   "get <key-or-id>",
	Short: "Show one artifact in full",
	Long: `Show a single artifact as pretty-printed JSON.

The argument is an artifact key, a full artifact ID, or a unique ID prefix
of at least six characters.`,
	Args: cobra.ExactArgs(1),
	RunE: runArtifactsGet,
}

func init() {
	artifactsCmd.PersistentFlags().StringVar(&artifactsWorkspace, "workspace", "", "workspace ID (required)")
	artifactsCmd.Flags().BoolVar(&artifactsJSON, "json", false, "output artifacts as JSON lines")
	artifactsCmd.AddCommand(artifactsGetCmd)
	rootCmd.AddCommand(artifactsCmd)
}

func workspaceEntries(ctx context.Context) ([]domain.BlackboardEntry, error) {
	if artifactsWorkspace == "" {
		return nil, printer.Error("Missing workspace", "the --workspace flag is required",
			[]string{"Run 'cowork status' to see workspace counts", "Pass --workspace <id>"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	manager, err := connectManager(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer manager.Close()

	store := domain.NewSQLStore(manager)
	entries, err := store.Entries(ctx, artifactsWorkspace)
	if err != nil {
		return nil, printer.Error("Failed to read blackboard", err.Error(), nil)
	}
	return entries, nil
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	entries, err := workspaceEntries(context.Background())
	if err != nil {
		return err
	}

	if artifactsJSON {
		for _, e := range entries {
			line, err := json.Marshal(e)
			if err != nil {
				return err
			}
			printer.Println(string(line))
		}
		return nil
	}

	if len(entries) == 0 {
		printer.Info("No artifacts found in workspace '%s'\n", artifactsWorkspace)
		return nil
	}

	printer.Printf("%-10s %-20s %-5s %-12s %-16s %-8s %s\n",
		"ID", "KEY", "VER", "TYPE", "BY", "AGE", "PAYLOAD")
	for _, e := range entries {
		printer.Printf("%-10s %-20s %-5s %-12s %-16s %-8s %s\n",
			truncateID(e.ArtifactID),
			truncateText(e.ArtifactKey, 20),
			fmt.Sprintf("v%d", e.Version),
			truncateText(e.ArtifactType, 12),
			orDash(e.Source),
			relativeAge(e.UpdatedAt),
			payloadPreview(e.Payload),
		)
	}

	noun := "artifact"
	if len(entries) != 1 {
		noun = "artifacts"
	}
	printer.Printf("\n%d %s found\n", len(entries), noun)
	return nil
}

func runArtifactsGet(cmd *cobra.Command, args []string) error {
	entries, err := workspaceEntries(context.Background())
	if err != nil {
		return err
	}

	entry, err := resolver.ResolveArtifact(entries, args[0])
	if err != nil {
		if resolver.IsAmbiguousError(err) {
			return printer.Error("Ambiguous artifact reference", resolver.FormatAmbiguousError(err.(*resolver.AmbiguousError)), nil)
		}
		return printer.Error("Artifact not found", err.Error(),
			[]string{"Run 'cowork artifacts --workspace " + artifactsWorkspace + "' to list artifacts"})
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	printer.Println(string(data))
	return nil
}

// truncateID shortens an artifact ID to its first 8 characters for the table.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return orDash(id)
}

func truncateText(s string, max int) string {
	if s == "" {
		return "-"
	}
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// payloadPreview renders the first 40 characters of the compact payload JSON.
func payloadPreview(payload map[string]any) string {
	if len(payload) == 0 {
		return "-"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "-"
	}
	line := strings.TrimSpace(string(data))
	if len(line) > 40 {
		return line[:37] + "..."
	}
	return line
}

// relativeAge formats a timestamp as "5s ago", "2m ago" and so on.
func relativeAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
