package commands

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cowork-labs/cowork/internal/domain"
	"github.com/cowork-labs/cowork/internal/printer"
	"github.com/cowork-labs/cowork/internal/timespec"
)

var (
	eventsAfter  int64
	eventsLimit  int
	eventsFollow bool
	eventsJSON   bool
	eventsSince  string
	eventsUntil  string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the durable event log",
	Long: `Print events from the shared log in version order.

By default the command prints events after the given --after version and
exits. With --follow it keeps tailing the log through the dispatcher until
interrupted.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().Int64Var(&eventsAfter, "after", 0, "only events with a version greater than this")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum number of events to print (0 = no limit)")
	eventsCmd.Flags().BoolVar(&eventsFollow, "follow", false, "keep tailing the log until interrupted")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "output events as JSON lines")
	eventsCmd.Flags().StringVar(&eventsSince, "since", "", "only events at or after this time (duration like '15m' or RFC 3339)")
	eventsCmd.Flags().StringVar(&eventsUntil, "until", "", "only events before this time (duration like '15m' or RFC 3339)")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	since, until, err := timespec.ParseRange(eventsSince, eventsUntil)
	if err != nil {
		return printer.Error("Invalid time range", err.Error(), nil)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, err := connectManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer manager.Close()

	store := domain.NewSQLStore(manager)
	if !eventsFollow {
		events, err := store.EventsAfter(ctx, eventsAfter, eventsLimit)
		if err != nil {
			return printer.Error("Failed to read event log", err.Error(), nil)
		}
		for _, env := range events {
			if inWindow(env, since, until) {
				printEvent(env)
			}
		}
		return nil
	}

	// Tail: print what exists, then poll for new versions at the dispatcher
	// interval until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(cfg.Dispatcher.PollInterval())
	defer ticker.Stop()

	after := eventsAfter
	for {
		events, err := store.EventsAfter(ctx, after, cfg.Dispatcher.BatchSize)
		if err != nil {
			return printer.Error("Failed to read event log", err.Error(), nil)
		}
		for _, env := range events {
			if inWindow(env, since, until) {
				printEvent(env)
			}
			after = env.Version
		}

		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
		}
	}
}

// inWindow reports whether an event's timestamp falls inside the optional
// since/until bounds. A zero bound is open.
func inWindow(env domain.EventEnvelope, since, until time.Time) bool {
	if !since.IsZero() && env.OccurredAt.Before(since) {
		return false
	}
	if !until.IsZero() && !env.OccurredAt.Before(until) {
		return false
	}
	return true
}

func printEvent(env domain.EventEnvelope) {
	if eventsJSON {
		line, err := json.Marshal(env)
		if err != nil {
			return
		}
		printer.Println(string(line))
		return
	}
	printer.Printf("%6d  %s  %s", env.Version, env.OccurredAt.Format("15:04:05.000"), env.Event)
	if env.AggregateID != "" {
		printer.Printf("  [%s]", env.AggregateID)
	}
	printer.Println()
}
