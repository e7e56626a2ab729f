package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moolen/retrace/internal/models"
	"github.com/moolen/retrace/internal/storage"
	"github.com/moolen/retrace/internal/timeql"
)

var (
	queryDataPath string
	queryTenant   string
)

var queryCmd = &cobra.Command{
	Use:   "query --data events.jsonl '<statement>'",
	Short: "Run one TimeQL statement against a replayed event file",
	Long: `Query replays a JSONL event file into a fresh engine and executes a
single TimeQL statement, printing the result envelope as JSON.

Examples:
  retrace query --data events.jsonl "STATE AT '5 minutes ago'"
  retrace query --data events.jsonl "TRAVERSE FROM 'evt-42' FOLLOWING backward"
  retrace query --data events.jsonl --tenant acme "PREDICT NEXT 30 seconds"`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryDataPath, "data", "", "JSONL event file to query (required)")
	queryCmd.Flags().StringVar(&queryTenant, "tenant", "", "Tenant scope for the statement")
	_ = queryCmd.MarkFlagRequired("data")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cmd, cfg); err != nil {
		return err
	}

	h, err := newHost(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.manager.Start(ctx); err != nil {
		return err
	}
	defer shutdownHost(h)

	input := storage.NewJSONL(queryDataPath)
	err = input.Replay(ctx, 0, func(ev *models.Event) error {
		_, _ = h.engine.Ingest(ev)
		return nil
	})
	if err != nil {
		return err
	}

	executor, err := timeql.NewExecutor(timeql.Options{
		Engine: h.engine,
		Tracer: h.tracing.GetTracer("timeql"),
	})
	if err != nil {
		return err
	}

	result, err := executor.Query(ctx, queryTenant, args[0])
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
