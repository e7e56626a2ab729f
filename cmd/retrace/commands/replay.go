package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moolen/retrace/internal/config"
	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/logging"
	"github.com/moolen/retrace/internal/models"
	"github.com/moolen/retrace/internal/storage"
	"github.com/moolen/retrace/internal/timeql"
)

var (
	replayDataPath     string
	replaySince        string
	replayServeMetrics string
	replayFollow       bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a JSONL event file into the engine",
	Long: `Replay feeds every event from a JSONL file through the full analysis
pipeline and prints the resulting engine statistics. With --follow the
process stays alive, tailing lines appended to the file.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayDataPath, "data", "", "JSONL event file to replay (required)")
	replayCmd.Flags().StringVar(&replaySince, "since", "",
		"Skip events before this time (epoch ms, ISO-8601, or '15 minutes ago')")
	replayCmd.Flags().StringVar(&replayServeMetrics, "serve-metrics", "",
		"Expose Prometheus metrics on this address (overrides metrics_addr from config)")
	replayCmd.Flags().BoolVar(&replayFollow, "follow", false,
		"Keep running after the initial replay, ingesting appended lines")
	_ = replayCmd.MarkFlagRequired("data")
}

// replayStats is what the command prints: the engine snapshot plus how the
// input file was consumed.
type replayStats struct {
	engine.Stats
	FileReplayed int `json:"fileReplayed"`
	FileSkipped  int `json:"fileSkipped"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cmd, cfg); err != nil {
		return err
	}
	logger := logging.GetLogger("replay")

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

	metricsAddr := replayServeMetrics
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}
	if metricsAddr != "" {
		h.serveMetrics(metricsAddr)
	}

	sinceMs := int64(0)
	if replaySince != "" {
		sinceMs, err = timeql.ParseTimePoint(replaySince, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
	}

	replayed, skipped := 0, 0
	input := storage.NewJSONL(replayDataPath)
	err = input.Replay(ctx, sinceMs, func(ev *models.Event) error {
		if _, err := h.engine.Ingest(ev); err != nil {
			skipped++
			return nil
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("replayed %d events from %s (%d skipped)", replayed, replayDataPath, skipped)

	printStats := func() error {
		out, err := json.MarshalIndent(replayStats{
			Stats:        h.engine.Stats(),
			FileReplayed: replayed,
			FileSkipped:  skipped,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	if !replayFollow {
		return printStats()
	}

	// Follow mode: hot-reload tunables when a config file is given, tail
	// the input until a signal arrives.
	if configPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{FilePath: configPath}, h.engine.ApplyConfig)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop() //nolint:errcheck
	}

	logger.Info("following %s, ^C to stop", replayDataPath)
	err = storage.NewTailer(replayDataPath).Run(ctx, func(ev *models.Event) error {
		if _, err := h.engine.Ingest(ev); err != nil {
			skipped++
			return nil
		}
		replayed++
		return nil
	})
	if err != nil && !models.IsKind(err, models.ErrCancelled) {
		return err
	}
	return printStats()
}

// shutdownHost stops the component graph with a bounded grace period.
func shutdownHost(h *host) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = h.manager.Stop(ctx)
}
