// Package commands implements the retrace CLI: replaying event files into
// the causality engine, running TimeQL statements against them, and
// generating synthetic event streams.
package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moolen/retrace/internal/config"
	"github.com/moolen/retrace/internal/logging"
)

const Version = "0.1.0"

var (
	// logLevelFlags supports repeated --log-level flags, either a bare
	// level ("debug") or a per-package override ("engine=debug").
	logLevelFlags []string
	configPath    string
)

var rootCmd = &cobra.Command{
	Use:   "retrace",
	Short: "retrace - causality tracing and temporal queries over event streams",
	Long: `retrace ingests service events into a causal graph and answers
questions about it in TimeQL: reconstruct past state, walk causal chains,
match recurring patterns, and predict likely next events.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level",
		[]string{"info"},
		"Log level, repeatable. Bare level sets the default; 'package=level' overrides one package.\n"+
			"Examples: --log-level debug, --log-level engine=debug --log-level timeql=warn")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the YAML configuration file (defaults apply when omitted)")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(gendataCmd)
}

// loadConfig loads --config when given, otherwise the defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

// setupLogging applies log levels with CLI flags taking precedence over
// LOG_LEVEL_* environment variables, which in turn beat the config file's
// log_level.
func setupLogging(cmd *cobra.Command, cfg *config.Config) error {
	defaultLevel, packageLevels, err := parseLogLevelFlags(logLevelFlags)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		defaultLevel = cfg.LogLevel
	}
	return logging.Initialize(defaultLevel, packageLevels)
}

// parseLogLevelFlags merges LOG_LEVEL_* environment variables (low
// priority) with --log-level flags (high priority) into a default level
// plus per-package overrides. LOG_LEVEL_ENGINE=debug is equivalent to
// --log-level engine=debug; underscores map to dots for nested names.
func parseLogLevelFlags(flags []string) (string, map[string]string, error) {
	levels := make(map[string]string)

	for _, pair := range os.Environ() {
		if !strings.HasPrefix(pair, "LOG_LEVEL_") {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "LOG_LEVEL_")
		levels[strings.ToLower(strings.ReplaceAll(name, "_", "."))] = parts[1]
	}

	for _, flag := range flags {
		if !strings.Contains(flag, "=") {
			levels["default"] = flag
			continue
		}
		parts := strings.SplitN(flag, "=", 2)
		levels[parts[0]] = parts[1]
	}

	defaultLevel := "info"
	if level, ok := levels["default"]; ok {
		defaultLevel = level
		delete(levels, "default")
	}

	if err := validateLogLevel(defaultLevel); err != nil {
		return "", nil, err
	}
	for pkg, level := range levels {
		if err := validateLogLevel(level); err != nil {
			return "", nil, fmt.Errorf("invalid log level for package %q: %w", pkg, err)
		}
	}
	return defaultLevel, levels, nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error", "fatal":
		return nil
	default:
		return fmt.Errorf("invalid log level %q (must be debug, info, warn, error, or fatal)", level)
	}
}
