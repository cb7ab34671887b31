package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/speakeasy-api/fence/engine"
)

var (
	// Global flags
	logLevel string

	// Logger shared by all subcommands. Nil until --log-level is set.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fence",
	Short: "fence compiles JSON Schemas into generation-time grammar fences",
	Long: `fence turns a JSON Schema into a character-level state machine and runs
token streams against it. The check command replays an input text through the
full engine loop, inspect prints the compiled machine as an outline, and vocab
examines a tokenizer vocabulary the way the engine sees it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapLevel(engine.ParseLogLevel(logLevel)))
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: error, warn, info, debug (default: disabled)")
}

func zapLevel(l engine.LogLevel) zapcore.Level {
	switch l {
	case engine.LevelDebug:
		return zapcore.DebugLevel
	case engine.LevelInfo:
		return zapcore.InfoLevel
	case engine.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// engineLog bridges the CLI zap logger into the engine's Logger interface.
// Safe to call when --log-level was not given; the bridge is then a no-op.
func engineLog() engine.Logger {
	return engine.NewZapLogger(logger)
}
