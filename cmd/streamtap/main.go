// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/streamtap/pkg/agent"
	"github.com/mbeema/streamtap/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	flagConfig    string
	flagConfigDir string
	flagLogLevel  string
	flagEnvFile   string
)

var rootCmd = &cobra.Command{
	Use:   "streamtap",
	Short: "Recover plaintext from intercepted TLS stream completions",
	Long: `streamtap hooks the completion of asynchronous stream reads and writes
and forwards the plaintext they moved, tagged with a connection identity,
to capture sinks (stdout, OTLP, a live WebSocket feed).

Without a subcommand streamtap runs as an agent until SIGINT or SIGTERM.
SIGHUP reloads the configuration; --config-dir also reloads on file change.

Examples:
  # Capture one HTTPS request and print the transcript
  streamtap fetch https://example.com/

  # Probe an endpoint every 10s with the health server and exporters up
  streamtap probe https://example.com/healthz --interval 10s --config-dir /etc/streamtap`,
	SilenceUsage: true,
	RunE:         runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "streamtap %s (commit: %s, built: %s)\n", version, commit, buildDate)
	},
}

var methodsCmd = &cobra.Command{
	Use:   "methods",
	Short: "List the hooked operation signatures",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		table, err := cfg.Hook.MethodTable()
		if err != nil {
			return err
		}
		for _, line := range formatMethods(table) {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (%d hooked methods, %d redaction rules)\n",
			len(cfg.Hook.Methods), len(cfg.Redaction.Rules))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to configuration file")
	pf.StringVar(&flagConfigDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flagEnvFile, "env-file", "", "dotenv file with STREAMTAP_* overrides")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd, methodsCmd, configCmd, fetchCmd, probeCmd)
}

func main() {
	agent.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(_ *cobra.Command, _ []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting streamtap agent",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	watcher, err := startWatcher(ctx, a, logger)
	if err != nil {
		a.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP for config reload (single-file mode)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}
			cancel()
			return shutdown(a, logger)

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := resolveConfig()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		}
	}
}

// startWatcher reloads the agent on config directory changes. It returns
// nil when --config-dir is not set.
func startWatcher(ctx context.Context, a *agent.Agent, logger *zap.Logger) (*config.Watcher, error) {
	if flagConfigDir == "" {
		return nil, nil
	}
	watcher := config.NewWatcher(flagConfigDir, func(newCfg *config.Config, changedFile string) {
		if flagEnvFile != "" {
			if err := newCfg.ApplyEnvFile(flagEnvFile); err != nil {
				logger.Warn("env file not applied", zap.Error(err))
			}
		}
		if flagLogLevel != "" {
			newCfg.LogLevel = flagLogLevel
		}
		if err := a.Reload(newCfg); err != nil {
			logger.Error("failed to apply reloaded config",
				zap.String("file", changedFile),
				zap.Error(err),
			)
		}
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start config watcher: %w", err)
	}
	return watcher, nil
}

// shutdown stops the agent with a 30s limit.
func shutdown(a *agent.Agent, logger *zap.Logger) error {
	done := make(chan error, 1)
	go func() { done <- a.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("error during shutdown", zap.Error(err))
			return err
		}
		logger.Info("streamtap agent stopped")
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("shutdown timed out after 30s")
	}
}

// resolveConfig loads the configuration selected by the persistent flags and
// applies environment and CLI overrides.
func resolveConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flagConfigDir != "" {
		cfg, err = config.LoadDir(flagConfigDir)
	} else {
		cfg, err = loadConfig(flagConfig)
	}
	if err != nil {
		return nil, err
	}
	if flagEnvFile != "" {
		if err := cfg.ApplyEnvFile(flagEnvFile); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default locations
	defaults := []string{
		"configs/streamtap.yaml",
		"/etc/streamtap/streamtap.yaml",
		"/etc/streamtap.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	return config.DefaultConfig(), nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
