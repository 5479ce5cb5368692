// Command reconstructor runs the Scan Reconstructor worker (spec.md §4.1)
// as a standalone process, wired the way the teacher's server/cmd/server
// builds its process: a cobra root command binding flags to environment
// variables, ordered collaborator setup, and signal-based graceful
// shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/broker"
	"github.com/lbnl-ncem/still/internal/config"
	"github.com/lbnl-ncem/still/internal/kvtable"
	"github.com/lbnl-ncem/still/internal/logging"
	"github.com/lbnl-ncem/still/internal/metrics"
	"github.com/lbnl-ncem/still/internal/reconstructor"
	"github.com/lbnl-ncem/still/internal/recordstore"
)

var (
	version = "dev"
	commit  = "none"
)

type cliConfig struct {
	envFile     string
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "reconstructor",
		Short: "Scan Reconstructor — assembles filesystem events into scan records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.PersistentFlags().StringVar(&cfg.envFile, "env-file", envOrDefault("RECONSTRUCTOR_ENV_FILE", ""), "optional .env-style file to load settings from")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("RECONSTRUCTOR_METRICS_ADDR", ":9100"), "Prometheus metrics listen address")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reconstructor %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cliCfg *cliConfig) error {
	settings, err := config.Load(cliCfg.envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.Build(settings.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting reconstructor", zap.String("version", version))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Local embedded state store ---
	store, err := kvtable.Open(kvtable.Config{DSN: settings.LocalStateDB, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open local state store: %w", err)
	}

	// --- 2. Broker client ---
	brokerClient, err := broker.Dial(broker.Config{
		Brokers:       []string{settings.KafkaURL},
		ConsumerGroup: "reconstructor",
		Logger:        logger,
	}, broker.TopicFileEvents, broker.TopicSyncEvents)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer brokerClient.Close()

	// --- 3. Record store client ---
	recordStore, err := recordstore.New(recordstore.Config{
		BaseURL:    settings.APIURL,
		APIKeyName: settings.APIKeyName,
		APIKey:     settings.APIKey,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build record store client: %w", err)
	}

	// --- 4. Reconstructor ---
	worker, err := reconstructor.New(reconstructor.Config{
		Store:               store,
		Scans:               recordStore,
		Events:              brokerClient,
		Logger:              logger,
		CompletionThreshold: settings.NumberOfLogFiles,
	})
	if err != nil {
		return fmt.Errorf("failed to build reconstructor: %w", err)
	}

	// --- 5. Metrics server ---
	metricsSrv := &http.Server{Addr: cliCfg.metricsAddr, Handler: metrics.Handler()}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cliCfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// --- 6. Consume loop ---
	go func() {
		if err := worker.Run(ctx, brokerClient); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconstructor consume loop exited", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down reconstructor")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server graceful shutdown error", zap.Error(err))
	}

	logger.Info("reconstructor stopped")
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
