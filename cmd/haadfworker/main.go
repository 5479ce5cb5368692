// Command haadfworker runs the HAADF Image Worker (spec.md §4.3) as a
// standalone process.
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
	"github.com/lbnl-ncem/still/internal/haadfworker"
	"github.com/lbnl-ncem/still/internal/logging"
	"github.com/lbnl-ncem/still/internal/metrics"
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
		Use:   "haadfworker",
		Short: "HAADF Image Worker — renders false-color previews for microscopy data files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.PersistentFlags().StringVar(&cfg.envFile, "env-file", envOrDefault("HAADFWORKER_ENV_FILE", ""), "optional .env-style file to load settings from")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("HAADFWORKER_METRICS_ADDR", ":9102"), "Prometheus metrics listen address")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("haadfworker %s (commit: %s)\n", version, commit)
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

	logger.Info("starting haadfworker", zap.String("version", version))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	brokerClient, err := broker.Dial(broker.Config{
		Brokers:       []string{settings.KafkaURL},
		ConsumerGroup: "haadfworker",
		Logger:        logger,
	}, broker.TopicHaadfFileEvents)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer brokerClient.Close()

	recordStore, err := recordstore.New(recordstore.Config{
		BaseURL:    settings.APIURL,
		APIKeyName: settings.APIKeyName,
		APIKey:     settings.APIKey,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build record store client: %w", err)
	}

	tempDir := settings.HaadfImageUploadDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	worker := haadfworker.New(haadfworker.Config{
		Store:           recordStore,
		TempDir:         tempDir,
		DataPath:        settings.HaadfNcemhubDm4DataPath,
		AcquisitionUser: settings.AcquisitionUser,
		Logger:          logger,
	})

	reaper := haadfworker.NewReaper(tempDir, time.Duration(settings.HaadfImageUploadDirExpirationHours)*time.Hour, logger)
	go reaper.Run(ctx)

	metricsSrv := &http.Server{Addr: cliCfg.metricsAddr, Handler: metrics.Handler()}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cliCfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		if err := worker.Run(ctx, brokerClient); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("haadfworker consume loop exited", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down haadfworker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server graceful shutdown error", zap.Error(err))
	}

	logger.Info("haadfworker stopped")
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
