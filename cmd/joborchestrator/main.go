// Command joborchestrator runs the Job Orchestrator worker (spec.md §4.2):
// the submit-job-events consume loop plus the co-scheduled 60-second
// reconciler, in one process. It also exposes a "custodian" subcommand
// that exercises the CUSTODIAN_USER/CUSTODIAN_PRIVATE_KEY/
// CUSTODIAN_VALID_HOSTS configuration surface (SPEC_FULL.md §4, item 4)
// as a narrow maintenance operation rather than a stream pipeline.
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
	"github.com/lbnl-ncem/still/internal/joborchestrator"
	"github.com/lbnl-ncem/still/internal/logging"
	"github.com/lbnl-ncem/still/internal/metrics"
	"github.com/lbnl-ncem/still/internal/recordstore"
	"github.com/lbnl-ncem/still/internal/sfapi"
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
		Use:   "joborchestrator",
		Short: "Job Orchestrator — submits and reconciles Slurm jobs against SFAPI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newCustodianCmd(cfg))
	root.PersistentFlags().StringVar(&cfg.envFile, "env-file", envOrDefault("JOBORCHESTRATOR_ENV_FILE", ""), "optional .env-style file to load settings from")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("JOBORCHESTRATOR_METRICS_ADDR", ":9101"), "Prometheus metrics listen address")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("joborchestrator %s (commit: %s)\n", version, commit)
		},
	}
}

// newCustodianCmd wires a one-shot maintenance command onto
// recordstore.CustodianClient: set-notes annotates a scan on the
// custodian's behalf, gated to the configured host allow-list.
func newCustodianCmd(cliCfg *cliConfig) *cobra.Command {
	var scanID int
	var notes string

	cmd := &cobra.Command{
		Use:   "custodian",
		Short: "Custodian maintenance operations",
	}

	setNotes := &cobra.Command{
		Use:   "set-notes",
		Short: "Attach a custodian note to a scan, if all its locations are on an allow-listed host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCustodianSetNotes(cmd.Context(), cliCfg, scanID, notes)
		},
	}
	setNotes.Flags().IntVar(&scanID, "scan-id", 0, "scan id to annotate (required)")
	setNotes.Flags().StringVar(&notes, "notes", "", "note text to attach (required)")
	_ = setNotes.MarkFlagRequired("scan-id")
	_ = setNotes.MarkFlagRequired("notes")

	cmd.AddCommand(setNotes)
	return cmd
}

func runCustodianSetNotes(ctx context.Context, cliCfg *cliConfig, scanID int, notes string) error {
	settings, err := config.Load(cliCfg.envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.Build(settings.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	recordStore, err := recordstore.New(recordstore.Config{
		BaseURL:    settings.APIURL,
		APIKeyName: settings.APIKeyName,
		APIKey:     settings.APIKey,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build record store client: %w", err)
	}

	scan, err := recordStore.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("failed to fetch scan %d: %w", scanID, err)
	}
	hosts := make([]string, len(scan.Locations))
	for i, l := range scan.Locations {
		hosts[i] = l.Host
	}

	custodian, err := recordstore.NewCustodianClient(recordstore.CustodianConfig{
		BaseURL:    settings.APIURL,
		APIKeyName: settings.APIKeyName,
		APIKey:     settings.APIKey,
		User:       settings.CustodianUser,
		PrivateKey: settings.CustodianPrivateKey,
		ValidHosts: settings.CustodianValidHosts,
	})
	if err != nil {
		return fmt.Errorf("failed to build custodian client: %w", err)
	}

	if err := custodian.SetNotes(ctx, scanID, hosts, notes); err != nil {
		return fmt.Errorf("failed to set notes on scan %d: %w", scanID, err)
	}
	logger.Info("set custodian notes", zap.Int("scan_id", scanID))
	return nil
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

	logger.Info("starting joborchestrator", zap.String("version", version))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	brokerClient, err := broker.Dial(broker.Config{
		Brokers:       []string{settings.KafkaURL},
		ConsumerGroup: "joborchestrator",
		Logger:        logger,
	}, broker.TopicSubmitJobEvents)
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

	sfapiClient, err := sfapi.New(ctx, sfapi.Config{
		Auth: sfapi.AuthConfig{
			ClientID:      settings.SfapiClientID,
			PrivateKeyPEM: settings.SfapiPrivateKey,
			GrantType:     settings.SfapiGrantType,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build SFAPI client: %w", err)
	}

	machines := joborchestrator.NewMachineCatalog(recordStore, settings.JobMachineOverridesPath, settings.JobQOS, settings.JobQOSFilter, logger)

	submitter := joborchestrator.NewSubmitter(joborchestrator.SubmitConfig{
		Machines:            machines,
		Jobs:                recordStore,
		SFAPI:               sfapiClient,
		ScriptDirectory:     settings.JobScriptDirectory,
		RawDataPath:         settings.JobNcemhubRawDataPath,
		CountDataPath:       settings.JobNcemhubCountDataPath,
		CountScratchDir:     settings.JobCountScratchDir,
		BbcpExecutablePath:  settings.JobBbcpExecutablePath,
		BbcpNumberOfStreams: settings.JobBbcpNumberOfStreams,
		JobCountScriptPath:  settings.JobCountScriptPath,
		Logger:              logger,
	})

	reconciler, err := joborchestrator.NewReconciler(joborchestrator.ReconcileConfig{
		Machines:    machines,
		Store:       recordStore,
		SFAPI:       sfapiClient,
		SFAPIUser:   settings.SfapiUser,
		RawDataPath: settings.JobNcemhubRawDataPath,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build reconciler: %w", err)
	}

	orchestrator := joborchestrator.New(submitter, reconciler, logger)

	metricsSrv := &http.Server{Addr: cliCfg.metricsAddr, Handler: metrics.Handler()}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cliCfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		if err := orchestrator.Run(ctx, brokerClient); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("joborchestrator consume loop exited", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down joborchestrator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server graceful shutdown error", zap.Error(err))
	}

	logger.Info("joborchestrator stopped")
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
