package joborchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/metrics"
	"github.com/lbnl-ncem/still/internal/model"
	"github.com/lbnl-ncem/still/internal/recordstore"
	"github.com/lbnl-ncem/still/internal/sfapi"
)

// reconcileInterval is the fixed reconciliation cadence (spec.md §4.2:
// "a recurring 60-second timer").
const reconcileInterval = 60 * time.Second

// ReconcileStore is the subset of the record-store client the reconciler
// needs.
type ReconcileStore interface {
	JobStore
	GetJob(ctx context.Context, id int) (model.Job, error)
	GetScan(ctx context.Context, id int) (model.Scan, error)
	UpdateScan(ctx context.Context, id int, req recordstore.UpdateScanRequest) (recordstore.UpdateScanResult, error)
}

// ReconcileConfig wires the reconciler's collaborators.
type ReconcileConfig struct {
	Machines    *MachineCatalog
	Store       ReconcileStore
	SFAPI       *sfapi.Client
	SFAPIUser   string
	RawDataPath string
	Logger      *zap.Logger
}

// Reconciler periodically polls each configured machine's Slurm queue and
// projects state back to the record store (spec.md §4.2 "Reconcile
// pipeline").
type Reconciler struct {
	cfg       ReconcileConfig
	scheduler gocron.Scheduler

	mu            sync.Mutex
	completedJobs map[int]bool
}

// NewReconciler builds a Reconciler with a gocron scheduler configured to
// run the 60-second reconcile tick in singleton mode, so an overrunning
// tick never overlaps its own next invocation (spec.md §5).
func NewReconciler(cfg ReconcileConfig) (*Reconciler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("joborchestrator: creating gocron scheduler: %w", err)
	}

	r := &Reconciler{cfg: cfg, scheduler: s, completedJobs: map[int]bool{}}

	_, err = s.NewJob(
		gocron.DurationJob(reconcileInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), reconcileInterval)
			defer cancel()
			if err := r.reconcileAll(ctx); err != nil {
				r.cfg.Logger.Error("reconcile tick failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("joborchestrator: scheduling reconcile job: %w", err)
	}

	return r, nil
}

// Start begins the recurring reconcile timer.
func (r *Reconciler) Start() { r.scheduler.Start() }

// Stop gracefully halts the reconciler, waiting for any in-flight tick.
func (r *Reconciler) Stop() error {
	if err := r.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("joborchestrator: shutting down reconciler: %w", err)
	}
	return nil
}

// reconcileAll implements spec.md §4.2's "Reconcile pipeline" for every
// configured machine.
func (r *Reconciler) reconcileAll(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileCycleDuration)

	names, err := r.cfg.Machines.Names(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := r.reconcileMachine(ctx, name); err != nil {
			r.cfg.Logger.Error("reconciling machine failed", zap.String("machine", name), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileMachine(ctx context.Context, machineName string) error {
	machine, err := r.cfg.Machines.Resolve(ctx, machineName)
	if err != nil {
		return err
	}

	status, err := r.cfg.SFAPI.MachineStatus(ctx, machineName)
	if err != nil {
		return fmt.Errorf("joborchestrator: fetching status for %s: %w", machineName, err)
	}
	if status.Status != "up" {
		return nil
	}

	resp, err := r.cfg.SFAPI.ListJobs(ctx, machineName, sfapi.JobsQuery{
		User:     r.cfg.SFAPIUser,
		QOS:      machine.QOSFilter,
		UseSacct: true,
	})
	if err != nil {
		r.cfg.Logger.Warn("SFAPI request to fetch jobs failed", zap.String("machine", machineName), zap.Error(err))
		return nil
	}

	for _, job := range resp.Output {
		if err := r.reconcileJob(ctx, machineName, job); err != nil {
			r.cfg.Logger.Error("reconciling job failed",
				zap.String("machine", machineName), zap.String("workdir", job.Workdir), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileJob(ctx context.Context, machineName string, job model.SfapiJob) error {
	jobID, ok := extractJobID(job.Workdir)
	if !ok {
		r.cfg.Logger.Warn("unable to extract job id from workdir", zap.String("workdir", job.Workdir))
		return nil
	}

	r.mu.Lock()
	alreadyCompleted := r.completedJobs[jobID]
	r.mu.Unlock()
	if alreadyCompleted {
		return nil
	}

	state := normalizeState(job.State)
	output := ""

	if !model.RunningStates[state] {
		if text, err := readSlurmOut(job.Workdir, job.SchedulerID); err == nil {
			output = text
		}
		r.mu.Lock()
		r.completedJobs[jobID] = true
		r.mu.Unlock()
	}

	_, err := r.cfg.Store.UpdateJob(ctx, jobID, recordstore.UpdateJobRequest{
		State:   &state,
		Elapsed: &job.Elapsed,
		Output:  &output,
	})
	if err != nil && !errors.Is(err, recordstore.ErrNotFound) {
		return fmt.Errorf("joborchestrator: updating job %d: %w", jobID, err)
	}

	if state == "COMPLETED" && strings.Contains(strings.ToLower(job.Name), "transfer") {
		return r.appendTransferLocation(ctx, jobID, machineName)
	}
	return nil
}

// appendTransferLocation implements spec.md §4.2 step 3's final bullet:
// on a completed transfer job, append a Location pointing at the raw-data
// directory on the destination machine.
func (r *Reconciler) appendTransferLocation(ctx context.Context, jobID int, machineName string) error {
	job, err := r.cfg.Store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("joborchestrator: fetching job %d: %w", jobID, err)
	}

	scan, err := r.cfg.Store.GetScan(ctx, job.ScanID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("joborchestrator: fetching scan %d for job %d: %w", job.ScanID, jobID, err)
	}

	dateDir := scan.Created.Local().Format("2006-01-02")
	path := filepath.Join(r.cfg.RawDataPath, dateDir)

	_, err = r.cfg.Store.UpdateScan(ctx, scan.ID, recordstore.UpdateScanRequest{
		Locations: []model.Location{{Host: machineName, Path: path}},
	})
	if err != nil {
		return fmt.Errorf("joborchestrator: appending location for scan %d: %w", scan.ID, err)
	}
	return nil
}

// extractJobID parses the integer basename of workdir as the job id
// (spec.md §4.2 step 3: "the job id is the integer basename of workdir").
func extractJobID(workdir string) (int, bool) {
	id, err := strconv.Atoi(filepath.Base(workdir))
	if err != nil {
		return 0, false
	}
	return id, true
}

// normalizeState collapses "CANCELLED by <uid>" into "CANCELLED" (spec.md
// §4.2 step 3).
func normalizeState(state string) string {
	if strings.HasPrefix(state, "CANCELLED") {
		return "CANCELLED"
	}
	return state
}

// readSlurmOut reads `slurm-<scheduler-id>.out` from workdir if present.
func readSlurmOut(workdir, schedulerID string) (string, error) {
	path := filepath.Join(workdir, fmt.Sprintf("slurm-%s.out", schedulerID))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
