package joborchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/metrics"
	"github.com/lbnl-ncem/still/internal/model"
	"github.com/lbnl-ncem/still/internal/recordstore"
	"github.com/lbnl-ncem/still/internal/sfapi"
)

// JobStore is the subset of the record-store client the submit pipeline
// needs.
type JobStore interface {
	UpdateJob(ctx context.Context, id int, req recordstore.UpdateJobRequest) (model.Job, error)
}

// pollInterval governs how often pollForSchedulerID polls the SFAPI task
// endpoint.
// The poll loop itself has no upper bound (spec.md §5) — cancellation is
// via ctx.
const pollInterval = 1 * time.Second

// SubmitConfig wires the submit pipeline's collaborators.
type SubmitConfig struct {
	Machines            *MachineCatalog
	Jobs                JobStore
	SFAPI               *sfapi.Client
	ScriptDirectory     string
	RawDataPath         string
	CountDataPath       string
	CountScratchDir     string
	BbcpExecutablePath  string
	BbcpNumberOfStreams int
	JobCountScriptPath  string
	Logger              *zap.Logger
}

// Submitter renders and submits jobs received on the submit-job-events
// topic (spec.md §4.2 "Submit pipeline").
type Submitter struct {
	cfg SubmitConfig
}

// NewSubmitter builds a Submitter.
func NewSubmitter(cfg SubmitConfig) *Submitter {
	return &Submitter{cfg: cfg}
}

// HandleSubmitJobEvent implements spec.md §4.2 steps 1-6.
func (s *Submitter) HandleSubmitJobEvent(ctx context.Context, event model.SubmitJobEvent) error {
	timer := metrics.NewTimer()
	job, scan := event.Job, event.Scan

	machine, err := s.cfg.Machines.Resolve(ctx, job.Machine)
	if err != nil {
		return fmt.Errorf("joborchestrator: resolving machine %s: %w", job.Machine, err)
	}

	destDir := s.destinationDirectory(job, scan)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("joborchestrator: creating destination directory %s: %w", destDir, err)
	}

	bbcpDir := filepath.Join(machine.BbcpDestDir, fmt.Sprintf("%d", job.ID))
	if job.JobType == model.JobTypeTransfer {
		bbcpDir = destDir
	}

	locations := stripSelfHostLocations(scan.Locations, machine.Name)

	jobDir := filepath.Join(s.cfg.ScriptDirectory, fmt.Sprintf("%d", job.ID))
	if err := os.MkdirAll(jobDir, 0o740); err != nil {
		s.cfg.Logger.Warn("job script directory already exists or could not be created",
			zap.String("dir", jobDir), zap.Error(err))
	}

	data := scriptData{
		Settings: templateSettings{
			JobCountScriptPath:  s.cfg.JobCountScriptPath,
			BbcpExecutablePath:  s.cfg.BbcpExecutablePath,
			BbcpNumberOfStreams: s.cfg.BbcpNumberOfStreams,
		},
		Scan:      scan,
		Job:       job,
		Machine:   machine,
		DestDir:   destDir,
		Locations: locations,
		Params:    job.Params,
	}

	mainTemplate := "count.sh.tmpl"
	if job.JobType == model.JobTypeTransfer {
		mainTemplate = "transfer.sh.tmpl"
	}

	mainScript, err := renderScript(mainTemplate, data)
	if err != nil {
		return err
	}
	bbcpScript, err := renderScript("bbcp.sh.tmpl", bbcpData(data, bbcpDir))
	if err != nil {
		return err
	}

	mainPath := filepath.Join(jobDir, fmt.Sprintf("%s-%d.sh", job.JobType, job.ID))
	bbcpPath := filepath.Join(jobDir, "bbcp.sh")

	if err := os.WriteFile(mainPath, mainScript, 0o740); err != nil {
		return fmt.Errorf("joborchestrator: writing %s: %w", mainPath, err)
	}
	if err := os.WriteFile(bbcpPath, bbcpScript, 0o740); err != nil {
		return fmt.Errorf("joborchestrator: writing %s: %w", bbcpPath, err)
	}

	taskID, err := s.cfg.SFAPI.SubmitJob(ctx, machine.Name, mainPath)
	if err != nil {
		s.cfg.Logger.Error("submitting job to SFAPI failed", zap.Int("job_id", job.ID), zap.Error(err))
		return nil
	}

	schedulerID, err := s.pollForSchedulerID(ctx, taskID)
	if err != nil {
		s.cfg.Logger.Error("polling SFAPI task failed", zap.Int("job_id", job.ID), zap.String("task_id", taskID), zap.Error(err))
		return nil
	}

	if _, err := s.cfg.Jobs.UpdateJob(ctx, job.ID, recordstore.UpdateJobRequest{SchedulerID: &schedulerID}); err != nil {
		return fmt.Errorf("joborchestrator: updating job %d with scheduler id: %w", job.ID, err)
	}

	metrics.JobsSubmittedTotal.WithLabelValues(string(job.JobType), machine.Name).Inc()
	timer.ObserveDurationVec(metrics.JobSubmitDuration, string(job.JobType))
	return nil
}

// pollForSchedulerID polls GET /tasks/{id} every pollInterval until the
// task result is non-null, then extracts result.jobid (spec.md §4.2 step 5).
func (s *Submitter) pollForSchedulerID(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		resp, err := s.cfg.SFAPI.PollTask(ctx, taskID)
		if err != nil {
			return "", err
		}

		if resp.Result != nil {
			var result struct {
				Status string `json:"status"`
				JobID  string `json:"jobid"`
				Error  string `json:"error"`
			}
			if err := json.Unmarshal([]byte(*resp.Result), &result); err != nil {
				return "", fmt.Errorf("joborchestrator: decoding task result: %w", err)
			}
			if result.Status == "error" {
				return "", &sfapi.Error{Message: result.Error}
			}
			if result.JobID == "" {
				return "", &sfapi.Error{Message: fmt.Sprintf("unable to extract scheduler id for task %s", taskID)}
			}
			return result.JobID, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// destinationDirectory implements spec.md §4.2 step 2.
func (s *Submitter) destinationDirectory(job model.Job, scan model.Scan) string {
	dateDir := scan.Created.Local().Format("2006-01-02")
	if job.JobType == model.JobTypeCount {
		base := s.cfg.CountDataPath
		if s.cfg.CountScratchDir != "" {
			base = s.cfg.CountScratchDir
		}
		return filepath.Join(base, dateDir)
	}
	return filepath.Join(s.cfg.RawDataPath, dateDir)
}

// stripSelfHostLocations removes any location whose host is the target
// machine — a machine never fetches from itself (spec.md §4.2 step 4).
func stripSelfHostLocations(locations []model.Location, machineName string) []model.Location {
	out := make([]model.Location, 0, len(locations))
	for _, l := range locations {
		if l.Host == machineName {
			continue
		}
		out = append(out, l)
	}
	return out
}

func bbcpData(data scriptData, bbcpDestDir string) scriptData {
	data.DestDir = bbcpDestDir
	return data
}
