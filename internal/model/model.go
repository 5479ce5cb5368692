// Package model holds the wire and domain types shared across the three
// stream workers: the record-store entities (Scan, Location, Job, Machine),
// the broker event envelopes, and the small value types extracted from the
// remote Super-Facility API.
package model

import "time"

// DefaultNumberOfLogFiles is the default completion threshold for a scan;
// the configured NUMBER_OF_LOG_FILES setting replaces it, and the
// reconstructor falls back to it when given a zero threshold. Kept here,
// not in internal/config, so internal/reconstructor can depend on it
// without importing the config package's viper binding.
const DefaultNumberOfLogFiles = 72

// ScanComplete reports whether a scan with the given number of known log
// file paths has reached the completion threshold.
func ScanComplete(pathCount, threshold int) bool {
	return pathCount == threshold
}

// FileEventType enumerates the filesystem watcher event kinds carried on
// the file-events topic.
type FileEventType string

const (
	FileEventCreated  FileEventType = "created"
	FileEventModified FileEventType = "modified"
	FileEventClosed   FileEventType = "closed"
	FileEventDeleted  FileEventType = "deleted"
)

// FileSystemEvent is the file-events topic payload.
type FileSystemEvent struct {
	EventType   FileEventType `json:"event_type"`
	SrcPath     string        `json:"src_path"`
	IsDirectory bool          `json:"is_directory"`
	Created     time.Time     `json:"created"`
}

// SyncFile is one entry in a sync-events snapshot.
type SyncFile struct {
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
}

// SyncEvent is the sync-events topic payload: the full set of paths the
// watcher currently sees on disk.
type SyncEvent struct {
	Files []SyncFile `json:"files"`
}

// ScanEvent is the scan-events topic payload — observability only, never
// consumed by the pipeline itself (spec.md §4.1 step 4).
type ScanEvent struct {
	ScanID   int `json:"scan_id"`
	LogFiles int `json:"log_files"`
}

// JobType enumerates the two job kinds the orchestrator handles.
type JobType string

const (
	JobTypeCount    JobType = "count"
	JobTypeTransfer JobType = "transfer"
)

// Job is the record-store Job entity (spec.md §3).
type Job struct {
	ID          int            `json:"id"`
	ScanID      int            `json:"scan_id"`
	JobType     JobType        `json:"job_type"`
	Machine     string         `json:"machine"`
	SchedulerID string         `json:"slurm_id,omitempty"`
	State       string         `json:"state,omitempty"`
	Elapsed     string         `json:"elapsed,omitempty"`
	Output      string         `json:"output,omitempty"`
	Params      map[string]any `json:"params"`
}

// Location is the record-store Location entity.
type Location struct {
	Host string `json:"host"`
	Path string `json:"path"`
}

// Scan is the record-store Scan entity.
type Scan struct {
	ID        int        `json:"id"`
	ScanID    int        `json:"scan_id"`
	Created   time.Time  `json:"created"`
	LogFiles  int        `json:"log_files"`
	HaadfPath string     `json:"haadf_path,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	Locations []Location `json:"locations,omitempty"`
}

// SubmitJobEvent is the submit-job-events topic payload.
type SubmitJobEvent struct {
	Job  Job  `json:"job"`
	Scan Scan `json:"scan"`
}

// HaadfEvent is the haadf-file-events topic payload.
type HaadfEvent struct {
	Path   string `json:"path"`
	ScanID int    `json:"scan_id"`
}

// Machine is the per-cluster-machine descriptor fetched from the record
// store and optionally overlaid with an on-disk override file.
type Machine struct {
	Name        string            `json:"name"`
	BbcpDestDir string            `json:"bbcp_dest_dir"`
	QOS         string            `json:"qos"`
	QOSFilter   string            `json:"qos_filter"`
	Env         map[string]string `json:"env"`
}

// SfapiJob is the transient value extracted from a SFAPI
// `compute/jobs/{machine}` response entry.
type SfapiJob struct {
	Workdir     string `json:"workdir"`
	State       string `json:"state"`
	Name        string `json:"jobname"`
	SchedulerID string `json:"jobid"`
	Elapsed     string `json:"elapsed"`
}

// RunningStates are the Slurm states for which the orchestrator considers a
// job still in flight (spec.md §4.2). Anything outside this set is terminal
// for reconciliation purposes.
var RunningStates = map[string]bool{
	"RUNNING":      true,
	"PENDING":      true,
	"CONFIGURING":  true,
	"COMPLETING":   true,
	"RESIZING":     true,
	"SUSPENDED":    true,
	"SIGNALING":    true,
	"SPECIAL_EXIT": true,
	"STAGE_OUT":    true,
	"STOPPED":      true,
}
