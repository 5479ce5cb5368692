// Package recordstore is a REST client for the external relational record
// store (spec.md §6: "the relational record-store... out of scope,
// treated as an external collaborator"). It is built on go-resty, matching
// the HTTP client library already vendored by the retrieved corpus for
// REST integrations.
package recordstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/model"
)

// ErrNotFound is returned when the record store responds 404. Job-update
// 404s are swallowed by the caller per spec.md §7 ("not one of ours");
// other callers may surface it.
var ErrNotFound = fmt.Errorf("recordstore: not found")

// ErrConflict marks a scan lookup that returned more than one row — an
// invariant violation at the record store (spec.md §4.1 step 3).
var ErrConflict = fmt.Errorf("recordstore: more than one matching scan")

// Config holds the connection settings for the record store's REST API.
type Config struct {
	BaseURL    string
	APIKeyName string
	APIKey     string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client is the typed REST client described by spec.md §6.
type Client struct {
	rc *resty.Client
}

// New builds a Client against cfg. A 30s default timeout is used when cfg
// does not specify one, matching the spec's "implementation may choose
// 30s" note for calls to the record store.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("recordstore: base URL is required")
	}
	if cfg.APIKeyName == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("recordstore: API key name and value are required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader(cfg.APIKeyName, cfg.APIKey)

	if cfg.Logger != nil {
		rc.SetLogger(zapRestyLogger{cfg.Logger.Named("recordstore")})
	}

	return &Client{rc: rc}, nil
}

// ScanFilter selects scans by scan number and/or creation timestamp, per
// `GET /scans?scan_id=&created=`.
type ScanFilter struct {
	ScanID  *int
	Created *time.Time
}

// GetScans returns the scans matching filter. Per spec.md §4.1 step 3, the
// caller treats zero results as "create", one as "reuse", and more than
// one as an invariant violation — GetScans itself does not enforce that,
// it only reports what the store returned.
func (c *Client) GetScans(ctx context.Context, filter ScanFilter) ([]model.Scan, error) {
	req := c.rc.R().SetContext(ctx)
	if filter.ScanID != nil {
		req.SetQueryParam("scan_id", fmt.Sprintf("%d", *filter.ScanID))
	}
	if filter.Created != nil {
		req.SetQueryParam("created", filter.Created.Format(time.RFC3339))
	}

	var scans []model.Scan
	resp, err := req.SetResult(&scans).Get("/scans")
	if err != nil {
		return nil, fmt.Errorf("recordstore: get scans: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("recordstore: get scans: status %d", resp.StatusCode())
	}
	return scans, nil
}

// CreateScanRequest is the body of `POST /scans`.
type CreateScanRequest struct {
	ScanID    int              `json:"scan_id"`
	Created   time.Time        `json:"created"`
	LogFiles  int              `json:"log_files"`
	Locations []model.Location `json:"locations,omitempty"`
}

// CreateScan issues `POST /scans`.
func (c *Client) CreateScan(ctx context.Context, req CreateScanRequest) (model.Scan, error) {
	var scan model.Scan
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&scan).
		Post("/scans")
	if err != nil {
		return model.Scan{}, fmt.Errorf("recordstore: create scan: %w", err)
	}
	if resp.IsError() {
		return model.Scan{}, fmt.Errorf("recordstore: create scan: status %d", resp.StatusCode())
	}
	return scan, nil
}

// UpdateScanRequest is the partial body of `PATCH /scans/{id}`. Only
// non-nil fields are sent; the server applies its own monotonic/dedup
// guards described in spec.md §6.
type UpdateScanRequest struct {
	LogFiles  *int             `json:"log_files,omitempty"`
	Locations []model.Location `json:"locations,omitempty"`
	HaadfPath *string          `json:"haadf_path,omitempty"`
	Notes     *string          `json:"notes,omitempty"`
}

// UpdateScanResult mirrors the server's reported updated flag, so callers
// can tell a no-op PATCH (stale/duplicate event) from a real mutation.
type UpdateScanResult struct {
	Updated bool       `json:"updated"`
	Scan    model.Scan `json:"scan"`
}

// UpdateScan issues `PATCH /scans/{id}`.
func (c *Client) UpdateScan(ctx context.Context, id int, req UpdateScanRequest) (UpdateScanResult, error) {
	var result UpdateScanResult
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Patch(fmt.Sprintf("/scans/%d", id))
	if err != nil {
		return UpdateScanResult{}, fmt.Errorf("recordstore: update scan %d: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return UpdateScanResult{}, ErrNotFound
	}
	if resp.IsError() {
		return UpdateScanResult{}, fmt.Errorf("recordstore: update scan %d: status %d", id, resp.StatusCode())
	}
	return result, nil
}

// UpdateJobRequest is the partial body of `PATCH /jobs/{id}`.
type UpdateJobRequest struct {
	SchedulerID *string `json:"slurm_id,omitempty"`
	State       *string `json:"state,omitempty"`
	Elapsed     *string `json:"elapsed,omitempty"`
	Output      *string `json:"output,omitempty"`
}

// UpdateJob issues `PATCH /jobs/{id}`. A 404 response is mapped to
// ErrNotFound so callers can swallow it per spec.md §7 ("not one of
// ours") instead of treating it as a processing failure.
func (c *Client) UpdateJob(ctx context.Context, id int, req UpdateJobRequest) (model.Job, error) {
	var job model.Job
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&job).
		Patch(fmt.Sprintf("/jobs/%d", id))
	if err != nil {
		return model.Job{}, fmt.Errorf("recordstore: update job %d: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return model.Job{}, ErrNotFound
	}
	if resp.IsError() {
		return model.Job{}, fmt.Errorf("recordstore: update job %d: status %d", id, resp.StatusCode())
	}
	return job, nil
}

// GetJob issues `GET /jobs/{id}`.
func (c *Client) GetJob(ctx context.Context, id int) (model.Job, error) {
	var job model.Job
	resp, err := c.rc.R().SetContext(ctx).SetResult(&job).Get(fmt.Sprintf("/jobs/%d", id))
	if err != nil {
		return model.Job{}, fmt.Errorf("recordstore: get job %d: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return model.Job{}, ErrNotFound
	}
	if resp.IsError() {
		return model.Job{}, fmt.Errorf("recordstore: get job %d: status %d", id, resp.StatusCode())
	}
	return job, nil
}

// GetScan issues `GET /scans/{id}`, used by the Job Orchestrator
// reconciler to fetch the Scan whose creation date names the raw-data
// directory of a newly appended Location (grounded on the original app's
// crud.get_scan).
func (c *Client) GetScan(ctx context.Context, id int) (model.Scan, error) {
	var scan model.Scan
	resp, err := c.rc.R().SetContext(ctx).SetResult(&scan).Get(fmt.Sprintf("/scans/%d", id))
	if err != nil {
		return model.Scan{}, fmt.Errorf("recordstore: get scan %d: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return model.Scan{}, ErrNotFound
	}
	if resp.IsError() {
		return model.Scan{}, fmt.Errorf("recordstore: get scan %d: status %d", id, resp.StatusCode())
	}
	return scan, nil
}

// GetMachines issues `GET /machines`, returning the full machine catalog.
// The Job Orchestrator fetches this once per process and caches it
// (spec.md §4.2 step 1).
func (c *Client) GetMachines(ctx context.Context) ([]model.Machine, error) {
	var machines []model.Machine
	resp, err := c.rc.R().SetContext(ctx).SetResult(&machines).Get("/machines")
	if err != nil {
		return nil, fmt.Errorf("recordstore: get machines: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("recordstore: get machines: status %d", resp.StatusCode())
	}
	return machines, nil
}

// GetMachine issues `GET /machines/{name}`.
func (c *Client) GetMachine(ctx context.Context, name string) (model.Machine, error) {
	var machine model.Machine
	resp, err := c.rc.R().SetContext(ctx).SetResult(&machine).Get(fmt.Sprintf("/machines/%s", name))
	if err != nil {
		return model.Machine{}, fmt.Errorf("recordstore: get machine %s: %w", name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return model.Machine{}, ErrNotFound
	}
	if resp.IsError() {
		return model.Machine{}, fmt.Errorf("recordstore: get machine %s: status %d", name, resp.StatusCode())
	}
	return machine, nil
}

// UploadHaadfImage issues `POST /files/haadf` as a multipart upload of the
// rendered preview image for scanID, per spec.md §4.3 step 3.
func (c *Client) UploadHaadfImage(ctx context.Context, scanID int, png []byte) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetMultipartField("file", fmt.Sprintf("%d.png", scanID), "image/png", newByteReader(png)).
		SetContentLength(true).
		Post("/files/haadf")
	if err != nil {
		return fmt.Errorf("recordstore: upload haadf image for scan %d: %w", scanID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("recordstore: upload haadf image for scan %d: status %d", scanID, resp.StatusCode())
	}
	return nil
}
