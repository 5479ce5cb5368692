package sfapi

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/lbnl-ncem/still/internal/metrics"
	"github.com/lbnl-ncem/still/internal/model"
	"github.com/lbnl-ncem/still/internal/retry"
)

// baseTimeout is the per-attempt timeout for every SFAPI call; retries
// re-arm it (spec.md §6: "Each SFAPI call has a 10-second base timeout;
// retries re-arm the timeout").
const baseTimeout = 10 * time.Second

// DefaultBaseURL and DefaultTokenURL are the production NERSC
// Super-Facility API and OIDC token endpoints. Neither is part of
// spec.md's §6 configuration surface (only SFAPI_CLIENT_ID,
// SFAPI_PRIVATE_KEY, SFAPI_GRANT_TYPE, and SFAPI_USER are) — the source
// system's `sfapi_client` library hardcodes them the same way, so Config
// only overrides them for tests against a local httptest server.
const (
	DefaultBaseURL  = "https://api.nersc.gov/api/v1.2"
	DefaultTokenURL = "https://oidc.nersc.gov/c2id/token"
)

// Config holds the settings required to build a Client. BaseURL and
// Auth.TokenURL default to the production NERSC endpoints when empty.
type Config struct {
	BaseURL string
	Auth    AuthConfig
	Logger  *zap.Logger
}

// Client is the typed SFAPI REST client described by spec.md §6, wrapping
// every call in the shared exponential-backoff retry policy and resetting
// the OAuth2 token source before each retry, matching
// AsyncOAuth2Client.ensure_active_token being re-invoked on every call in
// the source system.
type Client struct {
	rc      *resty.Client
	source  oauth2.TokenSource
	authCfg AuthConfig
	logger  *zap.Logger
}

// New builds a Client against cfg, defaulting BaseURL and Auth.TokenURL to
// the production NERSC endpoints when left empty.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Auth.TokenURL == "" {
		cfg.Auth.TokenURL = DefaultTokenURL
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sfapi: logger is required")
	}

	source, err := newTokenSource(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(baseTimeout)

	return &Client{rc: rc, source: source, authCfg: cfg.Auth, logger: cfg.Logger.Named("sfapi")}, nil
}

// resetToken forces the next token fetch to hit the token endpoint again,
// used before every retry after the first (spec.md §7: "OAuth2 client
// reset before every retry after the first").
func (c *Client) resetToken() {
	source, err := newTokenSource(context.Background(), c.authCfg)
	if err != nil {
		c.logger.Warn("failed to reset SFAPI token source", zap.Error(err))
		return
	}
	c.source = source
}

// onRetry builds the retry.Do reset hook for operation, also recording the
// retry in metrics.SfapiRetriesTotal.
func (c *Client) onRetry(operation string) func() {
	return func() {
		metrics.SfapiRetriesTotal.WithLabelValues(operation).Inc()
		c.resetToken()
	}
}

func (c *Client) authorizedRequest(ctx context.Context) (*resty.Request, error) {
	tok, err := c.source.Token()
	if err != nil {
		return nil, fmt.Errorf("sfapi: fetching access token: %w", err)
	}
	return c.rc.R().SetContext(ctx).SetAuthToken(tok.AccessToken), nil
}

// SubmitJobRequest is the body of `POST /compute/jobs/{machine}`.
type SubmitJobRequest struct {
	Job    string `json:"job"`
	IsPath bool   `json:"isPath"`
}

// TaskResponse is the common envelope returned by both the submit and task
// polling endpoints.
type TaskResponse struct {
	Status string  `json:"status"`
	TaskID string  `json:"task_id"`
	Result *string `json:"result"`
	Error  string  `json:"error"`
}

// Error implements the error interface for a failed TaskResponse so
// callers can use errors.As against it.
type Error struct {
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("sfapi: %s", e.Message) }

// SubmitJob issues `POST /compute/jobs/{machine}` and returns the task id
// assigned by SFAPI for asynchronous polling (spec.md §4.2 step 2).
func (c *Client) SubmitJob(ctx context.Context, machine, jobPath string) (string, error) {
	var taskID string
	err := retry.Do(ctx, func(ctx context.Context) error {
		req, err := c.authorizedRequest(ctx)
		if err != nil {
			return err
		}

		var result TaskResponse
		resp, err := req.
			SetBody(SubmitJobRequest{Job: jobPath, IsPath: true}).
			SetResult(&result).
			Post(fmt.Sprintf("/compute/jobs/%s", machine))
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("sfapi: submit job: status %d", resp.StatusCode())
		}
		if result.Status != "ok" {
			return retry.Permanent(&Error{Message: result.Error})
		}
		taskID = result.TaskID
		return nil
	}, c.onRetry("submit_job"))
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// PollTask performs one `GET /tasks/{id}` poll under the shared retry
// policy. A nil Result means SFAPI has not yet finished processing the
// task.
func (c *Client) PollTask(ctx context.Context, taskID string) (TaskResponse, error) {
	var result TaskResponse
	err := retry.Do(ctx, func(ctx context.Context) error {
		req, err := c.authorizedRequest(ctx)
		if err != nil {
			return err
		}

		resp, err := req.SetResult(&result).Get(fmt.Sprintf("/tasks/%s", taskID))
		if err != nil {
			return fmt.Errorf("sfapi: poll task %s: %w", taskID, err)
		}
		if resp.IsError() {
			return fmt.Errorf("sfapi: poll task %s: status %d", taskID, resp.StatusCode())
		}
		if result.Status == "error" {
			return retry.Permanent(&Error{Message: result.Error})
		}
		return nil
	}, c.onRetry("poll_task"))
	if err != nil {
		return TaskResponse{}, err
	}
	return result, nil
}

// StatusResponse is the body of `GET /status/{machine}`.
type StatusResponse struct {
	Status string `json:"status"`
}

// MachineStatus issues `GET /status/{machine}`.
func (c *Client) MachineStatus(ctx context.Context, machine string) (StatusResponse, error) {
	var result StatusResponse
	err := retry.Do(ctx, func(ctx context.Context) error {
		req, err := c.authorizedRequest(ctx)
		if err != nil {
			return err
		}
		resp, err := req.SetResult(&result).Get(fmt.Sprintf("/status/%s", machine))
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("sfapi: machine status %s: status %d", machine, resp.StatusCode())
		}
		return nil
	}, c.onRetry("machine_status"))
	return result, err
}

// JobsQuery parameterizes `GET /compute/jobs/{machine}`.
type JobsQuery struct {
	User     string
	QOS      string
	UseSacct bool
}

// JobsResponse is the body of `GET /compute/jobs/{machine}`.
type JobsResponse struct {
	Status string           `json:"status"`
	Output []model.SfapiJob `json:"output"`
	Error  string           `json:"error"`
}

// ListJobs issues `GET /compute/jobs/{machine}` with the given query
// kwargs (spec.md §4.2 step 2: "kwargs=user=<sf-user> and optional
// qos=<filter>, and sacct=true"). On retry exhaustion the caller is
// expected to log and continue — ListJobs just returns the error.
func (c *Client) ListJobs(ctx context.Context, machine string, q JobsQuery) (JobsResponse, error) {
	var result JobsResponse
	err := retry.Do(ctx, func(ctx context.Context) error {
		req, err := c.authorizedRequest(ctx)
		if err != nil {
			return err
		}

		kwargs := []string{"user=" + q.User}
		if q.QOS != "" {
			kwargs = append(kwargs, "qos="+q.QOS)
		}
		req.SetQueryParamsFromValues(map[string][]string{"kwargs": kwargs})
		if q.UseSacct {
			req.SetQueryParam("sacct", "true")
		}

		resp, err := req.SetResult(&result).Get(fmt.Sprintf("/compute/jobs/%s", machine))
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("sfapi: list jobs %s: status %d", machine, resp.StatusCode())
		}
		return nil
	}, c.onRetry("list_jobs"))
	return result, err
}
