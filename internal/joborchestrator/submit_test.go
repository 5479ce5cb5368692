package joborchestrator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/model"
	"github.com/lbnl-ncem/still/internal/recordstore"
	"github.com/lbnl-ncem/still/internal/sfapi"
)

type fakeJobStore struct {
	updateRequests []recordstore.UpdateJobRequest
}

func (f *fakeJobStore) UpdateJob(ctx context.Context, id int, req recordstore.UpdateJobRequest) (model.Job, error) {
	f.updateRequests = append(f.updateRequests, req)
	return model.Job{ID: id, SchedulerID: ""}, nil
}

// testSFAPIServer builds an httptest server standing in for both the
// OAuth2 token endpoint and the SFAPI REST API, along with a matching
// sfapi.Client pointed at it.
func testSFAPIServer(t *testing.T, submitJobIDs string) (*httptest.Server, *sfapi.Client) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/compute/jobs/cori", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "task_id": "task-1"})
	})
	mux.HandleFunc("/tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		result := `{"status":"ok","jobid":"` + submitJobIDs + `"}`
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "task_id": "task-1", "result": result})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := sfapi.New(context.Background(), sfapi.Config{
		BaseURL: server.URL,
		Auth: sfapi.AuthConfig{
			TokenURL:      server.URL + "/token",
			ClientID:      "test-client",
			PrivateKeyPEM: string(pemBytes),
			GrantType:     "client_credentials",
		},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return server, client
}

// S5: submitting a job renders its scripts, submits it to SFAPI, polls
// until a scheduler id is assigned, and PATCHes it back onto the job
// (spec.md §4.2 steps 1-6).
func TestHandleSubmitJobEventHappyPath(t *testing.T) {
	_, sfapiClient := testSFAPIServer(t, "123456")

	machineStore := &fakeMachineStore{machines: []model.Machine{{Name: "cori", BbcpDestDir: t.TempDir(), QOSFilter: "regular"}}}
	machines := NewMachineCatalog(machineStore, "", "", "", zap.NewNop())
	jobs := &fakeJobStore{}

	submitter := NewSubmitter(SubmitConfig{
		Machines:            machines,
		Jobs:                jobs,
		SFAPI:               sfapiClient,
		ScriptDirectory:     t.TempDir(),
		RawDataPath:         t.TempDir(),
		CountDataPath:       t.TempDir(),
		BbcpExecutablePath:  "/usr/bin/bbcp",
		BbcpNumberOfStreams: 4,
		JobCountScriptPath:  "/opt/still/count.py",
		Logger:              zap.NewNop(),
	})

	event := model.SubmitJobEvent{
		Job:  model.Job{ID: 1, ScanID: 7, JobType: model.JobTypeTransfer, Machine: "cori"},
		Scan: model.Scan{ID: 7},
	}

	err := submitter.HandleSubmitJobEvent(context.Background(), event)
	require.NoError(t, err)

	require.Len(t, jobs.updateRequests, 1)
	require.NotNil(t, jobs.updateRequests[0].SchedulerID)
	assert.Equal(t, "123456", *jobs.updateRequests[0].SchedulerID)
}

// P7: if SFAPI submission fails outright, the event is dropped (logged,
// not retried as a poison message) and no scheduler id is ever PATCHed.
func TestHandleSubmitJobEventSubmitFailureDoesNotPatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "t", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/compute/jobs/cori", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	sfapiClient, err := sfapi.New(context.Background(), sfapi.Config{
		BaseURL: server.URL,
		Auth: sfapi.AuthConfig{
			TokenURL:      server.URL + "/token",
			ClientID:      "test-client",
			PrivateKeyPEM: string(pemBytes),
			GrantType:     "client_credentials",
		},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	machineStore := &fakeMachineStore{machines: []model.Machine{{Name: "cori", BbcpDestDir: t.TempDir()}}}
	machines := NewMachineCatalog(machineStore, "", "", "", zap.NewNop())
	jobs := &fakeJobStore{}

	submitter := NewSubmitter(SubmitConfig{
		Machines:            machines,
		Jobs:                jobs,
		SFAPI:               sfapiClient,
		ScriptDirectory:     t.TempDir(),
		RawDataPath:         t.TempDir(),
		CountDataPath:       t.TempDir(),
		BbcpExecutablePath:  "/usr/bin/bbcp",
		BbcpNumberOfStreams: 4,
		JobCountScriptPath:  "/opt/still/count.py",
		Logger:              zap.NewNop(),
	})

	event := model.SubmitJobEvent{
		Job:  model.Job{ID: 2, ScanID: 8, JobType: model.JobTypeCount, Machine: "cori"},
		Scan: model.Scan{ID: 8},
	}

	err = submitter.HandleSubmitJobEvent(context.Background(), event)
	require.NoError(t, err, "submission failures are logged and swallowed, not returned as a processing error")
	assert.Empty(t, jobs.updateRequests)
}

func TestDestinationDirectory(t *testing.T) {
	submitter := NewSubmitter(SubmitConfig{RawDataPath: "/raw", CountDataPath: "/counts"})

	scan := model.Scan{Created: mustParseTime(t, "2026-01-15T10:00:00Z")}

	transferDir := submitter.destinationDirectory(model.Job{JobType: model.JobTypeTransfer}, scan)
	assert.Contains(t, transferDir, "/raw")
	assert.Contains(t, transferDir, "2026-01-15")

	countDir := submitter.destinationDirectory(model.Job{JobType: model.JobTypeCount}, scan)
	assert.Contains(t, countDir, "/counts")
}

func TestDestinationDirectoryCountPrefersScratchDir(t *testing.T) {
	submitter := NewSubmitter(SubmitConfig{CountDataPath: "/counts", CountScratchDir: "/scratch/counts"})
	scan := model.Scan{Created: mustParseTime(t, "2026-01-15T10:00:00Z")}

	dir := submitter.destinationDirectory(model.Job{JobType: model.JobTypeCount}, scan)
	assert.Contains(t, dir, "/scratch/counts")
}

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func TestStripSelfHostLocations(t *testing.T) {
	locations := []model.Location{{Host: "cori", Path: "/a"}, {Host: "perlmutter", Path: "/b"}}
	out := stripSelfHostLocations(locations, "cori")
	require.Len(t, out, 1)
	assert.Equal(t, "perlmutter", out[0].Host)
}
