package joborchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/model"
	"github.com/lbnl-ncem/still/internal/recordstore"
)

type fakeReconcileStore struct {
	jobs  map[int]model.Job
	scans map[int]model.Scan

	updateJobRequests  []recordstore.UpdateJobRequest
	updateScanRequests []recordstore.UpdateScanRequest
}

func (f *fakeReconcileStore) GetJob(ctx context.Context, id int) (model.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, recordstore.ErrNotFound
	}
	return j, nil
}

func (f *fakeReconcileStore) GetScan(ctx context.Context, id int) (model.Scan, error) {
	s, ok := f.scans[id]
	if !ok {
		return model.Scan{}, recordstore.ErrNotFound
	}
	return s, nil
}

func (f *fakeReconcileStore) UpdateJob(ctx context.Context, id int, req recordstore.UpdateJobRequest) (model.Job, error) {
	f.updateJobRequests = append(f.updateJobRequests, req)
	j := f.jobs[id]
	if req.State != nil {
		j.State = *req.State
	}
	f.jobs[id] = j
	return j, nil
}

func (f *fakeReconcileStore) UpdateScan(ctx context.Context, id int, req recordstore.UpdateScanRequest) (recordstore.UpdateScanResult, error) {
	f.updateScanRequests = append(f.updateScanRequests, req)
	return recordstore.UpdateScanResult{Updated: true}, nil
}

func newTestReconciler(t *testing.T, store ReconcileStore) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcileConfig{
		Store:       store,
		RawDataPath: "/data/raw",
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return r
}

// S6: a completed transfer job triggers appendTransferLocation, adding a
// Location for the destination machine pointing at the scan's raw-data
// directory (spec.md §4.2 step 3's final bullet).
func TestReconcileJobCompletedTransferAppendsLocation(t *testing.T) {
	store := &fakeReconcileStore{
		jobs:  map[int]model.Job{42: {ID: 42, ScanID: 7}},
		scans: map[int]model.Scan{7: {ID: 7}},
	}
	r := newTestReconciler(t, store)

	job := model.SfapiJob{Workdir: "/scratch/jobs/42", State: "COMPLETED", Name: "transfer-job"}
	err := r.reconcileJob(context.Background(), "cori", job)
	require.NoError(t, err)

	require.Len(t, store.updateScanRequests, 1)
	require.Len(t, store.updateScanRequests[0].Locations, 1)
	assert.Equal(t, "cori", store.updateScanRequests[0].Locations[0].Host)

	r.mu.Lock()
	assert.True(t, r.completedJobs[42])
	r.mu.Unlock()
}

// A cancelled-by-uid state collapses to CANCELLED and is treated as
// terminal, but does not append a transfer location since the job name
// doesn't contain "transfer".
func TestReconcileJobCancelledCollapsesStateAndSkipsLocation(t *testing.T) {
	store := &fakeReconcileStore{
		jobs:  map[int]model.Job{9: {ID: 9, ScanID: 1}},
		scans: map[int]model.Scan{1: {ID: 1}},
	}
	r := newTestReconciler(t, store)

	job := model.SfapiJob{Workdir: "/scratch/jobs/9", State: "CANCELLED by 12345", Name: "count-job"}
	err := r.reconcileJob(context.Background(), "cori", job)
	require.NoError(t, err)

	require.Len(t, store.updateJobRequests, 1)
	require.Equal(t, "CANCELLED", *store.updateJobRequests[0].State)
	assert.Empty(t, store.updateScanRequests)
}

// A still-running job is updated but not marked completed, and is not
// skipped on the next reconcile tick.
func TestReconcileJobRunningIsNotMarkedCompleted(t *testing.T) {
	store := &fakeReconcileStore{
		jobs:  map[int]model.Job{3: {ID: 3, ScanID: 2}},
		scans: map[int]model.Scan{2: {ID: 2}},
	}
	r := newTestReconciler(t, store)

	job := model.SfapiJob{Workdir: "/scratch/jobs/3", State: "RUNNING", Name: "count-job"}
	err := r.reconcileJob(context.Background(), "cori", job)
	require.NoError(t, err)

	r.mu.Lock()
	assert.False(t, r.completedJobs[3])
	r.mu.Unlock()
}

// A job already marked completed is skipped entirely on subsequent ticks.
func TestReconcileJobAlreadyCompletedIsSkipped(t *testing.T) {
	store := &fakeReconcileStore{
		jobs:  map[int]model.Job{5: {ID: 5, ScanID: 1}},
		scans: map[int]model.Scan{1: {ID: 1}},
	}
	r := newTestReconciler(t, store)
	r.completedJobs[5] = true

	job := model.SfapiJob{Workdir: "/scratch/jobs/5", State: "COMPLETED", Name: "transfer-job"}
	err := r.reconcileJob(context.Background(), "cori", job)
	require.NoError(t, err)

	assert.Empty(t, store.updateJobRequests)
	assert.Empty(t, store.updateScanRequests)
}

// If the job was deleted from the record store by the time reconciliation
// runs, appendTransferLocation is a no-op rather than an error (spec.md
// §7 error-kind for "referenced entity vanished mid-pipeline").
func TestAppendTransferLocationJobGone(t *testing.T) {
	store := &fakeReconcileStore{jobs: map[int]model.Job{}, scans: map[int]model.Scan{}}
	r := newTestReconciler(t, store)

	err := r.appendTransferLocation(context.Background(), 999, "cori")
	require.NoError(t, err)
	assert.Empty(t, store.updateScanRequests)
}

func TestExtractJobID(t *testing.T) {
	id, ok := extractJobID("/scratch/jobs/42")
	require.True(t, ok)
	assert.Equal(t, 42, id)

	_, ok = extractJobID("/scratch/jobs/not-a-number")
	assert.False(t, ok)
}

func TestNormalizeState(t *testing.T) {
	assert.Equal(t, "CANCELLED", normalizeState("CANCELLED by 12345"))
	assert.Equal(t, "RUNNING", normalizeState("RUNNING"))
}
