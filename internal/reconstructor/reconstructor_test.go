package reconstructor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/kvtable"
	"github.com/lbnl-ncem/still/internal/model"
	"github.com/lbnl-ncem/still/internal/recordstore"
)

// fakeScanStore is an in-memory stand-in for the record-store REST client,
// modeling just enough of its monotonic-update semantics (spec.md §6) to
// exercise the reconstructor's invariants.
type fakeScanStore struct {
	nextID  int
	scans   map[int]model.Scan
	creates int
	updates int
}

func newFakeScanStore() *fakeScanStore {
	return &fakeScanStore{scans: make(map[int]model.Scan)}
}

func (f *fakeScanStore) GetScans(ctx context.Context, filter recordstore.ScanFilter) ([]model.Scan, error) {
	var out []model.Scan
	for _, s := range f.scans {
		if filter.ScanID != nil && s.ScanID != *filter.ScanID {
			continue
		}
		if filter.Created != nil && !s.Created.Equal(*filter.Created) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeScanStore) CreateScan(ctx context.Context, req recordstore.CreateScanRequest) (model.Scan, error) {
	f.nextID++
	f.creates++
	scan := model.Scan{ID: f.nextID, ScanID: req.ScanID, Created: req.Created, LogFiles: req.LogFiles}
	f.scans[scan.ID] = scan
	return scan, nil
}

func (f *fakeScanStore) UpdateScan(ctx context.Context, id int, req recordstore.UpdateScanRequest) (recordstore.UpdateScanResult, error) {
	scan := f.scans[id]
	updated := false
	if req.LogFiles != nil && *req.LogFiles > scan.LogFiles {
		scan.LogFiles = *req.LogFiles
		updated = true
		f.updates++
	}
	f.scans[id] = scan
	return recordstore.UpdateScanResult{Updated: updated, Scan: scan}, nil
}

func newTestReconstructor(t *testing.T) (*Reconstructor, *fakeScanStore) {
	t.Helper()
	store, err := kvtable.Open(kvtable.Config{DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	scans := newFakeScanStore()
	r, err := New(Config{
		Store:  store,
		Scans:  scans,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return r, scans
}

func TestHappyPathSingleScan(t *testing.T) {
	r, scans := newTestReconstructor(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{
		EventType: model.FileEventCreated,
		SrcPath:   "/data/log_0001_primary.data",
		Created:   created,
	}))
	require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{
		EventType: model.FileEventClosed,
		SrcPath:   "/data/log_0001_primary.data",
		Created:   created,
	}))

	assert.Equal(t, 1, scans.creates)
	var found model.Scan
	for _, s := range scans.scans {
		found = s
	}
	assert.Equal(t, 1, found.ScanID)
	assert.Equal(t, 1, found.LogFiles)

	state, err := r.logFiles.Get(ctx, "/data/log_0001_primary.data")
	require.NoError(t, err)
	assert.True(t, state.Processed)
}

func TestDuplicatePrimaryEventDoesNotDuplicateScan(t *testing.T) {
	r, scans := newTestReconstructor(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	path := "/data/log_0001_primary.data"

	for i := 0; i < 2; i++ {
		require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventCreated, SrcPath: path, Created: created}))
		require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventClosed, SrcPath: path, Created: created}))
	}

	assert.Equal(t, 1, scans.creates)
}

func TestOverrideResetsScanState(t *testing.T) {
	r, scans := newTestReconstructor(t)
	ctx := context.Background()
	path := "/data/log_0001_primary.data"
	first := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	second := time.Date(2024, 1, 2, 3, 5, 0, 0, time.UTC)

	require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventCreated, SrcPath: path, Created: first}))
	require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventClosed, SrcPath: path, Created: first}))
	assert.Equal(t, 1, scans.creates)

	require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventCreated, SrcPath: path, Created: second}))
	require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventClosed, SrcPath: path, Created: second}))

	assert.Equal(t, 2, scans.creates)
}

func TestCompletionThreshold(t *testing.T) {
	r, scans := newTestReconstructor(t)
	r.threshold = 3
	ctx := context.Background()
	created := time.Now().UTC()

	paths := []string{
		"/data/log_0042_primary.data",
		"/data/log_0042_aux1.data",
		"/data/log_0042_aux2.data",
	}
	for _, p := range paths {
		require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventCreated, SrcPath: p, Created: created}))
		require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventClosed, SrcPath: p, Created: created}))
	}

	var found model.Scan
	for _, s := range scans.scans {
		found = s
	}
	assert.Equal(t, 3, found.LogFiles)
}

func TestSyncEventReconcilesDeletesAndAdditions(t *testing.T) {
	r, _ := newTestReconstructor(t)
	ctx := context.Background()
	created := time.Now().UTC()

	for _, p := range []string{"/data/log_0007_a.data", "/data/log_0007_b.data", "/data/log_0007_c.data"} {
		require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventCreated, SrcPath: p, Created: created}))
		require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventClosed, SrcPath: p, Created: created}))
	}

	require.NoError(t, r.HandleSyncEvent(ctx, model.SyncEvent{Files: []model.SyncFile{
		{Path: "/data/log_0007_b.data", Created: created},
		{Path: "/data/log_0007_c.data", Created: created},
		{Path: "/data/log_0007_d.data", Created: created},
	}}))

	files, err := r.scanIDToFiles.Get(ctx, intKey(7))
	require.NoError(t, err)
	assert.Contains(t, files, "/data/log_0007_b.data")
	assert.Contains(t, files, "/data/log_0007_c.data")
	assert.Contains(t, files, "/data/log_0007_d.data")
	assert.NotContains(t, files, "/data/log_0007_a.data")
}

func TestDeleteLastPathRemovesScanTablesButNotStoredScan(t *testing.T) {
	r, scans := newTestReconstructor(t)
	ctx := context.Background()
	path := "/data/log_0099_primary.data"
	created := time.Now().UTC()

	require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventCreated, SrcPath: path, Created: created}))
	require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventClosed, SrcPath: path, Created: created}))
	assert.Equal(t, 1, scans.creates)

	require.NoError(t, r.HandleFileEvent(ctx, model.FileSystemEvent{EventType: model.FileEventDeleted, SrcPath: path}))

	keys, err := r.scanIDToFiles.Keys(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, intKey(99))

	assert.Len(t, scans.scans, 1)
}

func TestExtractScanID(t *testing.T) {
	id, err := ExtractScanID("/a/b/log_0042_primary.data")
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	_, err = ExtractScanID("/a/b/no-scan-here.data")
	assert.ErrorIs(t, err, ErrUnparseableScanID)
}

func TestIsPrimaryLogFile(t *testing.T) {
	assert.True(t, IsPrimaryLogFile("log_0001_primary.data"))
	assert.False(t, IsPrimaryLogFile("log_0001_aux.data"))
}
