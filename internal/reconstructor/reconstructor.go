// Package reconstructor implements the Scan Reconstructor worker
// (spec.md §4.1): it turns a stream of per-file filesystem events plus
// periodic full-directory sync snapshots into durable logical "scan"
// records in the external record store, using three broker-backed
// key/value tables for idempotent, crash-resilient state.
package reconstructor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/broker"
	"github.com/lbnl-ncem/still/internal/kvtable"
	"github.com/lbnl-ncem/still/internal/metrics"
	"github.com/lbnl-ncem/still/internal/model"
	"github.com/lbnl-ncem/still/internal/recordstore"
)

// ScanStore is the subset of the record-store client the reconstructor
// needs. Narrowed to an interface so tests can substitute a fake.
type ScanStore interface {
	GetScans(ctx context.Context, filter recordstore.ScanFilter) ([]model.Scan, error)
	CreateScan(ctx context.Context, req recordstore.CreateScanRequest) (model.Scan, error)
	UpdateScan(ctx context.Context, id int, req recordstore.UpdateScanRequest) (recordstore.UpdateScanResult, error)
}

// EventPublisher is the subset of broker.Client the reconstructor needs
// to emit observability events.
type EventPublisher interface {
	Publish(ctx context.Context, topic broker.Topic, key string, value any) error
}

// Config wires a Reconstructor's collaborators.
type Config struct {
	Store               *kvtable.Store
	Scans               ScanStore
	Events              EventPublisher
	Logger              *zap.Logger
	CompletionThreshold int
}

// Reconstructor holds the three broker-backed tables described in
// spec.md's Data Model and drives the per-path state machine.
type Reconstructor struct {
	logFiles      *kvtable.Table[LogFileState]
	scanIDToID    *kvtable.Table[int]
	scanIDToFiles *kvtable.Table[pathSet]
	scans         ScanStore
	events        EventPublisher
	logger        *zap.Logger
	threshold     int
}

// New builds a Reconstructor, opening its three tables against cfg.Store.
// Changelog mirroring is wired through cfg.Events — every table mutation
// is also published to a per-table changelog topic. Nothing in this module
// reads those topics back; local state lives only in cfg.Store and is not
// rebuilt from the changelog.
func New(cfg Config) (*Reconstructor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reconstructor: store is required")
	}
	if cfg.Scans == nil {
		return nil, fmt.Errorf("reconstructor: record store client is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("reconstructor: logger is required")
	}

	threshold := cfg.CompletionThreshold
	if threshold == 0 {
		threshold = model.DefaultNumberOfLogFiles
	}

	r := &Reconstructor{
		scans:     cfg.Scans,
		events:    cfg.Events,
		logger:    cfg.Logger.Named("reconstructor"),
		threshold: threshold,
	}

	r.logFiles = kvtable.NewTable(cfg.Store, "log_files",
		func() LogFileState { return LogFileState{} },
		changelogHook[LogFileState](cfg.Events, "log_files-changelog"))
	r.scanIDToID = kvtable.NewTable(cfg.Store, "scan_id_to_id",
		func() int { return 0 },
		changelogHook[int](cfg.Events, "scan_id_to_id-changelog"))
	r.scanIDToFiles = kvtable.NewTable(cfg.Store, "scan_id_to_log_files",
		func() pathSet { return newPathSet() },
		changelogHook[pathSet](cfg.Events, "scan_id_to_log_files-changelog"))

	return r, nil
}

// changelogHook builds a kvtable.ChangelogFunc that mirrors mutations to
// topic, tolerating a nil publisher (used in tests that don't care about
// changelog fidelity).
func changelogHook[V any](pub EventPublisher, topic string) kvtable.ChangelogFunc[V] {
	if pub == nil {
		return nil
	}
	return func(ctx context.Context, key string, value *V) error {
		return pub.Publish(ctx, broker.Topic(topic), key, value)
	}
}

// HandleFileEvent processes one FileSystemEvent from the file-events
// topic (spec.md §4.1 "watch_for_logs").
func (r *Reconstructor) HandleFileEvent(ctx context.Context, event model.FileSystemEvent) error {
	if event.IsDirectory {
		return nil
	}

	metrics.FileEventsProcessedTotal.WithLabelValues(string(event.EventType)).Inc()

	switch event.EventType {
	case model.FileEventCreated, model.FileEventModified, model.FileEventClosed:
	case model.FileEventDeleted:
		return r.processDelete(ctx, event.SrcPath)
	default:
		return nil
	}

	state, err := r.logFiles.Get(ctx, event.SrcPath)
	if err != nil {
		return fmt.Errorf("reconstructor: loading state for %s: %w", event.SrcPath, err)
	}

	if state.Processed && state.HasCreated && state.Created.Equal(event.Created) {
		return nil
	}

	if state.isOverride(event.Created) {
		if err := r.processOverride(ctx, event.SrcPath); err != nil {
			return err
		}
		state = LogFileState{}
	}

	state.Created = event.Created
	state.HasCreated = true
	switch event.EventType {
	case model.FileEventCreated, model.FileEventModified:
		state.ReceivedCreated = true
	case model.FileEventClosed:
		state.ReceivedClosed = true
	}

	if state.ready() {
		if err := r.processLogFile(ctx, event.SrcPath, event.Created); err != nil {
			return err
		}
		state.Processed = true
	}

	return r.logFiles.Put(ctx, event.SrcPath, state)
}

// processLogFile implements spec.md §4.1's "Process-log-file procedure".
func (r *Reconstructor) processLogFile(ctx context.Context, path string, created time.Time) error {
	scanID, err := ExtractScanID(path)
	if err != nil {
		r.logger.Warn("skipping unparseable log file path", zap.String("path", path), zap.Error(err))
		return nil
	}

	files, err := r.scanIDToFiles.Get(ctx, intKey(scanID))
	if err != nil {
		return fmt.Errorf("reconstructor: loading path set for scan %d: %w", scanID, err)
	}
	if files == nil {
		files = newPathSet()
	}
	files.add(path)
	if err := r.scanIDToFiles.Put(ctx, intKey(scanID), files); err != nil {
		return fmt.Errorf("reconstructor: saving path set for scan %d: %w", scanID, err)
	}

	if IsPrimaryLogFile(path) {
		scans, err := r.scans.GetScans(ctx, recordstore.ScanFilter{ScanID: &scanID, Created: &created})
		if err != nil {
			return fmt.Errorf("reconstructor: looking up scan %d: %w", scanID, err)
		}

		switch len(scans) {
		case 0:
			scan, err := r.scans.CreateScan(ctx, recordstore.CreateScanRequest{
				ScanID:   scanID,
				Created:  created,
				LogFiles: files.len(),
			})
			if err != nil {
				return fmt.Errorf("reconstructor: creating scan %d: %w", scanID, err)
			}
			if err := r.scanIDToID.Put(ctx, intKey(scanID), scan.ID); err != nil {
				return fmt.Errorf("reconstructor: saving surrogate id for scan %d: %w", scanID, err)
			}
			metrics.ScansCreatedTotal.Inc()
		case 1:
			if err := r.scanIDToID.Put(ctx, intKey(scanID), scans[0].ID); err != nil {
				return fmt.Errorf("reconstructor: saving surrogate id for scan %d: %w", scanID, err)
			}
		default:
			metrics.InvariantViolationsTotal.Inc()
			r.logger.Error("invariant violation: multiple scans with same id and creation time",
				zap.Int("scan_id", scanID), zap.Time("created", created), zap.Error(ErrInvariantViolation))
			return nil
		}
	}

	if r.events != nil {
		if err := r.events.Publish(ctx, broker.TopicScanEvents, intKey(scanID),
			model.ScanEvent{ScanID: scanID, LogFiles: files.len()}); err != nil {
			return fmt.Errorf("reconstructor: publishing scan event for %d: %w", scanID, err)
		}
	}

	if surrogateID, err := r.scanIDToID.Get(ctx, intKey(scanID)); err == nil && surrogateID != 0 {
		logFiles := files.len()
		if _, err := r.scans.UpdateScan(ctx, surrogateID, recordstore.UpdateScanRequest{LogFiles: &logFiles}); err != nil {
			return fmt.Errorf("reconstructor: updating scan %d: %w", scanID, err)
		}
	}

	if model.ScanComplete(files.len(), r.threshold) {
		metrics.ScansCompletedTotal.Inc()
		r.logger.Info("transfer complete for scan", zap.Int("scan_id", scanID))
	}

	return nil
}

// processOverride purges all reconstructor state for the scan number path
// belongs to (spec.md §4.1, "OVERRIDE" transition).
func (r *Reconstructor) processOverride(ctx context.Context, path string) error {
	scanID, err := ExtractScanID(path)
	if err != nil {
		return nil
	}

	if err := r.scanIDToID.Delete(ctx, intKey(scanID)); err != nil {
		return fmt.Errorf("reconstructor: clearing surrogate id for scan %d: %w", scanID, err)
	}
	if err := r.scanIDToFiles.Delete(ctx, intKey(scanID)); err != nil {
		return fmt.Errorf("reconstructor: clearing path set for scan %d: %w", scanID, err)
	}

	keys, err := r.logFiles.Keys(ctx)
	if err != nil {
		return fmt.Errorf("reconstructor: listing log file keys: %w", err)
	}
	for _, k := range keys {
		if id, err := ExtractScanID(k); err == nil && id == scanID {
			if err := r.logFiles.Delete(ctx, k); err != nil {
				return fmt.Errorf("reconstructor: clearing log file state for %s: %w", k, err)
			}
		}
	}
	return nil
}

// processDelete implements spec.md §4.1's "Scan cleanup (on delete)".
func (r *Reconstructor) processDelete(ctx context.Context, path string) error {
	scanID, err := ExtractScanID(path)
	if err != nil {
		r.logger.Warn("skipping delete for unparseable path", zap.String("path", path), zap.Error(err))
		return nil
	}

	if err := r.logFiles.Delete(ctx, path); err != nil {
		return fmt.Errorf("reconstructor: deleting log file state for %s: %w", path, err)
	}

	files, err := r.scanIDToFiles.Get(ctx, intKey(scanID))
	if err != nil {
		return fmt.Errorf("reconstructor: loading path set for scan %d: %w", scanID, err)
	}
	if files == nil {
		return nil
	}
	files.remove(path)

	if files.len() == 0 {
		if err := r.scanIDToID.Delete(ctx, intKey(scanID)); err != nil {
			return fmt.Errorf("reconstructor: clearing surrogate id for scan %d: %w", scanID, err)
		}
		if err := r.scanIDToFiles.Delete(ctx, intKey(scanID)); err != nil {
			return fmt.Errorf("reconstructor: clearing path set for scan %d: %w", scanID, err)
		}
		r.logger.Info("scan removed", zap.Int("scan_id", scanID))
		return nil
	}

	return r.scanIDToFiles.Put(ctx, intKey(scanID), files)
}

// HandleSyncEvent processes one full-snapshot SyncEvent (spec.md §4.1
// "Sync-event procedure").
func (r *Reconstructor) HandleSyncEvent(ctx context.Context, event model.SyncEvent) error {
	present := make(map[string]time.Time, len(event.Files))
	for _, f := range event.Files {
		present[f.Path] = f.Created
	}

	keys, err := r.logFiles.Keys(ctx)
	if err != nil {
		return fmt.Errorf("reconstructor: listing log file keys: %w", err)
	}
	for _, k := range keys {
		if _, ok := present[k]; !ok {
			if err := r.processDelete(ctx, k); err != nil {
				return err
			}
		}
	}

	for _, f := range event.Files {
		state, err := r.logFiles.Get(ctx, f.Path)
		if err != nil {
			return fmt.Errorf("reconstructor: loading state for %s: %w", f.Path, err)
		}
		if state.Processed && state.HasCreated && state.Created.Equal(f.Created) {
			continue
		}

		if state.isOverride(f.Created) {
			if err := r.processOverride(ctx, f.Path); err != nil {
				return err
			}
		}

		if err := r.processLogFile(ctx, f.Path, f.Created); err != nil {
			return err
		}

		fastForwarded := LogFileState{
			Created:         f.Created,
			HasCreated:      true,
			ReceivedCreated: true,
			ReceivedClosed:  true,
			Processed:       true,
		}
		if err := r.logFiles.Put(ctx, f.Path, fastForwarded); err != nil {
			return fmt.Errorf("reconstructor: saving fast-forwarded state for %s: %w", f.Path, err)
		}
	}

	return nil
}

func intKey(n int) string { return fmt.Sprintf("%d", n) }

// ErrInvariantViolation is logged (never returned or retried) when the
// record store reports more than one scan for a (scan_id, created) pair;
// the event is then skipped.
var ErrInvariantViolation = errors.New("reconstructor: invariant violation at record store")
