// Package haadfworker implements the HAADF Image Worker (spec.md §4.3): on
// each event naming a microscopy data file, it renders a false-color
// preview PNG and uploads it to the record store.
package haadfworker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/haadfworker/dm4"
	"github.com/lbnl-ncem/still/internal/metrics"
	"github.com/lbnl-ncem/still/internal/model"
	"github.com/lbnl-ncem/still/internal/recordstore"
)

// ScanStore is the subset of the record-store client the worker needs to
// complete SPEC_FULL.md item 5 (pixel-size metadata).
type ScanStore interface {
	UpdateScan(ctx context.Context, id int, req recordstore.UpdateScanRequest) (recordstore.UpdateScanResult, error)
	UploadHaadfImage(ctx context.Context, scanID int, png []byte) error
}

// Config wires the worker's collaborators.
type Config struct {
	Store ScanStore
	// TempDir is where rendered preview PNGs are staged before upload
	// (HAADF_IMAGE_UPLOAD_DIR).
	TempDir string
	// DataPath is the root directory microscopy data files live under
	// (HAADF_NCEMHUB_DM4_DATA_PATH). A relative event path is resolved
	// against DataPath/AcquisitionUser; an already-absolute event path is
	// used as-is.
	DataPath string
	// AcquisitionUser is the per-instrument account name whose subtree of
	// DataPath holds the raw DM4 files (ACQUISITION_USER).
	AcquisitionUser string
	Logger          *zap.Logger
}

// Worker processes events from the haadf-file-events topic.
type Worker struct {
	cfg Config
}

// New builds a Worker.
func New(cfg Config) *Worker {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Worker{cfg: cfg}
}

// resolveSourcePath joins a relative event path onto the configured
// acquisition data root; an already-absolute path is left untouched.
func (w *Worker) resolveSourcePath(path string) string {
	if filepath.IsAbs(path) || w.cfg.DataPath == "" {
		return path
	}
	return filepath.Join(w.cfg.DataPath, w.cfg.AcquisitionUser, path)
}

// HandleEvent implements spec.md §4.3 steps 1-4.
func (w *Worker) HandleEvent(ctx context.Context, event model.HaadfEvent) error {
	timer := metrics.NewTimer()

	sourcePath := w.resolveSourcePath(event.Path)

	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("haadfworker: opening %s: %w", sourcePath, err)
	}
	img, err := dm4.Read(f)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("haadfworker: reading %s: %w", sourcePath, err)
	}
	if closeErr != nil {
		w.cfg.Logger.Warn("closing source file failed", zap.String("path", sourcePath), zap.Error(closeErr))
	}

	png, err := renderPNG(img)
	if err != nil {
		return fmt.Errorf("haadfworker: rendering preview for scan %d: %w", event.ScanID, err)
	}
	timer.ObserveDuration(metrics.HaadfRenderDuration)

	tmpPath := filepath.Join(w.cfg.TempDir, fmt.Sprintf("%d.png", event.ScanID))
	if err := os.WriteFile(tmpPath, png, 0o640); err != nil {
		return fmt.Errorf("haadfworker: writing %s: %w", tmpPath, err)
	}
	defer os.Remove(tmpPath) //nolint:errcheck

	if err := w.cfg.Store.UploadHaadfImage(ctx, event.ScanID, png); err != nil {
		return fmt.Errorf("haadfworker: uploading preview for scan %d: %w", event.ScanID, err)
	}
	metrics.HaadfImagesRenderedTotal.Inc()

	if img.HasPixelSize {
		notes := fmt.Sprintf("pixel_size_x=%g pixel_size_y=%g", img.PixelSizeX, img.PixelSizeY)
		if _, err := w.cfg.Store.UpdateScan(ctx, event.ScanID, recordstore.UpdateScanRequest{Notes: &notes}); err != nil {
			w.cfg.Logger.Warn("recording pixel size failed", zap.Int("scan_id", event.ScanID), zap.Error(err))
		}
	}

	go w.deleteSourceAsync(sourcePath)
	return nil
}

// deleteSourceAsync implements spec.md §4.3 step 4: "delete the original
// source file asynchronously (best-effort; failure logged)".
func (w *Worker) deleteSourceAsync(path string) {
	if err := os.Remove(path); err != nil {
		metrics.HaadfSourceDeleteFailuresTotal.Inc()
		w.cfg.Logger.Warn("deleting source file failed", zap.String("path", path), zap.Error(err))
	}
}
