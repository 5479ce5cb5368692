package haadfworker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// sweepInterval governs how often the reaper scans TempDir for stale
// staging files. Independent of expiration window — a hardcoded cadence
// that just needs to be comfortably shorter than any configured expiration.
const sweepInterval = 10 * time.Minute

// Reaper deletes preview PNGs left behind in the upload staging directory
// (HAADF_IMAGE_UPLOAD_DIR) past their configured lifetime
// (HAADF_IMAGE_UPLOAD_DIR_EXPIRATION_HOURS). Normal processing already
// removes its own staging file after a successful upload; this is a
// safety net for files orphaned by a crash between write and upload.
type Reaper struct {
	dir        string
	expiration time.Duration
	logger     *zap.Logger
}

// NewReaper builds a Reaper. A non-positive expiration disables sweeping.
func NewReaper(dir string, expiration time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{dir: dir, expiration: expiration, logger: logger.Named("haadfworker.reaper")}
}

// Run sweeps dir on sweepInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r.expiration <= 0 {
		return
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	r.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Warn("reading upload directory failed", zap.String("dir", r.dir), zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-r.expiration)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".png" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			r.logger.Warn("deleting stale preview file failed", zap.String("path", path), zap.Error(err))
			continue
		}
		r.logger.Info("deleted stale preview file", zap.String("path", path))
	}
}
