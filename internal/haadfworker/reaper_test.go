package haadfworker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReaperDeletesOnlyExpiredPreviewFiles(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "1.png")
	fresh := filepath.Join(dir, "2.png")
	other := filepath.Join(dir, "3.dm4")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o640))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o640))
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o640))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	r := NewReaper(dir, time.Hour, zap.NewNop())
	r.sweep()

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale preview should be removed")

	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh preview should survive")

	_, err = os.Stat(other)
	assert.NoError(t, err, "non-png files should be left alone")
}

func TestReaperRunDisabledWhenExpirationNonPositive(t *testing.T) {
	dir := t.TempDir()
	r := NewReaper(dir, 0, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Run(ctx)
}
