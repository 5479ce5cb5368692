package haadfworker

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/model"
	"github.com/lbnl-ncem/still/internal/recordstore"
)

type fakeScanStore struct {
	uploaded  map[int][]byte
	notes     map[int]string
	updateErr error
}

func newFakeScanStore() *fakeScanStore {
	return &fakeScanStore{uploaded: map[int][]byte{}, notes: map[int]string{}}
}

func (f *fakeScanStore) UpdateScan(_ context.Context, id int, req recordstore.UpdateScanRequest) (recordstore.UpdateScanResult, error) {
	if req.Notes != nil {
		f.notes[id] = *req.Notes
	}
	return recordstore.UpdateScanResult{Updated: true}, f.updateErr
}

func (f *fakeScanStore) UploadHaadfImage(_ context.Context, scanID int, png []byte) error {
	f.uploaded[scanID] = png
	return nil
}

// writeSyntheticDM4 writes a minimal valid DM4 file at path with a single
// ImageData group of the given dimensions, mirroring the construction in
// internal/haadfworker/dm4's own tests.
func writeSyntheticDM4(t *testing.T, path string, width, height int, pixels []uint16) {
	t.Helper()

	tagDelim := "%%%%"
	u64 := func(buf *bytes.Buffer, v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
	u16 := func(buf *bytes.Buffer, v uint16) {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], v)
		buf.Write(b[:])
	}
	name := func(buf *bytes.Buffer, s string) {
		u16(buf, uint16(len(s)))
		buf.WriteString(s)
	}
	scalarTag := func(buf *bytes.Buffer, value uint32) {
		buf.WriteByte(0x15)
		name(buf, "")
		var body bytes.Buffer
		body.WriteString(tagDelim)
		u64(&body, 1)
		u64(&body, 5) // typeUInt
		var v [4]byte
		binary.LittleEndian.PutUint32(v[:], value)
		body.Write(v[:])
		u64(buf, uint64(body.Len()))
		buf.Write(body.Bytes())
	}
	arrayTag := func(buf *bytes.Buffer, tagName string, values []uint16) {
		buf.WriteByte(0x15)
		name(buf, tagName)
		var body bytes.Buffer
		body.WriteString(tagDelim)
		u64(&body, 3)
		u64(&body, 20) // typeArray
		u64(&body, 4)  // typeUShort
		u64(&body, uint64(len(values)))
		for _, v := range values {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], v)
			body.Write(b[:])
		}
		u64(buf, uint64(body.Len()))
		buf.Write(body.Bytes())
	}

	var dims bytes.Buffer
	dims.WriteByte(1)
	dims.WriteByte(0)
	u64(&dims, 2)
	scalarTag(&dims, uint32(width))
	scalarTag(&dims, uint32(height))

	var imageData bytes.Buffer
	imageData.WriteByte(1)
	imageData.WriteByte(0)
	u64(&imageData, 2)
	imageData.WriteByte(0x14)
	name(&imageData, "Dimensions")
	u64(&imageData, uint64(dims.Len()))
	imageData.Write(dims.Bytes())
	arrayTag(&imageData, "Data", pixels)

	var root bytes.Buffer
	root.WriteByte(1)
	root.WriteByte(0)
	u64(&root, 1)
	root.WriteByte(0x14)
	name(&root, "ImageData")
	u64(&root, uint64(imageData.Len()))
	root.Write(imageData.Bytes())

	var file bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 4)
	file.Write(hdr[:])
	u64(&file, uint64(root.Len()))
	var order [4]byte
	binary.BigEndian.PutUint32(order[:], 1)
	file.Write(order[:])
	file.Write(root.Bytes())

	require.NoError(t, os.WriteFile(path, file.Bytes(), 0o640))
}

func TestHandleEventUploadsAndDeletesSource(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "scan.dm4")
	writeSyntheticDM4(t, srcPath, 2, 2, []uint16{0, 100, 200, 300})

	store := newFakeScanStore()
	w := New(Config{Store: store, TempDir: dir, Logger: zap.NewNop()})

	err := w.HandleEvent(context.Background(), model.HaadfEvent{Path: srcPath, ScanID: 7})
	require.NoError(t, err)

	assert.NotEmpty(t, store.uploaded[7])

	assert.Eventually(t, func() bool {
		_, statErr := os.Stat(srcPath)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 10*time.Millisecond, "source file should be deleted asynchronously")
}

func TestResolveSourcePathJoinsRelativeEventPathUnderDataRoot(t *testing.T) {
	w := New(Config{DataPath: "/ncemhub/dm4", AcquisitionUser: "smith", Logger: zap.NewNop()})
	assert.Equal(t, "/ncemhub/dm4/smith/2024/scan.dm4", w.resolveSourcePath("2024/scan.dm4"))
}

func TestResolveSourcePathLeavesAbsoluteEventPathUntouched(t *testing.T) {
	w := New(Config{DataPath: "/ncemhub/dm4", AcquisitionUser: "smith", Logger: zap.NewNop()})
	assert.Equal(t, "/data/raw/scan.dm4", w.resolveSourcePath("/data/raw/scan.dm4"))
}
