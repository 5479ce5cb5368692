package dm4

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter builds a minimal but structurally valid DM4 byte stream with a
// single ImageData group, so Read can be exercised without a real
// acquisition file.
type fakeWriter struct {
	buf bytes.Buffer
}

func (w *fakeWriter) u8(v byte)    { w.buf.WriteByte(v) }
func (w *fakeWriter) u16(v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); w.buf.Write(b[:]) }
func (w *fakeWriter) u32(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *fakeWriter) u64(v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }

func (w *fakeWriter) name(s string) {
	w.u16(uint16(len(s)))
	w.buf.WriteString(s)
}

// scalarTag writes a named UInt32 scalar data tag.
func (w *fakeWriter) scalarTag(name string, value uint32) {
	w.u8(0x15)
	w.name(name)
	var body bytes.Buffer
	body.WriteString(tagDelimiter)
	var infoBuf [8]byte
	binary.BigEndian.PutUint64(infoBuf[:], 1) // info array length
	body.Write(infoBuf[:])
	binary.BigEndian.PutUint64(infoBuf[:], uint64(typeUInt))
	body.Write(infoBuf[:])
	var valBuf [4]byte
	binary.LittleEndian.PutUint32(valBuf[:], value) // value order = file order (little)
	body.Write(valBuf[:])

	w.u64(uint64(body.Len()))
	w.buf.Write(body.Bytes())
}

// arrayTag writes a named array-of-uint16 data tag.
func (w *fakeWriter) arrayTag(name string, values []uint16) {
	w.u8(0x15)
	w.name(name)
	var body bytes.Buffer
	body.WriteString(tagDelimiter)
	var infoBuf [8]byte
	binary.BigEndian.PutUint64(infoBuf[:], 3) // info array length: [type, elemType, count]
	body.Write(infoBuf[:])
	binary.BigEndian.PutUint64(infoBuf[:], uint64(typeArray))
	body.Write(infoBuf[:])
	binary.BigEndian.PutUint64(infoBuf[:], uint64(typeUShort))
	body.Write(infoBuf[:])
	binary.BigEndian.PutUint64(infoBuf[:], uint64(len(values)))
	body.Write(infoBuf[:])
	for _, v := range values {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		body.Write(b[:])
	}

	w.u64(uint64(body.Len()))
	w.buf.Write(body.Bytes())
}

func (w *fakeWriter) beginGroup(name string) {
	w.u8(0x14)
	w.name(name)
}

func TestReadSyntheticImageData(t *testing.T) {
	// Build: root group { ImageData group { Dimensions group { w, h }, Data array } }
	width, height := 2, 3
	pixels := []uint16{10, 20, 30, 40, 50, 60}

	dims := &fakeWriter{}
	dims.u8(1)
	dims.u8(0)
	dims.u64(2)
	dims.scalarTag("", uint32(width))
	dims.scalarTag("", uint32(height))

	imageData := &fakeWriter{}
	imageData.u8(1)
	imageData.u8(0)
	imageData.u64(2)
	imageData.beginGroup("Dimensions")
	imageData.u64(uint64(dims.buf.Len()))
	imageData.buf.Write(dims.buf.Bytes())
	imageData.arrayTag("Data", pixels)

	root := &fakeWriter{}
	root.u8(1)
	root.u8(0)
	root.u64(1)
	root.beginGroup("ImageData")
	root.u64(uint64(imageData.buf.Len()))
	root.buf.Write(imageData.buf.Bytes())

	var file bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 4)
	file.Write(hdr[:]) // version
	var rootLen [8]byte
	binary.BigEndian.PutUint64(rootLen[:], uint64(root.buf.Len()))
	file.Write(rootLen[:])
	var order [4]byte
	binary.BigEndian.PutUint32(order[:], 1) // little-endian values
	file.Write(order[:])
	file.Write(root.buf.Bytes())

	img, err := Read(&file)
	require.NoError(t, err)
	assert.Equal(t, width, img.Width)
	assert.Equal(t, height, img.Height)
	assert.Equal(t, []float64{10, 20}, img.Data[0])
	assert.Equal(t, []float64{30, 40}, img.Data[1])
	assert.Equal(t, []float64{50, 60}, img.Data[2])
	assert.False(t, img.HasPixelSize)
}
