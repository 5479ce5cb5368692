package dm4

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// decoder walks the tag-directory structure, which is always big-endian
// (group/tag headers, name lengths, byte counts), while scalar and array
// tag *values* are encoded in whatever order the file's header declares.
type decoder struct {
	r          *bufio.Reader
	valueOrder binary.ByteOrder
}

const tagDelimiter = "%%%%"

func (d *decoder) readHeader() error {
	version, err := d.readU32BE()
	if err != nil {
		return fmt.Errorf("dm4: reading version: %w", err)
	}
	if version != 4 && version != 3 {
		return fmt.Errorf("dm4: unsupported DM version %d", version)
	}

	if version == 4 {
		if _, err := d.readU64BE(); err != nil { // root tag directory length, unused
			return err
		}
	} else {
		if _, err := d.readU32BE(); err != nil {
			return err
		}
	}

	order, err := d.readU32BE()
	if err != nil {
		return fmt.Errorf("dm4: reading byte order: %w", err)
	}
	if order == 0 {
		d.valueOrder = binary.BigEndian
	} else {
		d.valueOrder = binary.LittleEndian
	}
	return nil
}

// readTagGroup reads a tag group: isSorted, isOpen (one byte each), a tag
// count, then that many tag entries.
func (d *decoder) readTagGroup() (*tagNode, error) {
	if _, err := d.readByte(); err != nil { // isSorted
		return nil, err
	}
	if _, err := d.readByte(); err != nil { // isOpen
		return nil, err
	}
	n, err := d.readU64BE()
	if err != nil {
		return nil, err
	}

	group := &tagNode{IsGroup: true}
	for i := uint64(0); i < n; i++ {
		child, err := d.readTagEntry()
		if err != nil {
			return nil, err
		}
		group.Children = append(group.Children, child)
	}
	return group, nil
}

// readTagEntry reads one named tag: a type byte (0x14 group / 0x15 data),
// a two-byte name length, the name itself, then (DM4 only) an 8-byte total
// size used by some writers for fast skipping — unused here since every
// entry is read sequentially regardless.
func (d *decoder) readTagEntry() (*tagNode, error) {
	kind, err := d.readByte()
	if err != nil {
		return nil, err
	}
	nameLen, err := d.readU16BE()
	if err != nil {
		return nil, err
	}
	name, err := d.readBytes(int(nameLen))
	if err != nil {
		return nil, err
	}
	if _, err := d.readU64BE(); err != nil { // total tag byte size
		return nil, err
	}

	switch kind {
	case 0x14:
		group, err := d.readTagGroup()
		if err != nil {
			return nil, err
		}
		group.Name = string(name)
		return group, nil
	case 0x15:
		tag, err := d.readTagData()
		if err != nil {
			return nil, err
		}
		tag.Name = string(name)
		return tag, nil
	default:
		return nil, fmt.Errorf("dm4: unknown tag entry kind 0x%x", kind)
	}
}

// readTagData reads a data tag: the "%%%%" delimiter, an info-array length,
// the info array itself (type codes), then the raw value bytes those codes
// describe.
func (d *decoder) readTagData() (*tagNode, error) {
	delim, err := d.readBytes(4)
	if err != nil {
		return nil, err
	}
	if string(delim) != tagDelimiter {
		return nil, fmt.Errorf("dm4: expected tag delimiter %%%%%%%%, got %q", delim)
	}

	infoLen, err := d.readU64BE()
	if err != nil {
		return nil, err
	}
	info := make([]uint64, infoLen)
	for i := range info {
		v, err := d.readU64BE()
		if err != nil {
			return nil, err
		}
		info[i] = v
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("dm4: empty tag info array")
	}

	dtype := dataType(info[0])
	if dtype == typeArray {
		if len(info) < 3 {
			return nil, fmt.Errorf("dm4: malformed array tag info")
		}
		arrayOf := dataType(info[1])
		arrayLen := int(info[len(info)-1])

		size, err := scalarSize(arrayOf)
		if err != nil {
			return nil, err
		}
		raw, err := d.readBytes(size * arrayLen)
		if err != nil {
			return nil, err
		}
		return &tagNode{DType: typeArray, ArrayOf: arrayOf, ArrayLen: arrayLen, Raw: raw, Order: d.valueOrder}, nil
	}

	size, err := scalarSize(dtype)
	if err != nil {
		return nil, err
	}
	raw, err := d.readBytes(size)
	if err != nil {
		return nil, err
	}
	return &tagNode{DType: dtype, Raw: raw, Order: d.valueOrder}, nil
}

func (d *decoder) readByte() (byte, error) {
	return d.r.ReadByte()
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *decoder) readU16BE() (uint16, error) {
	b, err := d.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) readU32BE() (uint32, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) readU64BE() (uint64, error) {
	b, err := d.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// scalarAsInt decodes a scalar tag's raw bytes as an integer, regardless of
// its exact width/signedness — used for Dimensions entries.
func scalarAsInt(n *tagNode) (int, error) {
	v, err := scalarAsFloat(n)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// scalarAsFloat decodes a scalar tag's raw bytes as a float64, in the
// tag's recorded byte order.
func scalarAsFloat(n *tagNode) (float64, error) {
	if n == nil {
		return 0, fmt.Errorf("dm4: nil scalar tag")
	}
	order := n.Order
	switch n.DType {
	case typeShort:
		return float64(int16(order.Uint16(n.Raw))), nil
	case typeUShort:
		return float64(order.Uint16(n.Raw)), nil
	case typeInt:
		return float64(int32(order.Uint32(n.Raw))), nil
	case typeUInt:
		return float64(order.Uint32(n.Raw)), nil
	case typeFloat:
		return float64(math.Float32frombits(order.Uint32(n.Raw))), nil
	case typeDouble:
		return math.Float64frombits(order.Uint64(n.Raw)), nil
	case typeInt64:
		return float64(int64(order.Uint64(n.Raw))), nil
	case typeUInt64:
		return float64(order.Uint64(n.Raw)), nil
	case typeBool, typeInt8:
		return float64(int8(n.Raw[0])), nil
	case typeUInt8:
		return float64(n.Raw[0]), nil
	default:
		return 0, fmt.Errorf("dm4: scalar tag has non-scalar type %d", n.DType)
	}
}

// decodeArray decodes a typeArray tag's raw bytes into float64 values.
func decodeArray(n *tagNode) ([]float64, error) {
	order := n.Order
	out := make([]float64, n.ArrayLen)
	size, err := scalarSize(n.ArrayOf)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n.ArrayLen; i++ {
		chunk := n.Raw[i*size : (i+1)*size]
		switch n.ArrayOf {
		case typeShort:
			out[i] = float64(int16(order.Uint16(chunk)))
		case typeUShort:
			out[i] = float64(order.Uint16(chunk))
		case typeInt:
			out[i] = float64(int32(order.Uint32(chunk)))
		case typeUInt:
			out[i] = float64(order.Uint32(chunk))
		case typeFloat:
			out[i] = float64(math.Float32frombits(order.Uint32(chunk)))
		case typeDouble:
			out[i] = math.Float64frombits(order.Uint64(chunk))
		case typeInt64:
			out[i] = float64(int64(order.Uint64(chunk)))
		case typeUInt64:
			out[i] = float64(order.Uint64(chunk))
		case typeBool, typeInt8:
			out[i] = float64(int8(chunk[0]))
		case typeUInt8:
			out[i] = float64(chunk[0])
		default:
			return nil, fmt.Errorf("dm4: unsupported array element type %d", n.ArrayOf)
		}
	}
	return out, nil
}
