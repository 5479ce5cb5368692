// Package dm4 reads the subset of Gatan's DM4 tag-directory binary format
// needed for spec.md §4.3 step 1: the 2-D intensity array of the full-size
// image, plus its per-axis pixel calibration when present. No third-party
// DM4/Gatan parser exists anywhere in the retrieved corpus, so this reads
// the documented tag-directory structure directly (see DESIGN.md).
package dm4

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// dataType is a Gatan tag value type code.
type dataType uint64

const (
	typeShort  dataType = 2
	typeInt    dataType = 3
	typeUShort dataType = 4
	typeUInt   dataType = 5
	typeFloat  dataType = 6
	typeDouble dataType = 7
	typeBool   dataType = 8
	typeInt8   dataType = 9
	typeUInt8  dataType = 10
	typeInt64  dataType = 11
	typeUInt64 dataType = 12
	typeArray  dataType = 20
	typeGroup  dataType = 15 // "struct" — only used nested inside arrays, not at tag level
)

func scalarSize(t dataType) (int, error) {
	switch t {
	case typeShort, typeUShort:
		return 2, nil
	case typeInt, typeUInt, typeFloat:
		return 4, nil
	case typeDouble, typeInt64, typeUInt64:
		return 8, nil
	case typeBool, typeInt8, typeUInt8:
		return 1, nil
	default:
		return 0, fmt.Errorf("dm4: unsupported scalar type %d", t)
	}
}

// tagNode is either a tag group (isGroup, with Children) or a data tag
// (scalar or array) carrying its raw bytes in the file's declared byte
// order.
type tagNode struct {
	Name     string
	IsGroup  bool
	Children []*tagNode

	DType    dataType
	ArrayOf  dataType // valid when DType == typeArray
	Raw      []byte
	ArrayLen int
	Order    binary.ByteOrder // byte order of Raw, from the file header
}

// Image is the decoded result of Read.
type Image struct {
	Width, Height int
	Data          [][]float64

	HasPixelSize bool
	PixelSizeX   float64
	PixelSizeY   float64
}

// Read parses r as a DM4 file and extracts the highest-resolution 2-D image
// in the tag tree (the thumbnail, when present, is a smaller sibling
// ImageData group and is skipped in favor of the largest one found).
func Read(r io.Reader) (Image, error) {
	d := &decoder{r: bufio.NewReader(r)}

	if err := d.readHeader(); err != nil {
		return Image{}, err
	}

	root, err := d.readTagGroup()
	if err != nil {
		return Image{}, fmt.Errorf("dm4: reading tag tree: %w", err)
	}

	return extractImage(root)
}

// extractImage walks the tag tree for every group literally named
// "ImageData" and keeps the one with the largest pixel count.
func extractImage(root *tagNode) (Image, error) {
	var candidates []*tagNode
	collectNamed(root, "ImageData", &candidates)

	var best Image
	found := false
	for _, node := range candidates {
		img, err := decodeImageData(node)
		if err != nil {
			continue
		}
		if !found || img.Width*img.Height > best.Width*best.Height {
			best = img
			found = true
		}
	}
	if !found {
		return Image{}, fmt.Errorf("dm4: no decodable ImageData tag found")
	}
	return best, nil
}

func collectNamed(n *tagNode, name string, out *[]*tagNode) {
	if n == nil {
		return
	}
	if n.IsGroup && n.Name == name {
		*out = append(*out, n)
	}
	for _, c := range n.Children {
		collectNamed(c, name, out)
	}
}

func findChild(n *tagNode, name string) *tagNode {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// decodeImageData reads an ImageData group's Dimensions (two scalar tags,
// width then height), Data (the pixel array), and, when present, the
// Calibrations/Dimension scale factors.
func decodeImageData(node *tagNode) (Image, error) {
	dims := findChild(node, "Dimensions")
	data := findChild(node, "Data")
	if dims == nil || data == nil || len(dims.Children) < 2 || data.DType != typeArray {
		return Image{}, fmt.Errorf("dm4: ImageData missing Dimensions/Data")
	}

	width, err := scalarAsInt(dims.Children[0])
	if err != nil {
		return Image{}, err
	}
	height, err := scalarAsInt(dims.Children[1])
	if err != nil {
		return Image{}, err
	}
	if width <= 0 || height <= 0 || width*height != data.ArrayLen {
		return Image{}, fmt.Errorf("dm4: dimensions %dx%d do not match data length %d", width, height, data.ArrayLen)
	}

	values, err := decodeArray(data)
	if err != nil {
		return Image{}, err
	}

	img := Image{Width: width, Height: height, Data: make([][]float64, height)}
	for row := 0; row < height; row++ {
		img.Data[row] = values[row*width : (row+1)*width]
	}

	if calib := findChild(node, "Calibrations"); calib != nil {
		if dim := findChild(calib, "Dimension"); dim != nil && len(dim.Children) >= 2 {
			if x, ok := scaleOf(dim.Children[0]); ok {
				img.PixelSizeX = x
				img.HasPixelSize = true
			}
			if y, ok := scaleOf(dim.Children[1]); ok {
				img.PixelSizeY = y
				img.HasPixelSize = true
			}
		}
	}

	return img, nil
}

func scaleOf(axis *tagNode) (float64, bool) {
	if axis == nil {
		return 0, false
	}
	scale := findChild(axis, "Scale")
	if scale == nil {
		return 0, false
	}
	v, err := scalarAsFloat(scale)
	if err != nil {
		return 0, false
	}
	return v, true
}
