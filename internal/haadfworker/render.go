package haadfworker

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/lbnl-ncem/still/internal/haadfworker/dm4"
)

// lutSize is the resolution of the false-color lookup table (spec.md
// §4.3 step 2: "standard false-color intensity mapping... stable per
// release").
const lutSize = 256

// controlColors are the fixed perceptual waypoints of the false-color ramp:
// black, blue, cyan, green, yellow, red, white — a classic thermal/"jet"
// style palette, chosen for its intuitive low-to-high intensity reading.
var controlColors = []colorful.Color{
	{R: 0, G: 0, B: 0},
	{R: 0, G: 0, B: 1},
	{R: 0, G: 1, B: 1},
	{R: 0, G: 1, B: 0},
	{R: 1, G: 1, B: 0},
	{R: 1, G: 0, B: 0},
	{R: 1, G: 1, B: 1},
}

// lut is built once at package init so every render in the process uses the
// exact same palette (P8: byte-identical output for identical inputs).
var lut = buildLUT()

func buildLUT() [lutSize]color.RGBA {
	var table [lutSize]color.RGBA
	segments := len(controlColors) - 1
	for i := 0; i < lutSize; i++ {
		t := float64(i) / float64(lutSize-1)
		pos := t * float64(segments)
		seg := int(pos)
		if seg >= segments {
			seg = segments - 1
		}
		frac := pos - float64(seg)
		c := controlColors[seg].BlendLab(controlColors[seg+1], frac)
		r, g, b := c.Clamped().RGB255()
		table[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return table
}

// renderPNG implements spec.md §4.3 step 2: normalize the image's intensity
// range to [0,1], map each pixel through the false-color LUT, and encode a
// PNG.
func renderPNG(img dm4.Image) ([]byte, error) {
	lo, hi := intensityRange(img)
	span := hi - lo
	if span == 0 {
		span = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		row := img.Data[y]
		for x := 0; x < img.Width; x++ {
			norm := (row[x] - lo) / span
			if norm < 0 {
				norm = 0
			}
			if norm > 1 {
				norm = 1
			}
			idx := int(norm * float64(lutSize-1))
			out.SetRGBA(x, y, lut[idx])
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func intensityRange(img dm4.Image) (lo, hi float64) {
	lo, hi = img.Data[0][0], img.Data[0][0]
	for _, row := range img.Data {
		for _, v := range row {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	return lo, hi
}
