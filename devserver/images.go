// ABOUTME: Synthetic PNG creatives served by the dev server at /images/{w}x{h}/{label}.png.
// ABOUTME: Draws a label-derived background colour and the label text using x/image's basic font face.
package devserver

import (
	"errors"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"io"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const maxImageSide = 2048

var errBadSize = errors.New("size must look like WIDTHxHEIGHT within 1..2048")

// parseSize reads "1200x628".
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, errBadSize
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, errBadSize
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, errBadSize
	}
	if w < 1 || h < 1 || w > maxImageSide || h > maxImageSide {
		return 0, 0, errBadSize
	}
	return w, h, nil
}

// renderImage writes a w by h PNG labelled with label.
func renderImage(out io.Writer, w, h int, label string) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(labelColor(label)), image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
	}
	width := d.MeasureString(label).Round()
	x := (w - width) / 2
	if x < 4 {
		x = 4
	}
	d.Dot = fixed.P(x, h/2)
	d.DrawString(label)

	return png.Encode(out, img)
}

// labelColor picks a stable mid-tone colour for a label.
func labelColor(label string) color.RGBA {
	f := fnv.New32a()
	_, _ = f.Write([]byte(label))
	sum := f.Sum32()
	return color.RGBA{
		R: uint8(64 + sum%128),
		G: uint8(64 + (sum>>8)%128),
		B: uint8(64 + (sum>>16)%128),
		A: 255,
	}
}
