// Package snapshot shrinks and reorients webcam frames before upload.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

const (
	MaxWidth  = 640
	MaxHeight = 480
)

var ErrEmptyFrame = errors.New("empty frame")

// Transform is the webcam orientation correction. Flips are applied before
// the rotation.
type Transform struct {
	FlipH    bool
	FlipV    bool
	Rotate90 bool
}

func (t Transform) Any() bool {
	return t.FlipH || t.FlipV || t.Rotate90
}

// NeedsTranscode reports whether a frame of size bytes has to be re-encoded.
func NeedsTranscode(size, maxSize int, t Transform) bool {
	return t.Any() || size > maxSize
}

// Transcode decodes a JPEG or PNG frame, fits it inside 640x480 keeping the
// aspect ratio, applies t and re-encodes it as JPEG.
func Transcode(frame []byte, t Transform) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	img := thumbnail(src, MaxWidth, MaxHeight)
	if t.FlipH {
		img = flipH(img)
	}
	if t.FlipV {
		img = flipV(img)
	}
	if t.Rotate90 {
		img = rotate90(img)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// thumbnail only ever shrinks.
func thumbnail(src image.Image, maxW, maxH int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxW || h > maxH {
		if w*maxH > h*maxW {
			h = max(1, h*maxW/w)
			w = maxW
		} else {
			w = max(1, w*maxH/h)
			h = maxH
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func flipH(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetRGBA(b.Max.X-1-(x-b.Min.X), y, src.RGBAAt(x, y))
		}
	}
	return dst
}

func flipV(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetRGBA(x, b.Max.Y-1-(y-b.Min.Y), src.RGBAAt(x, y))
		}
	}
	return dst
}

// rotate90 turns the image a quarter turn counter-clockwise.
func rotate90(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetRGBA(y, w-1-x, src.RGBAAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
