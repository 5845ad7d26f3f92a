package media

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"time"
)

// Frame is a single uncompressed RGBA video frame pulled from a track.
type Frame struct {
	Width      int
	Height     int
	RGBA       []byte // 4 bytes per pixel, row-major
	CapturedAt time.Time
}

// Empty reports whether the frame carries no pixel data.
func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.RGBA) == 0
}

// Clone returns a deep copy so callers can hold frames across ticks without
// racing against the producer's buffer reuse.
func (f Frame) Clone() Frame {
	cpy := f
	cpy.RGBA = append([]byte(nil), f.RGBA...)
	return cpy
}

// EncodeJPEG compresses the frame for transmission. Quality follows the
// image/jpeg scale (1-100); values outside it fall back to the default.
func (f Frame) EncodeJPEG(quality int) ([]byte, error) {
	if f.Empty() {
		return nil, errors.New("media: cannot encode an empty frame")
	}
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	img := &image.RGBA{
		Pix:    f.RGBA,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewFilledFrame allocates a frame painted in a single colour. Used for
// placeholder screen content before the first real frame arrives.
func NewFilledFrame(width, height int, r, g, b uint8, at time.Time) Frame {
	if width <= 0 || height <= 0 {
		return Frame{}
	}
	pixels := make([]byte, width*height*4)
	for i := 0; i < len(pixels); i += 4 {
		pixels[i] = r
		pixels[i+1] = g
		pixels[i+2] = b
		pixels[i+3] = 0xff
	}
	return Frame{Width: width, Height: height, RGBA: pixels, CapturedAt: at}
}
