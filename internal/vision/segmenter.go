package vision

import (
	"context"
	"errors"

	"github.com/sentryview/sentryview/internal/media"
)

// Mask is a per-pixel subject/background indicator aligned to the frame it
// was derived from. Alpha 255 means subject, 0 means background.
type Mask struct {
	Width  int
	Height int
	Alpha  []byte
}

// Empty reports whether the mask carries no coverage data.
func (m Mask) Empty() bool {
	return m.Width <= 0 || m.Height <= 0 || len(m.Alpha) == 0
}

// Segmenter runs person segmentation on individual frames. Implementations
// wrap an inference runtime; Close must only be called once no Segment call
// is in flight.
type Segmenter interface {
	Segment(ctx context.Context, frame media.Frame) (Mask, error)
	Close() error
}

// EllipseSegmenter is a software stand-in segmenter that marks a centred
// ellipse as the subject. It keeps the pipeline exercisable without an
// inference backend and is the default in tests.
type EllipseSegmenter struct {
	closed bool
}

// NewEllipseSegmenter constructs the software segmenter.
func NewEllipseSegmenter() *EllipseSegmenter {
	return &EllipseSegmenter{}
}

// Segment returns an elliptical subject mask covering the centre of the frame.
func (s *EllipseSegmenter) Segment(ctx context.Context, frame media.Frame) (Mask, error) {
	if s == nil || s.closed {
		return Mask{}, errors.New("segmenter: closed")
	}
	if err := ctx.Err(); err != nil {
		return Mask{}, err
	}
	if frame.Empty() {
		return Mask{}, errors.New("segmenter: empty frame")
	}

	mask := Mask{Width: frame.Width, Height: frame.Height, Alpha: make([]byte, frame.Width*frame.Height)}

	cx := float64(frame.Width) / 2
	cy := float64(frame.Height) * 0.55
	rx := float64(frame.Width) * 0.3
	ry := float64(frame.Height) * 0.42

	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			dx := (float64(x) - cx) / rx
			dy := (float64(y) - cy) / ry
			if dx*dx+dy*dy <= 1 {
				mask.Alpha[y*frame.Width+x] = 0xff
			}
		}
	}
	return mask, nil
}

// Close releases the segmenter.
func (s *EllipseSegmenter) Close() error {
	if s == nil {
		return nil
	}
	s.closed = true
	return nil
}
