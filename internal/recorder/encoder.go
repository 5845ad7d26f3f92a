package recorder

import (
	"encoding/binary"
	"errors"

	"github.com/sentryview/sentryview/internal/media"
)

// Encoder turns canvas frames into chunk payloads. Implementations wrap a
// real codec; the default produces a compact software format so the chunk
// plumbing works without one.
type Encoder interface {
	// Encode emits one chunk payload for the supplied frame.
	Encode(frame media.Frame) ([]byte, error)
	// Flush returns any trailing codec data. Called exactly once at stop,
	// after the last Encode.
	Flush() ([]byte, error)
}

const (
	chunkMagic = 0x53565631 // "SVV1"

	thumbWidth  = 64
	thumbHeight = 36
)

// frameEncoder is the built-in chunk format: a fixed header followed by a
// coarse downsample of the frame. Enough to verify buffer ordering and
// recovery stitching end to end.
type frameEncoder struct {
	seq uint32
}

// NewFrameEncoder returns the built-in software encoder.
func NewFrameEncoder() Encoder {
	return &frameEncoder{}
}

func (e *frameEncoder) Encode(frame media.Frame) ([]byte, error) {
	if frame.Empty() {
		return nil, errors.New("encoder: empty frame")
	}

	payload := make([]byte, 16+thumbWidth*thumbHeight*4)
	binary.BigEndian.PutUint32(payload[0:4], chunkMagic)
	binary.BigEndian.PutUint32(payload[4:8], e.seq)
	binary.BigEndian.PutUint32(payload[8:12], uint32(frame.Width))
	binary.BigEndian.PutUint32(payload[12:16], uint32(frame.Height))
	e.seq++

	for y := 0; y < thumbHeight; y++ {
		srcY := y * frame.Height / thumbHeight
		for x := 0; x < thumbWidth; x++ {
			srcX := x * frame.Width / thumbWidth
			src := (srcY*frame.Width + srcX) * 4
			dst := 16 + (y*thumbWidth+x)*4
			copy(payload[dst:dst+4], frame.RGBA[src:src+4])
		}
	}
	return payload, nil
}

func (e *frameEncoder) Flush() ([]byte, error) {
	return nil, nil
}
