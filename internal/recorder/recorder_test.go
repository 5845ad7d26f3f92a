package recorder

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentryview/sentryview/internal/media"
)

type frameTrack struct {
	frame media.Frame
	has   bool
	live  bool
}

func (t *frameTrack) Latest() (media.Frame, bool) {
	if !t.has {
		return media.Frame{}, false
	}
	return t.frame.Clone(), true
}

func (t *frameTrack) Live() bool { return t.live }

func (t *frameTrack) Stop() { t.live = false }

type stubEncoder struct {
	payloads [][]byte
	tail     []byte
	flushed  int
}

func (e *stubEncoder) Encode(frame media.Frame) ([]byte, error) {
	payload := []byte{byte(len(e.payloads))}
	e.payloads = append(e.payloads, payload)
	return payload, nil
}

func (e *stubEncoder) Flush() ([]byte, error) {
	e.flushed++
	return e.tail, nil
}

func liveTrack() *frameTrack {
	return &frameTrack{
		frame: media.NewFilledFrame(64, 36, 0x10, 0x20, 0x30, time.Unix(10, 0)),
		has:   true,
		live:  true,
	}
}

func TestChunksBufferInOrder(t *testing.T) {
	enc := &stubEncoder{}
	r := New(liveTrack(), nil, WithEncoder(enc))

	r.CaptureChunk()
	r.CaptureChunk()
	r.CaptureChunk()

	require.Equal(t, 3, r.ChunkCount())
	chunks := r.Chunks()
	for i, chunk := range chunks {
		require.Equal(t, []byte{byte(i)}, chunk, "chunks keep capture order")
	}
}

func TestPauseSuspendsEmissionWithoutTouchingTrack(t *testing.T) {
	track := liveTrack()
	r := New(track, nil, WithEncoder(&stubEncoder{}))

	r.CaptureChunk()
	r.Pause()
	r.CaptureChunk()
	r.CaptureChunk()
	require.Equal(t, 1, r.ChunkCount())
	require.True(t, track.Live())

	r.Resume()
	r.CaptureChunk()
	require.Equal(t, 2, r.ChunkCount())
}

func TestStopConcatenatesBufferAndFlushesEncoder(t *testing.T) {
	enc := &stubEncoder{tail: []byte{0xaa, 0xbb}}
	r := New(liveTrack(), nil, WithEncoder(enc))

	r.CaptureChunk()
	r.CaptureChunk()

	blob, err := r.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, enc.flushed)
	require.Equal(t, []byte{0x00, 0x01, 0xaa, 0xbb}, blob)

	_, err = r.Stop(context.Background())
	require.Error(t, err, "second stop reports the recorder already stopped")
}

func TestCheckpointMirrorsFullBuffer(t *testing.T) {
	var mirrored [][]byte
	checkpoint := func(ctx context.Context, chunks [][]byte) error {
		mirrored = append([][]byte(nil), chunks...)
		return nil
	}
	r := New(liveTrack(), checkpoint, WithEncoder(&stubEncoder{}))

	r.CheckpointNow(context.Background())
	require.Empty(t, mirrored, "empty buffer skips the mirror")

	r.CaptureChunk()
	r.CaptureChunk()
	r.CheckpointNow(context.Background())
	require.Len(t, mirrored, 2)

	r.CaptureChunk()
	r.CheckpointNow(context.Background())
	require.Len(t, mirrored, 3, "each mirror carries the whole buffer")
}

func TestLoadChunksSeedsBufferBeforeNewFootage(t *testing.T) {
	r := New(liveTrack(), nil, WithEncoder(&stubEncoder{}))
	r.LoadChunks([][]byte{{0x51}, {0x52}})

	r.CaptureChunk()

	blob, err := r.Stop(context.Background())
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(blob, []byte{0x51, 0x52}), "restored chunks precede new ones")
	require.Equal(t, int64(3), r.Bytes())
}

func TestReplaceTrackKeepsBuffer(t *testing.T) {
	r := New(liveTrack(), nil, WithEncoder(&stubEncoder{}))
	r.CaptureChunk()

	replacement := liveTrack()
	r.ReplaceTrack(replacement)
	r.CaptureChunk()

	require.Equal(t, 2, r.ChunkCount())
}

func TestSkipsChunkWhenTrackHasNoFrame(t *testing.T) {
	track := &frameTrack{live: true}
	r := New(track, nil, WithEncoder(&stubEncoder{}))

	r.CaptureChunk()
	require.Zero(t, r.ChunkCount())
}

func TestFrameEncoderProducesStableChunkSize(t *testing.T) {
	enc := NewFrameEncoder()
	frame := media.NewFilledFrame(1280, 720, 0x01, 0x02, 0x03, time.Unix(0, 0))

	first, err := enc.Encode(frame)
	require.NoError(t, err)
	second, err := enc.Encode(frame)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	require.NotEqual(t, first[:8], second[:8], "sequence number advances per chunk")

	tail, err := enc.Flush()
	require.NoError(t, err)
	require.Empty(t, tail)
}
