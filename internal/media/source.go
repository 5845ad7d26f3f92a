package media

import (
	"context"
	"time"
)

// Stream kinds reported by device-lost events.
const (
	KindCamera = "camera"
	KindScreen = "screen"
)

// VideoTrack exposes the most recent frame of a live video source. Readers
// pull on their own cadence; frames up to one tick stale are expected.
type VideoTrack interface {
	// Latest returns the most recent completed frame, or false when the
	// track has produced nothing yet or has been stopped.
	Latest() (Frame, bool)
	// Live reports whether the underlying device is still delivering frames.
	Live() bool
	// Stop releases the underlying device. Only the owning session may call it.
	Stop()
}

// AudioTrack provides short encoded audio snippets from a live microphone.
type AudioTrack interface {
	// Snippet records roughly the requested duration of audio.
	Snippet(ctx context.Context, duration time.Duration) ([]byte, error)
	Live() bool
	Stop()
}

// Stream bundles the tracks acquired from a single device request.
type Stream struct {
	Video VideoTrack
	Audio AudioTrack // nil when the device has no audio track
}

// Live reports whether the stream's video track is still delivering frames.
func (s *Stream) Live() bool {
	return s != nil && s.Video != nil && s.Video.Live()
}

// Stop releases every track in the stream.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	if s.Video != nil {
		s.Video.Stop()
	}
	if s.Audio != nil {
		s.Audio.Stop()
	}
}

// LostEvent signals that the platform revoked a device mid-session, for
// example the user ending screen share at the OS level.
type LostEvent struct {
	Kind   string
	Reason string
}

// Source is the capability that acquires raw capture streams. Implementations
// wrap a concrete platform; tests inject in-memory fakes.
type Source interface {
	// AcquireCamera obtains the camera+microphone stream. Failure is fatal
	// to session start and is surfaced to the caller.
	AcquireCamera(ctx context.Context) (*Stream, error)
	// AcquireScreen obtains the screen stream. Implementations unable to
	// capture the screen return a synthetic placeholder stream instead of
	// an error.
	AcquireScreen(ctx context.Context) (*Stream, error)
	// Lost delivers device-revoked events for streams handed out earlier.
	Lost() <-chan LostEvent
}
