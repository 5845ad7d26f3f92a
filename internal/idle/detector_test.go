package idle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type transitionRecorder struct {
	flips []bool
	times []time.Time
}

func (r *transitionRecorder) record(idle bool, at time.Time) {
	r.flips = append(r.flips, idle)
	r.times = append(r.times, at)
}

func TestIdleEdgeFiresOnce(t *testing.T) {
	current := time.Unix(1000, 0)
	rec := &transitionRecorder{}
	d := New(rec.record,
		WithThreshold(5*time.Minute),
		WithNow(func() time.Time { return current }),
	)

	d.CheckNow()
	require.False(t, d.Idle())
	require.Empty(t, rec.flips)

	current = current.Add(5 * time.Minute)
	d.CheckNow()
	require.True(t, d.Idle())
	require.Equal(t, []bool{true}, rec.flips)

	// Staying idle across further polls must not re-fire.
	current = current.Add(time.Minute)
	d.CheckNow()
	current = current.Add(time.Minute)
	d.CheckNow()
	require.Equal(t, []bool{true}, rec.flips)
}

func TestTouchFlipsBackToActive(t *testing.T) {
	current := time.Unix(1000, 0)
	rec := &transitionRecorder{}
	d := New(rec.record,
		WithThreshold(5*time.Minute),
		WithNow(func() time.Time { return current }),
	)

	current = current.Add(6 * time.Minute)
	d.CheckNow()
	require.True(t, d.Idle())

	d.Touch()
	require.False(t, d.Idle())
	require.Equal(t, []bool{true, false}, rec.flips)

	// Active touches do not fire transitions.
	d.Touch()
	require.Equal(t, []bool{true, false}, rec.flips)

	// The threshold restarts from the touch.
	current = current.Add(4 * time.Minute)
	d.CheckNow()
	require.False(t, d.Idle())
	current = current.Add(time.Minute)
	d.CheckNow()
	require.True(t, d.Idle())
}

func TestNilTransitionIsSafe(t *testing.T) {
	current := time.Unix(0, 0)
	d := New(nil, WithThreshold(time.Minute), WithNow(func() time.Time { return current }))

	current = current.Add(2 * time.Minute)
	d.CheckNow()
	require.True(t, d.Idle())
	d.Touch()
	require.False(t, d.Idle())
}
