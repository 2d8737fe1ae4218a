package gesture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/char5742/bangle-emu/internal/types"
)

type sample struct {
	x, y    uint8
	contact bool
}

func feed(tr *Tracker, samples []sample) [][]types.Gesture {
	out := make([][]types.Gesture, 0, len(samples))
	for _, s := range samples {
		out = append(out, tr.Add(types.Point{X: s.x, Y: s.y}, s.contact))
	}
	return out
}

func TestTracker_Release(t *testing.T) {
	tests := []struct {
		name    string
		samples []sample
		want    []types.Gesture
	}{
		{
			name:    "tap after small jitter",
			samples: []sample{{10, 10, true}, {11, 11, true}, {11, 10, false}},
			want:    []types.Gesture{types.Drag, types.Tap},
		},
		{
			name:    "swipe right",
			samples: []sample{{10, 50, true}, {60, 52, true}, {110, 50, false}},
			want:    []types.Gesture{types.Drag, types.SwipeRight},
		},
		{
			name:    "swipe left",
			samples: []sample{{120, 50, true}, {70, 50, true}, {20, 51, false}},
			want:    []types.Gesture{types.Drag, types.SwipeLeft},
		},
		{
			name:    "swipe up with end above start",
			samples: []sample{{50, 10, true}, {50, 57, true}, {52, 57, true}, {50, 4, false}},
			want:    []types.Gesture{types.Drag, types.SwipeUp},
		},
		{
			name:    "swipe down",
			samples: []sample{{50, 10, true}, {51, 60, true}, {50, 120, false}},
			want:    []types.Gesture{types.Drag, types.SwipeDown},
		},
		{
			name:    "diagonal drag is neither tap nor swipe",
			samples: []sample{{10, 10, true}, {60, 60, true}, {110, 110, false}},
			want:    []types.Gesture{types.Drag},
		},
		{
			name:    "back and forth accumulates distance not displacement",
			samples: []sample{{50, 50, true}, {95, 50, true}, {50, 52, false}},
			want:    []types.Gesture{types.Drag, types.SwipeLeft},
		},
		{
			name:    "release without movement",
			samples: []sample{{30, 30, true}, {30, 30, false}},
			want:    []types.Gesture{types.Drag, types.Tap},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New()
			got := feed(tr, tt.samples)
			assert.Equal(t, tt.want, got[len(got)-1])
			assert.False(t, tr.Active(), "release must clear the tracker")
		})
	}
}

func TestTracker_DragCountEqualsSamples(t *testing.T) {
	tr := New()
	samples := []sample{{0, 0, true}, {3, 1, true}, {9, 4, true}, {20, 7, true}, {40, 8, false}}

	drags := 0
	for i, out := range feed(tr, samples) {
		require.NotEmpty(t, out)
		assert.Equal(t, types.Drag, out[0])
		for _, g := range out {
			if g == types.Drag {
				drags++
			}
		}
		if i < len(samples)-1 {
			assert.Len(t, out, 1)
		} else {
			assert.LessOrEqual(t, len(out), 3)
		}
	}
	assert.Equal(t, len(samples), drags)
}

func TestTracker_SpuriousRelease(t *testing.T) {
	tr := New()
	assert.Empty(t, tr.Add(types.Point{X: 10, Y: 10}, false))
	assert.Empty(t, tr.Add(types.Point{X: 10, Y: 10}, false))
	assert.False(t, tr.Active())
}

func TestTracker_RepeatedSampleAddsNoDistance(t *testing.T) {
	tr := New()
	p := types.Point{X: 42, Y: 17}

	assert.Equal(t, []types.Gesture{types.Drag}, tr.Add(p, true))
	assert.Equal(t, []types.Gesture{types.Drag}, tr.Add(p, true))
	assert.Equal(t, []types.Gesture{types.Drag}, tr.Add(p, true))

	dx, dy := tr.Distance()
	assert.Zero(t, dx)
	assert.Zero(t, dy)
}

func TestTracker_DistanceIsMonotonic(t *testing.T) {
	tr := New()
	var lastX, lastY uint64
	for _, p := range []types.Point{{X: 10, Y: 10}, {X: 5, Y: 20}, {X: 5, Y: 2}, {X: 100, Y: 2}} {
		tr.Add(p, true)
		dx, dy := tr.Distance()
		assert.GreaterOrEqual(t, dx, lastX)
		assert.GreaterOrEqual(t, dy, lastY)
		lastX, lastY = dx, dy
	}
}

func TestTracker_NewTouchStartsFresh(t *testing.T) {
	tr := New()
	feed(tr, []sample{{10, 10, true}, {150, 10, true}, {160, 10, false}})

	got := feed(tr, []sample{{80, 80, true}, {81, 80, false}})
	assert.Equal(t, []types.Gesture{types.Drag, types.Tap}, got[1])
}
