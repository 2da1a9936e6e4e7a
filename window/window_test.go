package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetWindowStartWithOffset(t *testing.T) {
	assert.Equal(t, int64(0), getWindowStartWithOffset(999, 0, 1000))
	assert.Equal(t, int64(1000), getWindowStartWithOffset(1000, 0, 1000))
	assert.Equal(t, int64(-1000), getWindowStartWithOffset(-1, 0, 1000))
	assert.Equal(t, int64(500), getWindowStartWithOffset(1499, 500, 1000))
}

func TestTriggerResultFlags(t *testing.T) {
	assert.False(t, Continue.IsFire())
	assert.False(t, Continue.IsPurge())
	assert.True(t, Fire.IsFire())
	assert.False(t, Fire.IsPurge())
	assert.False(t, Purge.IsFire())
	assert.True(t, Purge.IsPurge())
	assert.True(t, FireAndPurge.IsFire())
	assert.True(t, FireAndPurge.IsPurge())
}

func TestWindowCoverAndIntersects(t *testing.T) {
	a := Window{Start: 0, End: 20}
	b := Window{Start: 15, End: 35}
	c := Window{Start: 50, End: 70}
	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(c))
	assert.Equal(t, Window{Start: 0, End: 35}, a.Cover(b))
	assert.Equal(t, int64(19), a.MaxTimestamp())
}

func TestTumblingAssigner(t *testing.T) {
	assigner := NewTumblingEventTimeAssigner[string, string](1000, 0)
	windows := assigner.AssignWindows(nil, "", 1800)
	assert.Equal(t, []Window{{Start: 1000, End: 2000}}, windows)
}

func TestSlidingAssignerMembership(t *testing.T) {
	// every event belongs to size/slide windows
	assigner := NewSlidingEventTimeAssigner[string, string](1000, 250, 0)
	windows := assigner.AssignWindows(nil, "", 1100)
	assert.Len(t, windows, 4)
	for _, w := range windows {
		assert.True(t, w.Start <= 1100 && 1100 < w.End, "window %s should cover the event", w)
		assert.Zero(t, w.Start%250)
		assert.Equal(t, int64(1000), w.End-w.Start)
	}
}

func TestSessionAssignerCandidate(t *testing.T) {
	assigner := NewSessionEventTimeAssigner[string, string](20)
	windows := assigner.AssignWindows(nil, "", 5)
	assert.Equal(t, []Window{{Start: 5, End: 25}}, windows)
	merging, ok := assigner.(MergingAssigner)
	assert.True(t, ok)
	assert.True(t, merging.IsMerging())
}
