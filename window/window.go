// Package window buckets events into tumbling, sliding or session windows
// keyed by a selector, aggregates them and fires results as the watermark
// passes each window's end.
package window

import (
	"fmt"
)

// Window is one accumulation bucket, [Start, End) in event-time
// milliseconds. Fields are exported so window state survives gob encoding
// at checkpoint time.
type Window struct {
	Start int64
	End   int64
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d)", w.Start, w.End)
}

// MaxTimestamp is the largest event-time that still belongs to the window.
func (w Window) MaxTimestamp() int64 {
	return w.End - 1
}

func (w Window) Intersects(other Window) bool {
	return w.Start < other.End && other.Start < w.End
}

// Cover returns the smallest window containing both.
func (w Window) Cover(other Window) Window {
	covered := w
	if other.Start < covered.Start {
		covered.Start = other.Start
	}
	if other.End > covered.End {
		covered.End = other.End
	}
	return covered
}

func getWindowStartWithOffset(timestamp int64, offset int64, windowSize int64) int64 {
	remainder := (timestamp - offset) % windowSize
	// handle both positive and negative cases
	if remainder < 0 {
		return timestamp - (remainder + windowSize)
	} else {
		return timestamp - remainder
	}
}

type TriggerResult int

const (
	Continue     TriggerResult = 0
	Fire         TriggerResult = 1
	Purge        TriggerResult = 2
	FireAndPurge TriggerResult = 3
)

func (t TriggerResult) IsFire() bool {
	return t&Fire == Fire
}

func (t TriggerResult) IsPurge() bool {
	return t&Purge == Purge
}
