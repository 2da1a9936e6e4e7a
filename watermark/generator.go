package watermark

import (
	"time"
)

// maxDelayGeneratorFn emits max-seen-event-time minus a fixed bound. Both
// the fixed-delay and bounded-out-of-orderness strategies reduce to this
// formula; they differ only in how the bound is named in configuration.
type maxDelayGeneratorFn[T any] struct {
	maxTimestamp     int64
	delayMillisecond int64
}

func (g *maxDelayGeneratorFn[T]) OnEvent(_ T, timestamp int64, _ Collector) {
	if timestamp > g.maxTimestamp {
		g.maxTimestamp = timestamp
	}
}

func (g *maxDelayGeneratorFn[T]) OnPeriodicEmit(watermarkCollector Collector) {
	watermarkCollector.EmitWatermarkTimestamp(g.maxTimestamp - g.delayMillisecond)
}

type noWatermarksGeneratorFn[T any] struct{}

func (n noWatermarksGeneratorFn[T]) OnEvent(_ T, _ int64, _ Collector) {}

func (n noWatermarksGeneratorFn[T]) OnPeriodicEmit(_ Collector) {}

// emitAfterEventsGeneratorFn additionally emits every n observed events, so
// fast streams do not wait for the periodic interval.
type emitAfterEventsGeneratorFn[T any] struct {
	generator GeneratorFn[T]
	n         int
	seen      int
}

func (e *emitAfterEventsGeneratorFn[T]) OnEvent(value T, timestamp int64, watermarkCollector Collector) {
	e.generator.OnEvent(value, timestamp, watermarkCollector)
	e.seen++
	if e.seen >= e.n {
		e.seen = 0
		e.generator.OnPeriodicEmit(watermarkCollector)
	}
}

func (e *emitAfterEventsGeneratorFn[T]) OnPeriodicEmit(watermarkCollector Collector) {
	e.generator.OnPeriodicEmit(watermarkCollector)
}

type idlenessTimer struct {
	counter                int64
	lastCounter            int64
	startOfInactivityNanos int64
	maxIdleTimeNanos       int64
}

func (i *idlenessTimer) checkIfIdle() bool {
	if i.counter != i.lastCounter {
		i.lastCounter = i.counter
		i.startOfInactivityNanos = 0
		return false
	} else if i.startOfInactivityNanos == 0 {
		i.startOfInactivityNanos = time.Now().UnixNano()
		return false
	} else {
		return time.Now().UnixNano()-i.startOfInactivityNanos > i.maxIdleTimeNanos
	}
}

func (i *idlenessTimer) activity() {
	i.counter++
}

// withIdlenessGeneratorFn marks the stream idle after a silence period so a
// quiet partition stops contributing to downstream watermark merging.
type withIdlenessGeneratorFn[T any] struct {
	generator     GeneratorFn[T]
	isIdleNow     bool
	idlenessTimer *idlenessTimer
}

func (w *withIdlenessGeneratorFn[T]) OnEvent(value T, timestamp int64, watermarkCollector Collector) {
	w.generator.OnEvent(value, timestamp, watermarkCollector)
	w.idlenessTimer.activity()
	w.isIdleNow = false
}

func (w *withIdlenessGeneratorFn[T]) OnPeriodicEmit(watermarkCollector Collector) {
	if w.idlenessTimer.checkIfIdle() {
		if !w.isIdleNow {
			watermarkCollector.MarkIdle()
			w.isIdleNow = true
		}
	} else {
		w.generator.OnPeriodicEmit(watermarkCollector)
	}
}

func newWithIdlenessGeneratorFn[T any](fn GeneratorFn[T], idleTimeout time.Duration) GeneratorFn[T] {
	return &withIdlenessGeneratorFn[T]{
		generator:     fn,
		idlenessTimer: &idlenessTimer{maxIdleTimeNanos: idleTimeout.Nanoseconds()},
	}
}
