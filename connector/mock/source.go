// Package mock provides in-memory connectors: a scripted source with offset
// tracking and a recording two-phase sink. Both are used by pipeline tests
// and as reference implementations of the source and sink contracts.
package mock

import (
	"sync/atomic"
	"time"

	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/stream"
)

const scriptPartition = "script"

// ExtractTimestampFn optionally derives event time from a scripted value;
// nil leaves events untimestamped for a downstream assigner.
type ExtractTimestampFn[OUT any] func(OUT) int64

type source[OUT any] struct {
	operator.BaseOperator[any, any, OUT]
	events    []OUT
	extractFn ExtractTimestampFn[OUT]
	interval  time.Duration

	//cursor is the offset of the next event to emit, advanced in the same
	//critical section as the emit so a barrier snapshot counts exactly the
	//events that flowed before it.
	cursor   atomic.Int64
	doneChan chan struct{}
}

func (s *source[OUT]) Open(ctx operator.Context, collector element.Collector[OUT]) error {
	if err := s.BaseOperator.Open(ctx, collector); err != nil {
		return err
	}
	return nil
}

func (s *source[OUT]) Run() {
	for {
		i := s.cursor.Load()
		if i >= int64(len(s.events)) {
			//stay alive so checkpoints keep running until the job stops
			<-s.doneChan
			return
		}
		value := s.events[i]
		event := &element.Event[OUT]{Value: value}
		if s.extractFn != nil {
			event.Timestamp = s.extractFn(value)
			event.HasTimestamp = true
		}
		advance := func() { s.cursor.Store(i + 1) }
		if tracked, ok := s.Collector.(element.SourceCollector[OUT]); ok {
			tracked.EmitEventThen(event, advance)
		} else {
			s.Collector.EmitEvent(event)
			advance()
		}
		if s.interval > 0 {
			select {
			case <-s.doneChan:
				return
			case <-time.After(s.interval):
			}
		} else {
			select {
			case <-s.doneChan:
				return
			default:
			}
		}
	}
}

func (s *source[OUT]) Close() error {
	close(s.doneChan)
	return nil
}

func (s *source[OUT]) Offsets() map[string]int64 {
	return map[string]int64{scriptPartition: s.cursor.Load()}
}

func (s *source[OUT]) SeekTo(offsets map[string]int64) {
	if offset, ok := offsets[scriptPartition]; ok {
		s.cursor.Store(offset)
	}
}

// NewSource builds a scripted source outside a stream graph, for tests that
// drive operators directly.
func NewSource[OUT any](events []OUT, extractFn ExtractTimestampFn[OUT], interval time.Duration) operator.Source[OUT] {
	return &source[OUT]{
		events:    events,
		extractFn: extractFn,
		interval:  interval,
		doneChan:  make(chan struct{}),
	}
}

// FromSource declares a scripted source vertex emitting the given events in
// order, one per interval.
func FromSource[OUT any](env *stream.Environment, name string, events []OUT, extractFn ExtractTimestampFn[OUT], interval time.Duration) (stream.Stream[OUT], error) {
	return stream.FormSource[OUT](env, name, &source[OUT]{
		events:    events,
		extractFn: extractFn,
		interval:  interval,
		doneChan:  make(chan struct{}),
	})
}
