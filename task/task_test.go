package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillstream/rill/common/safe"
	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/metrics"
	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/store"
)

// countingSource emits an endless counter as fast as it can, advancing its
// cursor through the collector's emit-then so the advance shares the emit's
// critical section.
type countingSource struct {
	operator.BaseOperator[any, any, int]
	cursor   atomic.Int64
	doneChan chan struct{}
}

func (s *countingSource) Run() {
	for {
		select {
		case <-s.doneChan:
			return
		default:
		}
		i := s.cursor.Load()
		event := &element.Event[int]{Value: int(i)}
		if tracked, ok := s.Collector.(element.SourceCollector[int]); ok {
			tracked.EmitEventThen(event, func() { s.cursor.Store(i + 1) })
		} else {
			s.Collector.EmitEvent(event)
			s.cursor.Store(i + 1)
		}
	}
}

func (s *countingSource) Close() error {
	close(s.doneChan)
	return nil
}

func (s *countingSource) Offsets() map[string]int64 {
	return map[string]int64{"counter": s.cursor.Load()}
}

func (s *countingSource) SeekTo(offsets map[string]int64) {
	if offset, ok := offsets["counter"]; ok {
		s.cursor.Store(offset)
	}
}

// barrierRecorder plays downstream: it counts events and remembers the count
// as of each barrier. Emission and barrier injection are serialized by the
// task's lock, so no extra synchronization is needed here.
type barrierRecorder struct {
	events    int64
	atBarrier map[int64]int64
}

func (r *barrierRecorder) emit(e element.Element) {
	switch value := e.(type) {
	case *element.Event[int]:
		r.events++
	case element.Barrier:
		r.atBarrier[value.Epoch] = r.events
	}
}

// The offsets snapshotted for a barrier must count exactly the events that
// flowed before it, no matter where the barrier lands in the emit loop.
// Anything else replays or skips an event after recovery.
func TestBarrierOffsetsMatchEventsBeforeBarrier(t *testing.T) {
	signalChan := make(chan Signal, 8)
	errorChan := make(chan error, 8)
	src := &countingSource{doneChan: make(chan struct{})}
	recorder := &barrierRecorder{atBarrier: map[int64]int64{}}

	task := New(Options{
		Name:              "source.counter",
		InputCount:        0,
		ChannelSize:       16,
		Operator:          operator.SourceOperatorToNormal[int](src),
		StoreManager:      store.NewManager(store.NewMemoryBackend(3)),
		BarrierSignalChan: signalChan,
		Scope:             metrics.NewTestScope(),
		ErrorChan:         errorChan,
		EmitNext:          recorder.emit,
	})
	safe.GoChannel(task.Daemon, errorChan)
	assert.Eventually(t, task.Running, 5*time.Second, time.Millisecond)
	defer task.Close()

	for epoch := int64(1); epoch <= 50; epoch++ {
		task.TriggerBarrier(element.Barrier{Epoch: epoch})
		signal := <-signalChan
		require.Equal(t, ACK, signal.Message)
		assert.Equal(t, recorder.atBarrier[epoch], signal.Offsets["counter"], "epoch %d", epoch)
	}
}