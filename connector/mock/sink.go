package mock

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/pkg/errors"

	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/stream"
)

// Sink is a recording two-phase sink: events are staged until the epoch's
// barrier, pre-committed into a pending batch, and only visible through
// Committed after the epoch completes globally.
type Sink[IN any] struct {
	operator.BaseOperator[IN, any, any]

	mutex     sync.Mutex
	staged    []IN
	pending   map[int64][]IN
	committed []IN
}

func (s *Sink[IN]) Open(operator.Context) error {
	return nil
}

func (s *Sink[IN]) Close() error {
	return nil
}

func (s *Sink[IN]) ProcessEvent(event *element.Event[IN]) {
	s.mutex.Lock()
	s.staged = append(s.staged, event.Value)
	s.mutex.Unlock()
}

func (s *Sink[IN]) ProcessWatermark(element.Watermark) {}

// PreCommit seals everything staged before the barrier under the epoch. The
// returned token round-trips through the checkpoint manifest.
func (s *Sink[IN]) PreCommit(epoch int64) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	batch := s.staged
	s.staged = nil
	s.pending[epoch] = batch

	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(struct {
		Epoch int64
		Count int
	}{Epoch: epoch, Count: len(batch)}); err != nil {
		return nil, errors.WithMessage(err, "failed to encode pre-commit token")
	}
	return buffer.Bytes(), nil
}

func (s *Sink[IN]) NotifyCheckpointComplete(epoch int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if batch, ok := s.pending[epoch]; ok {
		s.committed = append(s.committed, batch...)
		delete(s.pending, epoch)
	}
}

func (s *Sink[IN]) NotifyCheckpointCancel(epoch int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if batch, ok := s.pending[epoch]; ok {
		//the aborted epoch's events go back to staging, the next epoch
		//pre-commits them again
		s.staged = append(batch, s.staged...)
		delete(s.pending, epoch)
	}
}

// Committed returns every event whose epoch completed, in commit order.
func (s *Sink[IN]) Committed() []IN {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]IN, len(s.committed))
	copy(out, s.committed)
	return out
}

// Staged returns events not yet sealed under any epoch.
func (s *Sink[IN]) Staged() []IN {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]IN, len(s.staged))
	copy(out, s.staged)
	return out
}

func NewSink[IN any]() *Sink[IN] {
	return &Sink[IN]{pending: map[int64][]IN{}}
}

// ToSink declares a recording sink vertex and returns the sink so tests can
// inspect what committed.
func ToSink[IN any](upstream stream.Stream[IN], name string) (*Sink[IN], error) {
	sink := NewSink[IN]()
	if _, err := stream.ToSink[IN](upstream, name, sink); err != nil {
		return nil, err
	}
	return sink, nil
}

// FnSink adapts plain funcs into a non-transactional sink, at-least-once on
// recovery.
type FnSink[IN any] struct {
	operator.BaseOperator[IN, any, any]
	ProcessEventFn     func(IN)
	ProcessWatermarkFn func(timestamp int64)
}

func (s *FnSink[IN]) Open(operator.Context) error { return nil }

func (s *FnSink[IN]) Close() error { return nil }

func (s *FnSink[IN]) ProcessEvent(event *element.Event[IN]) {
	if s.ProcessEventFn != nil {
		s.ProcessEventFn(event.Value)
	}
}

func (s *FnSink[IN]) ProcessWatermark(watermark element.Watermark) {
	if s.ProcessWatermarkFn != nil {
		s.ProcessWatermarkFn(int64(watermark))
	}
}

func ToFnSink[IN any](upstream stream.Stream[IN], name string, processEventFn func(IN), processWatermarkFn func(int64)) error {
	_, err := stream.ToSink[IN](upstream, name, &FnSink[IN]{
		ProcessEventFn:     processEventFn,
		ProcessWatermarkFn: processWatermarkFn,
	})
	return err
}
