package checkpoint

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillstream/rill/common/safe"
	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/metrics"
	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/store"
	"github.com/rillstream/rill/task"
)

type idleSource struct {
	doneChan chan struct{}
	offset   int64
}

func (s *idleSource) Open(operator.Context, element.Collector[string]) error { return nil }

func (s *idleSource) Run() { <-s.doneChan }

func (s *idleSource) Close() error {
	close(s.doneChan)
	return nil
}

func (s *idleSource) Offsets() map[string]int64 {
	return map[string]int64{"partition-0": s.offset}
}

func (s *idleSource) SeekTo(offsets map[string]int64) { s.offset = offsets["partition-0"] }

func (s *idleSource) NotifyCheckpointCome(int64)     {}
func (s *idleSource) NotifyCheckpointComplete(int64) {}
func (s *idleSource) NotifyCheckpointCancel(int64)   {}

type txnSink struct {
	mutex         sync.Mutex
	failPreCommit bool
	preCommitted  []int64
	committed     []int64
	canceled      []int64
}

func (s *txnSink) Open(operator.Context) error { return nil }
func (s *txnSink) Close() error                { return nil }

func (s *txnSink) ProcessEvent(*element.Event[string]) {}
func (s *txnSink) ProcessWatermark(element.Watermark)  {}
func (s *txnSink) NotifyCheckpointCome(int64)          {}

func (s *txnSink) PreCommit(epoch int64) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failPreCommit {
		return nil, errors.New("transaction broker unavailable")
	}
	s.preCommitted = append(s.preCommitted, epoch)
	token := make([]byte, 8)
	binary.BigEndian.PutUint64(token, uint64(epoch))
	return token, nil
}

func (s *txnSink) NotifyCheckpointComplete(epoch int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.committed = append(s.committed, epoch)
}

func (s *txnSink) NotifyCheckpointCancel(epoch int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.canceled = append(s.canceled, epoch)
}

func (s *txnSink) setFail(fail bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failPreCommit = fail
}

func (s *txnSink) committedEpochs() []int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]int64{}, s.committed...)
}

func (s *txnSink) canceledEpochs() []int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]int64{}, s.canceled...)
}

type pipeline struct {
	backend    store.Backend
	source     *idleSource
	sink       *txnSink
	sourceTask *task.Task
	sinkTask   *task.Task
	signalChan chan task.Signal
}

func newPipeline(t *testing.T) *pipeline {
	backend := store.NewMemoryBackend(5)
	manager := store.NewManager(backend)
	signalChan := make(chan task.Signal, 4)
	errorChan := make(chan error, 4)
	scope := metrics.NewTestScope()

	source := &idleSource{doneChan: make(chan struct{}), offset: 42}
	sink := &txnSink{}

	sinkTask := task.New(task.Options{
		Name:              "sink.collect",
		InputCount:        1,
		ChannelSize:       16,
		Operator:          operator.SinkOperatorToNormal[string](sink),
		StoreManager:      manager,
		BarrierSignalChan: signalChan,
		Scope:             scope,
		ErrorChan:         errorChan,
		EmitNext:          func(element.Element) {},
	})
	sourceTask := task.New(task.Options{
		Name:              "source.numbers",
		InputCount:        0,
		ChannelSize:       16,
		Operator:          operator.SourceOperatorToNormal[string](source),
		StoreManager:      manager,
		BarrierSignalChan: signalChan,
		Scope:             scope,
		ErrorChan:         errorChan,
		EmitNext:          sinkTask.InitEmit(0),
	})
	safe.GoChannel(sinkTask.Daemon, errorChan)
	safe.GoChannel(sourceTask.Daemon, errorChan)
	require.Eventually(t, func() bool {
		return sourceTask.Running() && sinkTask.Running()
	}, time.Second, time.Millisecond)

	t.Cleanup(func() {
		sourceTask.Close()
		sinkTask.Close()
	})
	return &pipeline{
		backend:    backend,
		source:     source,
		sink:       sink,
		sourceTask: sourceTask,
		sinkTask:   sinkTask,
		signalChan: signalChan,
	}
}

func (p *pipeline) coordinator(options Options) *Coordinator {
	options.TasksToTrigger = []*task.Task{p.sourceTask}
	options.TasksToWaitFor = []*task.Task{p.sourceTask, p.sinkTask}
	options.StoreBackend = p.backend
	options.SignalChan = p.signalChan
	options.Scope = metrics.NewTestScope()
	return NewCoordinator(options)
}

func TestCheckpointCompletes(t *testing.T) {
	p := newPipeline(t)
	coordinator := p.coordinator(Options{
		MinPauseBetweenCheckpoints: time.Millisecond,
		CheckpointTimeout:          time.Second,
		TolerableFailureNumber:     3,
	})
	coordinator.Activate()
	defer coordinator.Stop()

	coordinator.TriggerCheckpoint()
	require.Eventually(t, func() bool {
		epochs, _ := p.backend.Epochs()
		return len(epochs) == 1
	}, time.Second, time.Millisecond)

	manifest, err := p.backend.Manifest(1)
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointCompleted, manifest.State)
	assert.Equal(t, map[string]int64{"partition-0": 42}, manifest.SourceOffsets["source.numbers"])
	assert.NotEmpty(t, manifest.SinkTokens["sink.collect"])
	assert.Contains(t, manifest.Namespaces, "source.numbers")
	assert.Contains(t, manifest.Namespaces, "sink.collect")

	//manifest persisted first, then the sink commits its transaction
	assert.Eventually(t, func() bool {
		committed := p.sink.committedEpochs()
		return len(committed) == 1 && committed[0] == 1
	}, time.Second, time.Millisecond)
}

func TestFailedEpochIsAbortedAndNumberingContinues(t *testing.T) {
	p := newPipeline(t)
	coordinator := p.coordinator(Options{
		MinPauseBetweenCheckpoints: time.Millisecond,
		CheckpointTimeout:          time.Second,
		TolerableFailureNumber:     3,
	})
	coordinator.Activate()
	defer coordinator.Stop()

	p.sink.setFail(true)
	coordinator.TriggerCheckpoint()
	require.Eventually(t, func() bool {
		canceled := p.sink.canceledEpochs()
		return len(canceled) == 1 && canceled[0] == 1
	}, time.Second, time.Millisecond)
	epochs, err := p.backend.Epochs()
	require.NoError(t, err)
	assert.Empty(t, epochs)

	//the epoch counter is not reused for the next attempt
	p.sink.setFail(false)
	time.Sleep(5 * time.Millisecond)
	coordinator.TriggerCheckpoint()
	require.Eventually(t, func() bool {
		epochs, _ := p.backend.Epochs()
		return len(epochs) == 1 && epochs[0] == 2
	}, time.Second, time.Millisecond)
}

func TestCheckpointTimeoutAborts(t *testing.T) {
	p := newPipeline(t)
	coordinator := p.coordinator(Options{
		MinPauseBetweenCheckpoints: time.Millisecond,
		CheckpointTimeout:          20 * time.Millisecond,
	})
	//the coordinator waits for a task that never receives a barrier
	detached := task.New(task.Options{
		Name:              "sink.orphan",
		InputCount:        1,
		ChannelSize:       16,
		Operator:          operator.SinkOperatorToNormal[string](&txnSink{}),
		StoreManager:      store.NewManager(p.backend),
		BarrierSignalChan: p.signalChan,
		Scope:             metrics.NewTestScope(),
		ErrorChan:         make(chan error, 1),
		EmitNext:          func(element.Element) {},
	})
	safe.GoChannel(detached.Daemon, make(chan error, 1))
	require.Eventually(t, detached.Running, time.Second, time.Millisecond)
	t.Cleanup(detached.Close)
	coordinator.TasksToWaitFor = append(coordinator.TasksToWaitFor, detached)

	coordinator.Activate()
	defer coordinator.Stop()

	coordinator.TriggerCheckpoint()
	assert.Eventually(t, func() bool {
		canceled := p.sink.canceledEpochs()
		return len(canceled) == 1 && canceled[0] == 1
	}, time.Second, time.Millisecond)
	epochs, err := p.backend.Epochs()
	require.NoError(t, err)
	assert.Empty(t, epochs)
}

func TestDeactivateRunsFinalCheckpointAndStopsTasks(t *testing.T) {
	p := newPipeline(t)
	coordinator := p.coordinator(Options{
		MinPauseBetweenCheckpoints: time.Millisecond,
		CheckpointTimeout:          time.Second,
	})
	coordinator.Activate()

	coordinator.Deactivate()
	coordinator.Wait()

	epochs, err := p.backend.Epochs()
	require.NoError(t, err)
	require.Equal(t, []int64{1}, epochs)
	assert.Eventually(t, func() bool {
		return !p.sourceTask.Running() && !p.sinkTask.Running()
	}, time.Second, time.Millisecond)
	assert.Equal(t, []int64{1}, p.sink.committedEpochs())
}

func TestFirstEpochContinuesAfterRestore(t *testing.T) {
	p := newPipeline(t)
	coordinator := p.coordinator(Options{
		FirstEpoch:                 5,
		MinPauseBetweenCheckpoints: time.Millisecond,
		CheckpointTimeout:          time.Second,
	})
	coordinator.Activate()
	defer coordinator.Stop()

	coordinator.TriggerCheckpoint()
	require.Eventually(t, func() bool {
		epochs, _ := p.backend.Epochs()
		return len(epochs) == 1 && epochs[0] == 5
	}, time.Second, time.Millisecond)
}
