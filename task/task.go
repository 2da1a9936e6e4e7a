package task

import (
	_c "context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"

	"github.com/rillstream/rill/common/executor"
	"github.com/rillstream/rill/common/safe"
	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/log"
	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/store"
)

type Options struct {
	Name              string
	InputCount        int
	ChannelSize       int
	Operator          operator.NormalOperator
	StoreManager      store.Manager
	BarrierSignalChan chan Signal
	Scope             tally.Scope
	//ErrorChan receives failures of the source goroutine; the stream
	//environment monitors it.
	ErrorChan chan<- error
	//EmitNext pushes an element to this task's downstream inputs; wired by
	//the stream builder before Daemon starts.
	EmitNext element.Emit
}

type sourceRunner interface {
	Run()
}

// Task is one vertex of the job graph: a goroutine owning an operator, its
// state namespace and its bounded input channel. Nothing else touches the
// operator's state; timers and checkpoint notifications are marshalled onto
// this goroutine through callerChan.
type Task struct {
	ctx        _c.Context
	cancelFunc _c.CancelFunc
	logger     log.Logger
	Options

	running atomic.Bool
	rwMutex *sync.RWMutex

	inputChan  chan inbound
	callerChan chan *executor.Executor

	normalOperator operator.NormalOperator
	timerManager   *operator.TimerManager
	barrierAligner *BarrierAligner
}

func (o *Task) Name() string {
	return o.Options.Name
}

func (o *Task) Daemon() error {
	o.logger.Info("starting...")
	if o.InputCount > 0 {
		o.inputChan = make(chan inbound, o.ChannelSize)
	}
	o.barrierAligner = NewBarrierAligner(o, o, o.InputCount)

	if setter, ok := o.normalOperator.(operator.EmitThenSetter); ok {
		setter.SetEmitThen(o.EmitThen)
	}
	if err := safe.Run(func() error {
		return o.normalOperator.Open(operator.NewContext(
			o.logger.Named("operator"),
			o.StoreManager.Controller(o.Name()),
			o.Scope.Tagged(map[string]string{"task": o.Name()}),
			o.callerChan,
			o.timerManager),
			o.Emit)
	}); err != nil {
		return errors.WithMessagef(err, "failed to open task %s", o.Name())
	}
	if runner, ok := o.normalOperator.(sourceRunner); ok {
		safe.GoChannelWithMessage(func() error {
			runner.Run()
			return nil
		}, o.Name()+" source stopped", o.ErrorChan)
	}
	o.running.Store(true)
	defer o.running.Store(false)
	for {
		select {
		case <-o.ctx.Done():
			return o.normalOperator.Close()
		case caller := <-o.callerChan:
			caller.Exec()
		case data := <-o.inputChan:
			o.barrierAligner.Handle(data)
			//drain whatever already queued up before selecting again
			buffered := len(o.inputChan)
			for i := 0; i < buffered; i++ {
				o.barrierAligner.Handle(<-o.inputChan)
			}
		}
	}
}

// SeekTo repositions the task's source to checkpointed offsets. Called
// during recovery before Daemon starts, so no synchronization is needed.
func (o *Task) SeekTo(offsets map[string]int64) {
	if tracker, ok := o.normalOperator.(operator.OffsetTracker); ok {
		tracker.SeekTo(offsets)
	}
}

func (o *Task) Running() bool {
	return o.running.Load()
}

func (o *Task) Close() {
	o.cancelFunc()
}

// Emit forwards an element downstream. The read lock makes source emission
// mutually exclusive with barrier injection, which needs a stable point
// between two elements.
func (o *Task) Emit(e element.Element) {
	o.rwMutex.RLock()
	o.EmitNext(e)
	o.rwMutex.RUnlock()
}

// EmitThen forwards an element and runs then before releasing the lock.
// TriggerBarrier's offset capture therefore observes either both the event
// and its cursor advance or neither.
func (o *Task) EmitThen(e element.Element, then func()) {
	o.rwMutex.RLock()
	o.EmitNext(e)
	if then != nil {
		then()
	}
	o.rwMutex.RUnlock()
}

// InitEmit returns the emit func upstream tasks use to feed this task's
// input with the given index.
func (o *Task) InitEmit(input int) element.Emit {
	return func(e element.Element) {
		select {
		case o.inputChan <- inbound{input: input, e: e}:
		case <-o.ctx.Done():
		}
	}
}

// -------------------------------------processor---------------------------------------------

func (o *Task) ProcessData(data inbound) {
	o.normalOperator.ProcessElement(data.e, data.input)
}

// -------------------------------------barrierTrigger-----------------------------------------

// TriggerBarrier snapshots this task for the barrier's epoch. Under the
// write lock the barrier is forwarded and the state mirrored, so the
// snapshot reflects exactly the events emitted before the barrier.
func (o *Task) TriggerBarrier(barrier element.Barrier) {
	signal := Signal{Name: o.Name(), Message: ACK, Barrier: barrier}

	o.rwMutex.Lock()
	o.EmitNext(barrier)
	o.normalOperator.NotifyCheckpointCome(barrier.Epoch)
	if sink, ok := o.normalOperator.(operator.TransactionalSink); ok {
		if token, err := sink.PreCommit(barrier.Epoch); err != nil {
			signal.Message = DEC
			signal.Err = errors.WithMessagef(err, "sink %s failed to pre-commit epoch %d", o.Name(), barrier.Epoch)
		} else {
			signal.SinkToken = token
		}
	}
	if tracker, ok := o.normalOperator.(operator.OffsetTracker); ok {
		signal.Offsets = tracker.Offsets()
	}
	if signal.Message == ACK {
		o.timerManager.Snapshot()
		if snapshot, err := o.StoreManager.Save(barrier.Epoch, o.Name()); err != nil {
			signal.Message = DEC
			signal.Err = err
		} else {
			signal.Snapshot = snapshot
		}
	}
	o.rwMutex.Unlock()

	if signal.Err != nil {
		o.logger.Warnw("failed to snapshot for barrier.", "epoch", barrier.Epoch, "err", signal.Err)
	}
	o.BarrierSignalChan <- signal
}

// -------------------------------------barrier listener----------------------------------------

func (o *Task) NotifyBarrierComplete(barrier element.Barrier) {
	o.call(func() {
		o.normalOperator.NotifyCheckpointComplete(barrier.Epoch)
		if barrier.Kind == element.ExitpointBarrier {
			o.cancelFunc()
		}
	})
}

func (o *Task) NotifyBarrierCancel(barrier element.Barrier) {
	o.call(func() {
		o.normalOperator.NotifyCheckpointCancel(barrier.Epoch)
	})
}

func (o *Task) call(fn func()) {
	select {
	case o.callerChan <- executor.NewExecutor(fn):
	case <-o.ctx.Done():
	}
}

func New(options Options) *Task {
	ctx, cancelFunc := _c.WithCancel(_c.Background())
	return &Task{
		ctx:            ctx,
		cancelFunc:     cancelFunc,
		logger:         log.Named(options.Name + ".task"),
		Options:        options,
		rwMutex:        &sync.RWMutex{},
		normalOperator: options.Operator,
		timerManager:   operator.NewTimerManager(),
		callerChan:     make(chan *executor.Executor, 16),
	}
}
