package operator

import (
	"github.com/uber-go/tally/v4"

	"github.com/rillstream/rill/common/executor"
	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/log"
	"github.com/rillstream/rill/store"
)

type Context interface {
	Logger() log.Logger
	Store() store.Controller
	Metrics() tally.Scope
	TimerManager() *TimerManager
	//Call hands fn to the owning task goroutine, which runs it mutually
	//exclusive with element processing.
	Call(func()) *executor.Executor
}

// CheckpointListener is notified at the three points of an epoch's life:
// barrier arrival (snapshot/pre-commit point), global completion (commit) and
// cancellation (discard staged work).
type CheckpointListener interface {
	NotifyCheckpointCome(epoch int64)
	NotifyCheckpointComplete(epoch int64)
	NotifyCheckpointCancel(epoch int64)
}

// NormalOperator is the untyped form every task runs.
type NormalOperator interface {
	CheckpointListener
	Open(ctx Context, emit element.Emit) error
	Close() error
	ProcessElement(e element.Element, input int)
}

type OneInputOperator[IN, OUT any] interface {
	CheckpointListener
	Open(ctx Context, collector element.Collector[OUT]) error
	Close() error

	ProcessEvent(event *element.Event[IN])
	ProcessWatermark(watermark element.Watermark)
	ProcessWatermarkStatus(status element.WatermarkStatus)
}

type TwoInputOperator[IN1, IN2, OUT any] interface {
	CheckpointListener
	Open(ctx Context, collector element.Collector[OUT]) error
	Close() error

	ProcessEvent1(event *element.Event[IN1])
	ProcessEvent2(event *element.Event[IN2])
	ProcessWatermark(watermark element.Watermark)
	ProcessWatermarkStatus(status element.WatermarkStatus)
}

// Source produces events from outside the job. Run blocks until Close; it
// emits through the collector, which the source task synchronizes with
// barrier injection.
type Source[OUT any] interface {
	CheckpointListener
	Open(ctx Context, collector element.Collector[OUT]) error
	Close() error

	Run()
}

// EmitThenSetter is implemented by the source wrapper. The task installs its
// locked emit-then variant before Open, so source collectors can advance
// offsets atomically with the emit.
type EmitThenSetter interface {
	SetEmitThen(emitThen element.EmitThen)
}

// OffsetTracker is implemented by sources that can re-seek: the offsets
// captured at barrier time go into the checkpoint manifest and come back on
// restore.
type OffsetTracker interface {
	Offsets() map[string]int64
	SeekTo(offsets map[string]int64)
}

type Sink[IN any] interface {
	CheckpointListener
	Open(ctx Context) error
	Close() error

	ProcessEvent(event *element.Event[IN])
	ProcessWatermark(watermark element.Watermark)
}

// TransactionalSink supports the two-phase protocol behind end-to-end
// exactly-once: PreCommit stages everything before the epoch's barrier and
// returns a resumable token; the commit itself happens in
// NotifyCheckpointComplete, the rollback in NotifyCheckpointCancel.
type TransactionalSink interface {
	PreCommit(epoch int64) ([]byte, error)
}

type Rich interface {
	Open(ctx Context) error
	Close() error
}
