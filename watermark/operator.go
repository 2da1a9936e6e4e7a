package watermark

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/rillstream/rill/element"
	. "github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/stream"
)

type options[T any] struct {
	generatorFn           GeneratorFn[T]
	timestampAssignerFn   TimestampAssignerFn[T]
	autoWatermarkInterval time.Duration
	emitAfterEvents       int
	idleTimeout           time.Duration
}

type WithOptions[T any] func(options *options[T]) error

// WithBoundedOutOfOrderness tolerates events arriving up to bound later than
// the newest event seen so far.
func WithBoundedOutOfOrderness[T any](bound time.Duration) WithOptions[T] {
	return func(options *options[T]) error {
		if bound < 0 {
			return errors.Errorf("out of orderness bound should not be negative")
		}
		delay := int64(bound / time.Millisecond)
		options.generatorFn = &maxDelayGeneratorFn[T]{
			maxTimestamp:     math.MinInt64 + delay,
			delayMillisecond: delay,
		}
		return nil
	}
}

// WithFixedDelay keeps the watermark a fixed distance behind the newest
// event time. Equivalent to WithBoundedOutOfOrderness under another name.
func WithFixedDelay[T any](delay time.Duration) WithOptions[T] {
	return WithBoundedOutOfOrderness[T](delay)
}

func WithNoWatermarksGenerator[T any]() WithOptions[T] {
	return func(options *options[T]) error {
		options.generatorFn = &noWatermarksGeneratorFn[T]{}
		return nil
	}
}

func WithTimestampAssigner[T any](fn TimestampAssignerFn[T]) WithOptions[T] {
	return func(options *options[T]) error {
		options.timestampAssignerFn = fn
		return nil
	}
}

func WithAutoWatermarkInterval[T any](duration time.Duration) WithOptions[T] {
	return func(options *options[T]) error {
		if duration <= 0 {
			return errors.Errorf("duration should be greater than 0")
		}
		options.autoWatermarkInterval = duration
		return nil
	}
}

// WithEmitAfterEvents also emits a watermark every n events.
func WithEmitAfterEvents[T any](n int) WithOptions[T] {
	return func(options *options[T]) error {
		if n <= 0 {
			return errors.Errorf("n should be greater than 0")
		}
		options.emitAfterEvents = n
		return nil
	}
}

// WithIdleTimeout marks the stream idle after the given silence period.
func WithIdleTimeout[T any](timeout time.Duration) WithOptions[T] {
	return func(options *options[T]) error {
		if timeout <= 0 {
			return errors.Errorf("timeout should be greater than 0")
		}
		options.idleTimeout = timeout
		return nil
	}
}

// timestampAndWatermarkOperator sets event time and advances the watermark.
type timestampAndWatermarkOperator[T any] struct {
	BaseOperator[T, any, T]
	watermarkGenerator GeneratorFn[T]
	timestampAssigner  TimestampAssignerFn[T]

	autoWatermarkInterval time.Duration
	timerService          *TimerService[struct{}]
	elementCollector      element.Collector[T]
	watermarkCollector    *collector[T]
}

func (o *timestampAndWatermarkOperator[T]) Open(ctx Context, elementCollector element.Collector[T]) (err error) {
	if err = o.BaseOperator.Open(ctx, elementCollector); err != nil {
		return err
	}
	o.elementCollector = elementCollector
	o.watermarkCollector = newCollector[T](elementCollector, ctx.Metrics().Gauge("watermark"))
	if o.timerService, err = GetTimerService[struct{}](ctx, "timer-service", o); err != nil {
		return errors.WithMessage(err, "failed to open timestamp and watermark operator")
	}
	o.timerService.RegisterProcessingTimeTimer(Timer[struct{}]{
		Timestamp: time.Now().UnixMilli() + int64(o.autoWatermarkInterval/time.Millisecond)})
	return nil
}

func (o *timestampAndWatermarkOperator[T]) ProcessEvent(event *element.Event[T]) {
	timestamp := o.timestampAssigner(event.Value)
	event.Timestamp = timestamp
	event.HasTimestamp = true
	o.elementCollector.EmitEvent(event)
	o.watermarkGenerator.OnEvent(event.Value, timestamp, o.watermarkCollector)
}

func (o *timestampAndWatermarkOperator[T]) OnProcessingTime(_ Timer[struct{}]) {
	o.watermarkGenerator.OnPeriodicEmit(o.watermarkCollector)
	o.timerService.RegisterProcessingTimeTimer(Timer[struct{}]{
		Timestamp: o.timerService.CurrentProcessingTimestamp() + int64(o.autoWatermarkInterval/time.Millisecond)})
}

func (o *timestampAndWatermarkOperator[T]) OnEventTime(_ Timer[struct{}]) {}

// ProcessWatermark drops upstream watermarks; this operator is the
// authority on event time from here on. The max value means end of input
// and is the one watermark that passes through.
func (o *timestampAndWatermarkOperator[T]) ProcessWatermark(watermark element.Watermark) {
	if int64(watermark) == math.MaxInt64 {
		o.watermarkCollector.EmitWatermarkTimestamp(int64(watermark))
	}
}

func Apply[T any](upstream stream.Stream[T], name string, withOptionsFns ...WithOptions[T]) (stream.Stream[T], error) {
	o := &options[T]{
		autoWatermarkInterval: 200 * time.Millisecond,
	}
	for _, withOptionsFn := range withOptionsFns {
		if err := withOptionsFn(o); err != nil {
			return nil, err
		}
	}
	if o.generatorFn == nil {
		return nil, errors.Errorf("generatorFn can't be nil")
	}
	if o.timestampAssignerFn == nil {
		return nil, errors.Errorf("timestampAssignerFn can't be nil")
	}
	generatorFn := o.generatorFn
	if o.emitAfterEvents > 0 {
		generatorFn = &emitAfterEventsGeneratorFn[T]{generator: generatorFn, n: o.emitAfterEvents}
	}
	if o.idleTimeout > 0 {
		generatorFn = newWithIdlenessGeneratorFn(generatorFn, o.idleTimeout)
	}
	return stream.ApplyOneInput[T, T](upstream, stream.OperatorStreamOptions{
		Options: stream.Options{Name: name},
		Operator: OneInputOperatorToNormal[T, T](&timestampAndWatermarkOperator[T]{
			watermarkGenerator:    generatorFn,
			timestampAssigner:     o.timestampAssignerFn,
			autoWatermarkInterval: o.autoWatermarkInterval,
		}),
	})
}
