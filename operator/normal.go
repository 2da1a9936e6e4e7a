package operator

import (
	"math"

	"github.com/rillstream/rill/element"
)

type collector[T any] struct {
	element.Emit
}

func (c *collector[T]) EmitEvent(event *element.Event[T]) {
	c.Emit(event)
}

func (c *collector[T]) EmitWatermark(watermark element.Watermark) {
	c.Emit(watermark)
}

func (c *collector[T]) EmitWatermarkStatus(status element.WatermarkStatus) {
	c.Emit(status)
}

func NewCollector[T any](emit element.Emit) element.Collector[T] {
	return &collector[T]{emit}
}

type oneInputNormalOperator[IN, OUT any] struct {
	OneInputOperator[IN, OUT]
}

func (o *oneInputNormalOperator[IN, OUT]) Open(ctx Context, emit element.Emit) error {
	return o.OneInputOperator.Open(ctx, &collector[OUT]{emit})
}

func (o *oneInputNormalOperator[IN, OUT]) Close() error {
	return o.OneInputOperator.Close()
}

func (o *oneInputNormalOperator[IN, OUT]) ProcessElement(e element.Element, _ int) {
	switch value := e.(type) {
	case *element.Event[IN]:
		o.OneInputOperator.ProcessEvent(value)
	case element.Watermark:
		o.OneInputOperator.ProcessWatermark(value)
	case element.WatermarkStatus:
		o.OneInputOperator.ProcessWatermarkStatus(value)
	}
}

func OneInputOperatorToNormal[IN, OUT any](op OneInputOperator[IN, OUT]) NormalOperator {
	return &oneInputNormalOperator[IN, OUT]{op}
}

// twoInputNormalOperator min-combines the two input watermarks before the
// wrapped operator sees one, so downstream windows never run ahead of the
// slower input.
type twoInputNormalOperator[IN1, IN2, OUT any] struct {
	TwoInputOperator[IN1, IN2, OUT]
	combineWatermark *CombineWatermark
}

func (o *twoInputNormalOperator[IN1, IN2, OUT]) Open(ctx Context, emit element.Emit) error {
	combine := NewCombineWatermark(2)
	o.combineWatermark = &combine
	return o.TwoInputOperator.Open(ctx, &collector[OUT]{emit})
}

func (o *twoInputNormalOperator[IN1, IN2, OUT]) Close() error {
	return o.TwoInputOperator.Close()
}

func (o *twoInputNormalOperator[IN1, IN2, OUT]) ProcessElement(e element.Element, input int) {
	switch value := e.(type) {
	case element.Watermark:
		if o.combineWatermark.UpdateWatermarkTimestamp(int64(value), input+1) {
			o.TwoInputOperator.ProcessWatermark(element.Watermark(o.combineWatermark.GetCombinedWatermarkTimestamp()))
		}
	case element.WatermarkStatus:
		idle := value == element.IdleWatermarkStatus
		if o.combineWatermark.UpdateIdle(idle, input+1) {
			o.TwoInputOperator.ProcessWatermark(element.Watermark(o.combineWatermark.GetCombinedWatermarkTimestamp()))
		}
		if o.combineWatermark.IsIdle() {
			o.TwoInputOperator.ProcessWatermarkStatus(element.IdleWatermarkStatus)
		}
	default:
		//events are routed by input index so joins of identical types work
		if input == 0 {
			if event, ok := e.(*element.Event[IN1]); ok {
				o.TwoInputOperator.ProcessEvent1(event)
			}
		} else {
			if event, ok := e.(*element.Event[IN2]); ok {
				o.TwoInputOperator.ProcessEvent2(event)
			}
		}
	}
}

func TwoInputOperatorToNormal[IN1, IN2, OUT any](op TwoInputOperator[IN1, IN2, OUT]) NormalOperator {
	return &twoInputNormalOperator[IN1, IN2, OUT]{TwoInputOperator: op}
}

// sourceCollector runs the source's follow-up inside the same critical
// section as the emit. Without an installed emitThen it degrades to plain
// emit-then-call, for sources driven outside a task.
type sourceCollector[T any] struct {
	collector[T]
	emitThen element.EmitThen
}

func (c *sourceCollector[T]) EmitEventThen(event *element.Event[T], then func()) {
	if c.emitThen == nil {
		c.Emit(event)
		if then != nil {
			then()
		}
		return
	}
	c.emitThen(event, then)
}

// sourceNormalOperator adapts a Source to the task runtime. The source's Run
// goroutine is started by the source task, not here.
type sourceNormalOperator[OUT any] struct {
	Source[OUT]
	emitThen element.EmitThen
}

func (o *sourceNormalOperator[OUT]) SetEmitThen(emitThen element.EmitThen) {
	o.emitThen = emitThen
}

func (o *sourceNormalOperator[OUT]) Open(ctx Context, emit element.Emit) error {
	return o.Source.Open(ctx, &sourceCollector[OUT]{collector[OUT]{emit}, o.emitThen})
}

func (o *sourceNormalOperator[OUT]) Close() error {
	return o.Source.Close()
}

func (o *sourceNormalOperator[OUT]) ProcessElement(element.Element, int) {
	panic("source operator has no input")
}

// Offsets and SeekTo forward to the wrapped source when it tracks offsets.
// Interface embedding alone would hide them from the task's type assertion.
func (o *sourceNormalOperator[OUT]) Offsets() map[string]int64 {
	if tracker, ok := o.Source.(OffsetTracker); ok {
		return tracker.Offsets()
	}
	return nil
}

func (o *sourceNormalOperator[OUT]) SeekTo(offsets map[string]int64) {
	if tracker, ok := o.Source.(OffsetTracker); ok {
		tracker.SeekTo(offsets)
	}
}

func SourceOperatorToNormal[OUT any](source Source[OUT]) NormalOperator {
	return &sourceNormalOperator[OUT]{Source: source}
}

type sinkNormalOperator[IN any] struct {
	Sink[IN]
	currentWatermark int64
}

func (o *sinkNormalOperator[IN]) Open(ctx Context, _ element.Emit) error {
	o.currentWatermark = math.MinInt64
	return o.Sink.Open(ctx)
}

func (o *sinkNormalOperator[IN]) Close() error {
	return o.Sink.Close()
}

func (o *sinkNormalOperator[IN]) ProcessElement(e element.Element, _ int) {
	switch value := e.(type) {
	case *element.Event[IN]:
		o.Sink.ProcessEvent(value)
	case element.Watermark:
		if int64(value) > o.currentWatermark {
			o.currentWatermark = int64(value)
			o.Sink.ProcessWatermark(value)
		}
	}
}

func (o *sinkNormalOperator[IN]) PreCommit(epoch int64) ([]byte, error) {
	if transactional, ok := o.Sink.(TransactionalSink); ok {
		return transactional.PreCommit(epoch)
	}
	return nil, nil
}

func SinkOperatorToNormal[IN any](sink Sink[IN]) NormalOperator {
	return &sinkNormalOperator[IN]{Sink: sink}
}
