package operator

import (
	"github.com/rillstream/rill/element"
)

// BaseOperator is part of the operator's functions to help developers save some work
type BaseOperator[IN1, IN2, OUT any] struct {
	Ctx          Context
	Collector    element.Collector[OUT]
	TimerManager *TimerManager
}

func (o *BaseOperator[IN1, IN2, OUT]) Open(ctx Context, collector element.Collector[OUT]) error {
	o.Ctx = ctx
	o.Collector = collector
	o.TimerManager = ctx.TimerManager()
	return nil
}

func (o *BaseOperator[IN1, IN2, OUT]) Close() error {
	return nil
}

// ProcessWatermark advances local event-time timers before forwarding, so a
// window can fire before downstream observes the same watermark.
func (o *BaseOperator[IN1, IN2, OUT]) ProcessWatermark(watermark element.Watermark) {
	o.TimerManager.advanceWatermarkTimestamp(int64(watermark))
	o.Collector.EmitWatermark(watermark)
}

func (o *BaseOperator[IN1, IN2, OUT]) ProcessWatermarkStatus(status element.WatermarkStatus) {
	o.Collector.EmitWatermarkStatus(status)
}

func (o *BaseOperator[IN1, IN2, OUT]) NotifyCheckpointCome(_ int64)     {}
func (o *BaseOperator[IN1, IN2, OUT]) NotifyCheckpointComplete(_ int64) {}
func (o *BaseOperator[IN1, IN2, OUT]) NotifyCheckpointCancel(_ int64)   {}

// BaseRichOperator included Rich and BaseOperator
type BaseRichOperator[IN1, IN2, OUT any] struct {
	Rich Rich
	BaseOperator[IN1, IN2, OUT]
}

func (o *BaseRichOperator[IN1, IN2, OUT]) Open(ctx Context, collector element.Collector[OUT]) error {
	if err := o.BaseOperator.Open(ctx, collector); err != nil {
		return err
	}
	if o.Rich != nil {
		return o.Rich.Open(ctx)
	}
	return nil
}

func (o *BaseRichOperator[IN1, IN2, OUT]) Close() error {
	if err := o.BaseOperator.Close(); err != nil {
		return err
	}
	if o.Rich != nil {
		return o.Rich.Close()
	}
	return nil
}
