// Package watermark derives event-time progress from event streams: it
// assigns timestamps and emits non-decreasing watermarks per a configured
// strategy.
package watermark

import (
	"math"

	"github.com/uber-go/tally/v4"

	"github.com/rillstream/rill/element"
)

type Collector interface {
	EmitWatermarkTimestamp(watermarkTimestamp int64)
	MarkIdle()
	MarkActive()
}

type collector[T any] struct {
	c                         element.Collector[T]
	gauge                     tally.Gauge
	currentWatermarkTimestamp int64
	idle                      bool
}

func (c *collector[T]) EmitWatermarkTimestamp(watermarkTimestamp int64) {
	if watermarkTimestamp <= c.currentWatermarkTimestamp {
		return
	}
	c.currentWatermarkTimestamp = watermarkTimestamp
	c.MarkActive()
	c.gauge.Update(float64(watermarkTimestamp))
	c.c.EmitWatermark(element.Watermark(watermarkTimestamp))
}

func (c *collector[T]) MarkIdle() {
	if !c.idle {
		c.idle = true
		c.c.EmitWatermarkStatus(element.IdleWatermarkStatus)
	}
}

func (c *collector[T]) MarkActive() {
	if c.idle {
		c.idle = false
		c.c.EmitWatermarkStatus(element.ActiveWatermarkStatus)
	}
}

func newCollector[T any](c element.Collector[T], gauge tally.Gauge) *collector[T] {
	return &collector[T]{c: c, gauge: gauge, currentWatermarkTimestamp: math.MinInt64}
}

// GeneratorFn computes watermark candidates from observed events. OnEvent
// sees every event; OnPeriodicEmit runs on the configured interval. The
// collector suppresses any candidate below the last emitted value.
type GeneratorFn[T any] interface {
	OnEvent(value T, timestamp int64, watermarkCollector Collector)
	OnPeriodicEmit(watermarkCollector Collector)
}

type TimestampAssignerFn[T any] func(value T) int64
