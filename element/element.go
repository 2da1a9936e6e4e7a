// Package element defines the units that flow through task channels: events,
// watermarks, watermark statuses and checkpoint barriers. All of them travel
// in-band on the same bounded channels, so a channel preserves their relative
// order exactly as produced.
package element

// Element is one of *Event[T], Watermark, WatermarkStatus or Barrier.
type Element any

// Emit pushes an element to the downstream input it was initialized for.
type Emit func(element Element)

// EmitThen pushes an element and runs then in the same critical section, so
// a barrier can never fall between the two.
type EmitThen func(element Element, then func())

// Collector is the typed emit surface handed to operators.
type Collector[T any] interface {
	EmitEvent(event *Event[T])
	EmitWatermark(watermark Watermark)
	EmitWatermarkStatus(status WatermarkStatus)
}

// SourceCollector is the collector handed to sources. EmitEventThen makes
// offset bookkeeping atomic with barrier injection: the snapshot taken for a
// barrier sees the cursor exactly as of the last event emitted before it.
type SourceCollector[T any] interface {
	Collector[T]
	EmitEventThen(event *Event[T], then func())
}
