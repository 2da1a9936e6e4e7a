package element

// Watermark declares that no event with a smaller event-time timestamp
// (milliseconds) should be expected on this channel. Once emitted, a task
// never emits a smaller one.
type Watermark int64

// WatermarkStatus toggles an input between active and idle. An idle input is
// excluded from min-combining so a silent source can't stall downstream
// event-time progress.
type WatermarkStatus uint

const (
	ActiveWatermarkStatus WatermarkStatus = iota
	IdleWatermarkStatus
)
