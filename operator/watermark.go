package operator

import (
	"math"
)

type PartialWatermark struct {
	Idle               bool
	WatermarkTimestamp int64
}

func (p *PartialWatermark) IsIdle() bool {
	return p.Idle
}

func (p *PartialWatermark) GetWatermarkTimestamp() int64 {
	return p.WatermarkTimestamp
}

func (p *PartialWatermark) UpdateWatermarkTimestamp(timestamp int64) {
	p.Idle = false
	p.WatermarkTimestamp = timestamp
}

// CombineWatermark fuses the watermarks of a multi-input operator. The
// combined value is the minimum over all non-idle inputs and only ever moves
// forward; if every input is idle the combined watermark holds still.
type CombineWatermark struct {
	Idle                       bool
	CombinedWatermarkTimestamp int64
	PartialWatermarks          []*PartialWatermark
}

func (c *CombineWatermark) IsIdle() bool {
	return c.Idle
}

func (c *CombineWatermark) GetCombinedWatermarkTimestamp() int64 {
	return c.CombinedWatermarkTimestamp
}

func (c *CombineWatermark) UpdateCombinedWatermarkTimestamp() bool {
	var minimumOverAllInputs int64 = math.MaxInt64
	if len(c.PartialWatermarks) == 0 {
		return false
	}
	allIdle := true
	for _, pw := range c.PartialWatermarks {
		if !pw.IsIdle() {
			minimumOverAllInputs = int64(math.Min(float64(minimumOverAllInputs), float64(pw.GetWatermarkTimestamp())))
			allIdle = false
		}
	}
	c.Idle = allIdle
	if !allIdle && minimumOverAllInputs > c.CombinedWatermarkTimestamp {
		c.CombinedWatermarkTimestamp = minimumOverAllInputs
		return true
	}
	return false
}

// UpdateWatermarkTimestamp records input's (1-based) watermark and reports
// whether the combined watermark advanced.
func (c *CombineWatermark) UpdateWatermarkTimestamp(timestamp int64, input int) bool {
	c.PartialWatermarks[input-1].UpdateWatermarkTimestamp(timestamp)
	return c.UpdateCombinedWatermarkTimestamp()
}

func (c *CombineWatermark) UpdateIdle(idle bool, input int) bool {
	c.PartialWatermarks[input-1].Idle = idle
	return c.UpdateCombinedWatermarkTimestamp()
}

// NewCombineWatermark starts every input active at the minimum timestamp:
// an input that has never emitted holds the combined watermark back until it
// speaks or is explicitly marked idle, so the combined value never runs
// ahead of a silent input.
func NewCombineWatermark(inputs int) CombineWatermark {
	partialWatermarks := make([]*PartialWatermark, 0, inputs)
	for p := 0; p < inputs; p++ {
		partialWatermarks = append(partialWatermarks, &PartialWatermark{false, math.MinInt64})
	}
	return CombineWatermark{
		Idle:                       false,
		CombinedWatermarkTimestamp: math.MinInt64,
		PartialWatermarks:          partialWatermarks,
	}
}
