package operator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombineWatermarkHoldsUntilEveryInputSpoke(t *testing.T) {
	combine := NewCombineWatermark(2)

	//input 2 has never emitted a watermark or status, so nothing may advance
	assert.False(t, combine.UpdateWatermarkTimestamp(100, 1))
	assert.EqualValues(t, math.MinInt64, combine.GetCombinedWatermarkTimestamp())
	assert.False(t, combine.IsIdle())

	assert.True(t, combine.UpdateWatermarkTimestamp(40, 2))
	assert.EqualValues(t, 40, combine.GetCombinedWatermarkTimestamp())
}

func TestCombineWatermarkIsMinimumOverInputs(t *testing.T) {
	combine := NewCombineWatermark(2)
	combine.UpdateWatermarkTimestamp(10, 1)
	combine.UpdateWatermarkTimestamp(30, 2)
	assert.EqualValues(t, 10, combine.GetCombinedWatermarkTimestamp())

	//the slower input gates every advance
	assert.False(t, combine.UpdateWatermarkTimestamp(50, 2))
	assert.EqualValues(t, 10, combine.GetCombinedWatermarkTimestamp())
	assert.True(t, combine.UpdateWatermarkTimestamp(25, 1))
	assert.EqualValues(t, 25, combine.GetCombinedWatermarkTimestamp())
}

func TestCombineWatermarkIdleInputIsExcluded(t *testing.T) {
	combine := NewCombineWatermark(2)
	combine.UpdateWatermarkTimestamp(100, 1)

	//marking the silent input idle releases the other input's watermark
	assert.True(t, combine.UpdateIdle(true, 2))
	assert.EqualValues(t, 100, combine.GetCombinedWatermarkTimestamp())

	//and waking it up gates advances again until it catches up
	combine.UpdateIdle(false, 2)
	assert.False(t, combine.UpdateWatermarkTimestamp(200, 1))
	assert.True(t, combine.UpdateWatermarkTimestamp(150, 2))
	assert.EqualValues(t, 150, combine.GetCombinedWatermarkTimestamp())
}

func TestCombineWatermarkAllIdleHoldsStill(t *testing.T) {
	combine := NewCombineWatermark(2)
	combine.UpdateWatermarkTimestamp(10, 1)
	combine.UpdateIdle(true, 2)
	combine.UpdateIdle(true, 1)
	assert.True(t, combine.IsIdle())
	assert.EqualValues(t, 10, combine.GetCombinedWatermarkTimestamp())
}