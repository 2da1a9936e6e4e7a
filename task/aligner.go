package task

import (
	"github.com/rillstream/rill/element"
)

type inbound struct {
	input int
	e     element.Element
}

type processor interface {
	ProcessData(data inbound)
}

type barrierTrigger interface {
	TriggerBarrier(barrier element.Barrier)
}

// BarrierAligner blocks each input after it delivers the barrier for the
// current epoch until every input has delivered it. Elements arriving on a
// blocked input are buffered, never processed, so no post-barrier effect can
// leak into the epoch's snapshot; once aligned the buffer is replayed in
// arrival order.
type BarrierAligner struct {
	trigger       barrierTrigger
	processor     processor
	inputCount    int
	currentEpoch  int64
	blockedInputs map[int]struct{}
	buffer        []inbound
}

func (h *BarrierAligner) Handle(data inbound) {
	switch e := data.e.(type) {
	case element.Barrier:
		h.handleBarrier(e, data.input)
	default:
		if h.inputCount > 1 && len(h.blockedInputs) > 0 {
			if _, ok := h.blockedInputs[data.input]; ok {
				h.buffer = append(h.buffer, data)
				return
			}
		}
		h.processor.ProcessData(data)
	}
}

func (h *BarrierAligner) handleBarrier(barrier element.Barrier, input int) {
	if h.inputCount == 1 {
		if barrier.Epoch > h.currentEpoch {
			h.currentEpoch = barrier.Epoch
			h.trigger.TriggerBarrier(barrier)
		}
		return
	}
	if len(h.blockedInputs) > 0 {
		if barrier.Epoch == h.currentEpoch {
			h.block(input)
		} else if barrier.Epoch > h.currentEpoch {
			//a newer barrier aborts the stale alignment and starts over
			h.releaseBlocks()
			h.beginAlignment(barrier, input)
		} else {
			return
		}
	} else if barrier.Epoch > h.currentEpoch {
		h.beginAlignment(barrier, input)
	} else {
		return
	}
	if len(h.blockedInputs) == h.inputCount {
		h.trigger.TriggerBarrier(barrier)
		h.releaseBlocks()
		buffered := h.buffer
		h.buffer = nil
		for _, data := range buffered {
			h.Handle(data)
		}
	}
}

func (h *BarrierAligner) block(input int) {
	h.blockedInputs[input] = struct{}{}
}

func (h *BarrierAligner) releaseBlocks() {
	h.blockedInputs = map[int]struct{}{}
}

func (h *BarrierAligner) beginAlignment(barrier element.Barrier, input int) {
	h.currentEpoch = barrier.Epoch
	h.block(input)
}

func NewBarrierAligner(processor processor, trigger barrierTrigger, inputCount int) *BarrierAligner {
	return &BarrierAligner{
		processor:     processor,
		trigger:       trigger,
		inputCount:    inputCount,
		blockedInputs: map[int]struct{}{},
	}
}
