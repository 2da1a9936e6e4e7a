package task

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rillstream/rill/element"
)

type recordingProcessor struct {
	processed []inbound
}

func (r *recordingProcessor) ProcessData(data inbound) {
	r.processed = append(r.processed, data)
}

type recordingTrigger struct {
	barriers []element.Barrier
}

func (r *recordingTrigger) TriggerBarrier(barrier element.Barrier) {
	r.barriers = append(r.barriers, barrier)
}

func values(processed []inbound) []string {
	out := make([]string, 0, len(processed))
	for _, data := range processed {
		out = append(out, data.e.(*element.Event[string]).Value)
	}
	return out
}

func stringEvent(value string) *element.Event[string] {
	return &element.Event[string]{Value: value}
}

func TestSingleInputForwardsBarrierImmediately(t *testing.T) {
	processor := &recordingProcessor{}
	trigger := &recordingTrigger{}
	aligner := NewBarrierAligner(processor, trigger, 1)

	aligner.Handle(inbound{input: 0, e: stringEvent("a")})
	aligner.Handle(inbound{input: 0, e: element.Barrier{Epoch: 1}})
	aligner.Handle(inbound{input: 0, e: stringEvent("b")})

	assert.Equal(t, []string{"a", "b"}, values(processor.processed))
	assert.Equal(t, []element.Barrier{{Epoch: 1}}, trigger.barriers)

	//a replayed barrier of the same epoch must not trigger twice
	aligner.Handle(inbound{input: 0, e: element.Barrier{Epoch: 1}})
	assert.Len(t, trigger.barriers, 1)
}

func TestTwoInputAlignmentBuffersBlockedInput(t *testing.T) {
	processor := &recordingProcessor{}
	trigger := &recordingTrigger{}
	aligner := NewBarrierAligner(processor, trigger, 2)

	aligner.Handle(inbound{input: 0, e: stringEvent("a0")})
	aligner.Handle(inbound{input: 0, e: element.Barrier{Epoch: 1}})
	//events behind the barrier on input 0 belong to the next epoch and must
	//not be processed before the snapshot point
	aligner.Handle(inbound{input: 0, e: stringEvent("post-barrier")})
	aligner.Handle(inbound{input: 1, e: stringEvent("b0")})
	assert.Equal(t, []string{"a0", "b0"}, values(processor.processed))
	assert.Empty(t, trigger.barriers)

	aligner.Handle(inbound{input: 1, e: element.Barrier{Epoch: 1}})
	assert.Equal(t, []element.Barrier{{Epoch: 1}}, trigger.barriers)
	//the buffered element replays right after alignment, in arrival order
	assert.Equal(t, []string{"a0", "b0", "post-barrier"}, values(processor.processed))
}

func TestNewerBarrierAbortsStaleAlignment(t *testing.T) {
	processor := &recordingProcessor{}
	trigger := &recordingTrigger{}
	aligner := NewBarrierAligner(processor, trigger, 2)

	aligner.Handle(inbound{input: 0, e: element.Barrier{Epoch: 1}})
	//input 1 never delivers epoch 1; a newer barrier arrives instead
	aligner.Handle(inbound{input: 1, e: element.Barrier{Epoch: 2}})
	assert.Empty(t, trigger.barriers)

	aligner.Handle(inbound{input: 0, e: element.Barrier{Epoch: 2}})
	assert.Equal(t, []element.Barrier{{Epoch: 2}}, trigger.barriers)
}

func TestStaleBarrierIgnored(t *testing.T) {
	processor := &recordingProcessor{}
	trigger := &recordingTrigger{}
	aligner := NewBarrierAligner(processor, trigger, 2)

	aligner.Handle(inbound{input: 0, e: element.Barrier{Epoch: 2}})
	aligner.Handle(inbound{input: 1, e: element.Barrier{Epoch: 1}})
	assert.Empty(t, trigger.barriers)

	aligner.Handle(inbound{input: 1, e: element.Barrier{Epoch: 2}})
	assert.Equal(t, []element.Barrier{{Epoch: 2}}, trigger.barriers)
}
