package window

import (
	. "github.com/rillstream/rill/operator"
)

type EventTimeTrigger[KEY comparable, T any] struct{}

func (e *EventTimeTrigger[KEY, T]) OnElement(ctx WContext[KEY], window Window, key KEY, _ T) TriggerResult {
	if window.MaxTimestamp() <= ctx.CurrentEventTimestamp() {
		// if the watermark is already past the window fire immediately
		return Fire
	}
	ctx.RegisterEventTimeTimer(Timer[KeyAndWindow[KEY]]{
		Payload:   KeyAndWindow[KEY]{Key: key, Window: window},
		Timestamp: window.MaxTimestamp(),
	})
	return Continue
}

func (e *EventTimeTrigger[KEY, T]) OnEventTimer(timer Timer[KeyAndWindow[KEY]]) TriggerResult {
	if timer.Timestamp == timer.Payload.Window.MaxTimestamp() {
		return Fire
	}
	return Continue
}

func (e *EventTimeTrigger[KEY, T]) OnProcessingTimer(Timer[KeyAndWindow[KEY]]) TriggerResult {
	return Continue
}

func (e *EventTimeTrigger[KEY, T]) Clear(ctx WContext[KEY], timer Timer[KeyAndWindow[KEY]]) {
	ctx.DeleteEventTimeTimer(timer)
}

func NewEventTimeTrigger[KEY comparable, T any]() TriggerFn[KEY, T] {
	return &EventTimeTrigger[KEY, T]{}
}

type ProcessingTimeTrigger[KEY comparable, T any] struct{}

func (p *ProcessingTimeTrigger[KEY, T]) OnElement(ctx WContext[KEY], window Window, key KEY, _ T) TriggerResult {
	ctx.RegisterProcessingTimeTimer(Timer[KeyAndWindow[KEY]]{
		Payload:   KeyAndWindow[KEY]{Key: key, Window: window},
		Timestamp: window.MaxTimestamp(),
	})
	return Continue
}

func (p *ProcessingTimeTrigger[KEY, T]) OnEventTimer(Timer[KeyAndWindow[KEY]]) TriggerResult {
	return Continue
}

func (p *ProcessingTimeTrigger[KEY, T]) OnProcessingTimer(Timer[KeyAndWindow[KEY]]) TriggerResult {
	return Fire
}

func (p *ProcessingTimeTrigger[KEY, T]) Clear(ctx WContext[KEY], timer Timer[KeyAndWindow[KEY]]) {
	ctx.DeleteProcessingTimeTimer(timer)
}

func NewProcessingTimeTrigger[KEY comparable, T any]() TriggerFn[KEY, T] {
	return &ProcessingTimeTrigger[KEY, T]{}
}
