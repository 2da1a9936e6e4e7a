package operator

import (
	"container/heap"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/rillstream/rill/store"
)

// TimerTrigger will be triggered passively as time goes by
type TimerTrigger[T comparable] interface {
	OnProcessingTime(timer Timer[T])
	OnEventTime(timer Timer[T])
}

// Timer is a structure that contains triggering events
type Timer[T comparable] struct {
	Payload   T
	Timestamp int64
}

// timerQueue is a priority queue sorted from smallest to largest
// Timer.Timestamp; dedupeMap prevents the same Timer from being inserted
// twice.
type timerQueue[T comparable] struct {
	Items     []Timer[T]
	dedupeMap map[Timer[T]]struct{}
	nilTimer  Timer[T]
}

//---------------------------------------------------------------------------------
//Warning: Do not call directly, exposed only for the heap package to use
//---------------------------------------------------------------------------------

func (t *timerQueue[T]) Len() int { return len(t.Items) }

func (t *timerQueue[T]) Less(i, j int) bool {
	return t.Items[i].Timestamp < t.Items[j].Timestamp
}

func (t *timerQueue[T]) Swap(i, j int) {
	t.Items[i], t.Items[j] = t.Items[j], t.Items[i]
}

func (t *timerQueue[T]) Push(x any) {
	t.Items = append(t.Items, x.(Timer[T]))
}

func (t *timerQueue[T]) Pop() any {
	old := t.Items
	n := len(old)
	x := old[n-1]
	t.Items = old[0 : n-1]
	return x
}

//---------------------------------------------------------------------------------

func (t *timerQueue[T]) PushTimer(item Timer[T]) {
	if _, ok := t.dedupeMap[item]; !ok {
		t.dedupeMap[item] = struct{}{}
		heap.Push(t, item)
	}
}

func (t *timerQueue[T]) PopTimer() Timer[T] {
	if len(t.Items) == 0 {
		return t.nilTimer
	}
	item := heap.Pop(t).(Timer[T])
	delete(t.dedupeMap, item)
	return item
}

func (t *timerQueue[T]) PeekTimer() Timer[T] {
	return t.Items[0]
}

func (t *timerQueue[T]) Remove(timer Timer[T]) {
	for index, item := range t.Items {
		if item == timer {
			delete(t.dedupeMap, timer)
			heap.Remove(t, index)
			return
		}
	}
}

func newTimerQueue[T comparable](items []Timer[T]) *timerQueue[T] {
	q := &timerQueue[T]{dedupeMap: map[Timer[T]]struct{}{}}
	for _, item := range items {
		q.PushTimer(item)
	}
	return q
}

// persistedTimers is the checkpointed form of a TimerService.
type persistedTimers[T comparable] struct {
	WatermarkTimestamp int64
	EventTime          []Timer[T]
	ProcessingTime     []Timer[T]
}

// TimerService tracks one operator's event-time and processing-time timers.
// Event-time timers pop when the task-local watermark passes them;
// processing-time timers are scheduled onto the task goroutine via Call.
type TimerService[T comparable] struct {
	ctx       Context
	trigger   TimerTrigger[T]
	nextTimer *time.Timer

	currentWatermarkTimestamp int64
	processingQueue           *timerQueue[T]
	eventQueue                *timerQueue[T]
	stateController           store.StateController[persistedTimers[T]]
}

func (d *TimerService[T]) CurrentProcessingTimestamp() int64 {
	return time.Now().UnixMilli()
}

func (d *TimerService[T]) CurrentEventTimestamp() int64 {
	return d.currentWatermarkTimestamp
}

func (d *TimerService[T]) RegisterEventTimeTimer(timer Timer[T]) {
	d.eventQueue.PushTimer(timer)
}

func (d *TimerService[T]) DeleteEventTimeTimer(timer Timer[T]) {
	d.eventQueue.Remove(timer)
}

func (d *TimerService[T]) RegisterProcessingTimeTimer(timer Timer[T]) {
	var nextTriggerTimestamp int64 = math.MaxInt64
	if d.processingQueue.Len() > 0 {
		nextTriggerTimestamp = d.processingQueue.PeekTimer().Timestamp
	}
	d.processingQueue.PushTimer(timer)
	if timer.Timestamp < nextTriggerTimestamp {
		if d.nextTimer != nil {
			d.nextTimer.Stop()
		}
		duration := time.Duration(math.Max(float64(timer.Timestamp-time.Now().UnixMilli()), 0)) * time.Millisecond
		d.nextTimer = time.AfterFunc(duration, func() {
			d.advanceProcessingTimestamp(timer.Timestamp)
		})
	}
}

func (d *TimerService[T]) DeleteProcessingTimeTimer(timer Timer[T]) {
	d.processingQueue.Remove(timer)
}

// advanceWatermarkTimestamp runs on the task goroutine while a watermark is
// being processed, so firing callbacks may freely touch operator state.
func (d *TimerService[T]) advanceWatermarkTimestamp(timestamp int64) {
	if timestamp <= d.currentWatermarkTimestamp {
		return
	}
	d.currentWatermarkTimestamp = timestamp
	for d.eventQueue.Len() > 0 &&
		d.eventQueue.PeekTimer().Timestamp <= d.currentWatermarkTimestamp {
		d.trigger.OnEventTime(d.eventQueue.PopTimer())
	}
}

func (d *TimerService[T]) advanceProcessingTimestamp(timestamp int64) {
	//processing timers are handed to the task goroutine to execute
	d.ctx.Call(func() {
		for d.processingQueue.Len() > 0 &&
			d.processingQueue.PeekTimer().Timestamp <= timestamp {
			d.trigger.OnProcessingTime(d.processingQueue.PopTimer())
		}
		if d.processingQueue.Len() > 0 {
			timer := d.processingQueue.PeekTimer()
			duration := time.Duration(math.Max(float64(timer.Timestamp-time.Now().UnixMilli()), 0)) * time.Millisecond
			d.nextTimer = time.AfterFunc(duration, func() {
				d.advanceProcessingTimestamp(timer.Timestamp)
			})
		}
	})
}

// snapshot refreshes the persisted view right before a namespace mirror.
func (d *TimerService[T]) snapshot() {
	d.stateController.Update(persistedTimers[T]{
		WatermarkTimestamp: d.currentWatermarkTimestamp,
		EventTime:          append([]Timer[T]{}, d.eventQueue.Items...),
		ProcessingTime:     append([]Timer[T]{}, d.processingQueue.Items...),
	})
}

func (d *TimerService[T]) startProcessingTimers() {
	if d.processingQueue.Len() > 0 && d.nextTimer == nil {
		d.advanceProcessingTimestamp(0)
	}
}

type watermarkTimerAdvances interface {
	advanceWatermarkTimestamp(timestamp int64)
	snapshot()
}

// TimerManager fans the task-local watermark out to every timer service an
// operator registered, and snapshots them at barrier time.
type TimerManager struct {
	services map[string]watermarkTimerAdvances
}

func (t *TimerManager) advanceWatermarkTimestamp(timestamp int64) {
	for _, service := range t.services {
		service.advanceWatermarkTimestamp(timestamp)
	}
}

// Snapshot is called by the task right before its namespace is mirrored for
// a barrier.
func (t *TimerManager) Snapshot() {
	for _, service := range t.services {
		service.snapshot()
	}
}

func NewTimerManager() *TimerManager {
	return &TimerManager{services: map[string]watermarkTimerAdvances{}}
}

// GetTimerService registers (or restores from a checkpoint) the named timer
// service of an operator.
func GetTimerService[T comparable](ctx Context, name string, trigger TimerTrigger[T]) (*TimerService[T], error) {
	stateController, err := store.GobRegisterOrGet[persistedTimers[T]](ctx.Store(), name, func() persistedTimers[T] {
		return persistedTimers[T]{WatermarkTimestamp: math.MinInt64}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to init timer service %s", name)
	}
	persisted := stateController.Value()
	service := &TimerService[T]{
		ctx:                       ctx,
		trigger:                   trigger,
		currentWatermarkTimestamp: persisted.WatermarkTimestamp,
		processingQueue:           newTimerQueue(persisted.ProcessingTime),
		eventQueue:                newTimerQueue(persisted.EventTime),
		stateController:           stateController,
	}
	ctx.TimerManager().services[name] = service
	service.startProcessingTimers()
	return service, nil
}
