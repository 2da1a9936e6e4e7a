package window

import (
	"math"

	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"

	"github.com/rillstream/rill/element"
	. "github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/store"
	"github.com/rillstream/rill/stream"
)

// operator accumulates events per (window, key) and fires when the trigger
// decides event time has passed the window. State lives in two gob-encoded
// maps so a checkpoint captures open windows and their firing history.
type operator[KEY comparable, IN, ACC, WIN, OUT any] struct {
	BaseOperator[IN, any, OUT]
	SelectorFn[KEY, IN]
	TriggerFn[KEY, IN]
	AssignerFn[KEY, IN]
	ProcessWindowFn[KEY, WIN, OUT]
	AggregatorFn[IN, ACC, WIN]

	latePolicy      LatePolicy
	allowedLateness int64
	lateHandler     func(value IN, timestamp int64)
	merger          MergeableAggregatorFn[ACC]

	timerService *TimerService[KeyAndWindow[KEY]]
	windowCtx    WContext[KEY]
	state        *map[Window]map[KEY]ACC
	firings      *map[Window]map[KEY]int

	lateDropped  tally.Counter
	firedCounter tally.Counter
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) Open(ctx Context, collector element.Collector[OUT]) (err error) {
	if err = a.BaseOperator.Open(ctx, collector); err != nil {
		return err
	}
	stateController, err := store.GobRegisterOrGet[map[Window]map[KEY]ACC](ctx.Store(), "window-state",
		func() map[Window]map[KEY]ACC {
			return map[Window]map[KEY]ACC{}
		})
	if err != nil {
		return errors.WithMessage(err, "failed to init window state")
	}
	a.state = stateController.Pointer()
	firingsController, err := store.GobRegisterOrGet[map[Window]map[KEY]int](ctx.Store(), "window-firings",
		func() map[Window]map[KEY]int {
			return map[Window]map[KEY]int{}
		})
	if err != nil {
		return errors.WithMessage(err, "failed to init window firing state")
	}
	a.firings = firingsController.Pointer()
	if a.timerService, err = GetTimerService[KeyAndWindow[KEY]](ctx, "window-timer", a); err != nil {
		return errors.WithMessage(err, "failed to get window timer service")
	}
	a.windowCtx = &context[KEY]{
		Controller:   ctx.Store(),
		TimerService: a.timerService,
	}
	a.lateDropped = ctx.Metrics().Counter("late_dropped")
	a.firedCounter = ctx.Metrics().Counter("windows_fired")
	return nil
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) ProcessEvent(e *element.Event[IN]) {
	key := a.SelectorFn(e.Value)
	windows := a.AssignWindows(a.windowCtx, e.Value, e.Timestamp)
	if a.merger != nil && len(windows) == 1 {
		windows = []Window{a.absorbSessions(key, windows[0])}
	}
	accepted := false
	for _, window := range windows {
		if a.isWindowLate(window) {
			continue
		}
		accepted = true
		keys := (*a.state)[window]
		if keys == nil {
			keys = map[KEY]ACC{}
			(*a.state)[window] = keys
		}
		keys[key] = a.AggregatorFn.Add(keys[key], e.Value)

		triggerResult := a.TriggerFn.OnElement(a.windowCtx, window, key, e.Value)
		if triggerResult.IsFire() {
			a.fire(window, key)
		}
		if triggerResult.IsPurge() {
			delete((*a.state)[window], key)
		}
		a.registerCleanupTimer(window, key)
	}
	if !accepted {
		a.handleLate(e)
	}
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) OnEventTime(timer Timer[KeyAndWindow[KEY]]) {
	triggerResult := a.TriggerFn.OnEventTimer(timer)
	if triggerResult.IsFire() {
		a.fire(timer.Payload.Window, timer.Payload.Key)
	}
	if triggerResult.IsPurge() {
		delete((*a.state)[timer.Payload.Window], timer.Payload.Key)
	}
	if a.AssignerFn.IsEventTime() && a.isCleanupTime(timer.Payload.Window, timer.Timestamp) {
		a.clearWindow(timer)
	}
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) OnProcessingTime(timer Timer[KeyAndWindow[KEY]]) {
	triggerResult := a.TriggerFn.OnProcessingTimer(timer)
	if triggerResult.IsFire() {
		a.fire(timer.Payload.Window, timer.Payload.Key)
	}
	if triggerResult.IsPurge() {
		delete((*a.state)[timer.Payload.Window], timer.Payload.Key)
	}
	if !a.AssignerFn.IsEventTime() && a.isCleanupTime(timer.Payload.Window, timer.Timestamp) {
		a.clearWindow(timer)
	}
}

// fire emits the window's current aggregate. The firing count per
// (window, key) labels re-firings as corrections so downstream can tell an
// update from the final result.
func (a *operator[KEY, IN, ACC, WIN, OUT]) fire(window Window, key KEY) {
	keys, ok := (*a.state)[window]
	if !ok {
		return
	}
	acc, ok := keys[key]
	if !ok {
		return
	}
	correction := (*a.firings)[window][key]
	if (*a.firings)[window] == nil {
		(*a.firings)[window] = map[KEY]int{}
	}
	(*a.firings)[window][key] = correction + 1

	outputs := a.ProcessWindowFn.Process(Firing{Window: window, Correction: correction}, key, a.AggregatorFn.GetResult(acc))
	for _, out := range outputs {
		a.Collector.EmitEvent(&element.Event[OUT]{
			Value:        out,
			Timestamp:    window.MaxTimestamp(),
			HasTimestamp: true,
		})
	}
	a.firedCounter.Inc(1)
}

// absorbSessions merges every existing session of the key overlapping the
// candidate into one covering window: accumulators are merged, stale timers
// deleted and the firing history carried over.
func (a *operator[KEY, IN, ACC, WIN, OUT]) absorbSessions(key KEY, candidate Window) Window {
	merged := candidate
	var combined ACC
	combinedSet := false
	fired := 0
	for {
		var hit Window
		found := false
		for w, keys := range *a.state {
			if _, ok := keys[key]; !ok {
				continue
			}
			if w.Intersects(merged) {
				hit = w
				found = true
				break
			}
		}
		if !found {
			break
		}
		acc := (*a.state)[hit][key]
		if !combinedSet {
			combined = acc
			combinedSet = true
		} else {
			combined = a.merger.Merge(combined, acc)
		}
		if f := (*a.firings)[hit][key]; f > fired {
			fired = f
		}
		a.dropWindowState(hit, key)
		merged = merged.Cover(hit)
	}
	if combinedSet {
		if (*a.state)[merged] == nil {
			(*a.state)[merged] = map[KEY]ACC{}
		}
		(*a.state)[merged][key] = combined
	}
	if fired > 0 {
		if (*a.firings)[merged] == nil {
			(*a.firings)[merged] = map[KEY]int{}
		}
		(*a.firings)[merged][key] = fired
	}
	return merged
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) dropWindowState(window Window, key KEY) {
	delete((*a.state)[window], key)
	if len((*a.state)[window]) == 0 {
		delete(*a.state, window)
	}
	if f, ok := (*a.firings)[window]; ok {
		delete(f, key)
		if len(f) == 0 {
			delete(*a.firings, window)
		}
	}
	kw := KeyAndWindow[KEY]{Key: key, Window: window}
	a.timerService.DeleteEventTimeTimer(Timer[KeyAndWindow[KEY]]{Payload: kw, Timestamp: window.MaxTimestamp()})
	a.timerService.DeleteEventTimeTimer(Timer[KeyAndWindow[KEY]]{Payload: kw, Timestamp: a.cleanupTime(window)})
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) clearWindow(timer Timer[KeyAndWindow[KEY]]) {
	a.dropWindowState(timer.Payload.Window, timer.Payload.Key)
	a.TriggerFn.Clear(a.windowCtx, timer)
	a.ProcessWindowFn.Clear(timer.Payload.Window, timer.Payload.Key)
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) handleLate(e *element.Event[IN]) {
	a.lateDropped.Inc(1)
	if a.latePolicy == SideOutputLate && a.lateHandler != nil {
		a.lateHandler(e.Value, e.Timestamp)
	}
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) registerCleanupTimer(window Window, key KEY) {
	cleanupTime := a.cleanupTime(window)
	if cleanupTime == math.MaxInt64 {
		return
	}
	timer := Timer[KeyAndWindow[KEY]]{
		Payload:   KeyAndWindow[KEY]{Key: key, Window: window},
		Timestamp: cleanupTime,
	}
	if a.AssignerFn.IsEventTime() {
		a.timerService.RegisterEventTimeTimer(timer)
	} else {
		a.timerService.RegisterProcessingTimeTimer(timer)
	}
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) isWindowLate(window Window) bool {
	return a.AssignerFn.IsEventTime() &&
		a.cleanupTime(window) <= a.timerService.CurrentEventTimestamp()
}

func (a *operator[KEY, IN, ACC, WIN, OUT]) isCleanupTime(window Window, timestamp int64) bool {
	return timestamp == a.cleanupTime(window)
}

// cleanupTime is Window.MaxTimestamp plus the allowed lateness, saturating
// at math.MaxInt64.
func (a *operator[KEY, IN, ACC, WIN, OUT]) cleanupTime(window Window) int64 {
	if a.AssignerFn.IsEventTime() {
		cleanupTime := window.MaxTimestamp() + a.allowedLateness
		if cleanupTime >= window.MaxTimestamp() {
			return cleanupTime
		}
		return math.MaxInt64
	}
	return window.MaxTimestamp()
}

func Apply[KEY comparable, IN, ACC, WIN, OUT any](upstream stream.Stream[IN], name string, withOptionsFns ...WithOptions[KEY, IN, ACC, WIN, OUT]) (stream.Stream[OUT], error) {
	o := &options[KEY, IN, ACC, WIN, OUT]{}
	for _, withOptionsFn := range withOptionsFns {
		if err := withOptionsFn(o); err != nil {
			return nil, errors.WithMessagef(err, "%s illegal parameter", name)
		}
	}
	if o.selectorFn == nil {
		return nil, errors.Errorf("%s needs a key selector", name)
	}
	if o.assignerFn == nil || o.triggerFn == nil {
		return nil, errors.Errorf("%s needs a window assigner", name)
	}
	if o.aggregatorFn == nil {
		return nil, errors.Errorf("%s needs an aggregator", name)
	}
	if o.processWindowFn == nil {
		return nil, errors.Errorf("%s needs a process window fn", name)
	}
	var merger MergeableAggregatorFn[ACC]
	if merging, ok := o.assignerFn.(MergingAssigner); ok && merging.IsMerging() {
		if merger, ok = o.aggregatorFn.(MergeableAggregatorFn[ACC]); !ok {
			return nil, errors.Errorf("%s session windows need a mergeable aggregator", name)
		}
	}
	return stream.ApplyOneInput[IN, OUT](upstream, stream.OperatorStreamOptions{
		Options: stream.Options{Name: name},
		Operator: OneInputOperatorToNormal[IN, OUT](&operator[KEY, IN, ACC, WIN, OUT]{
			SelectorFn:      o.selectorFn,
			TriggerFn:       o.triggerFn,
			AssignerFn:      o.assignerFn,
			ProcessWindowFn: o.processWindowFn,
			AggregatorFn:    o.aggregatorFn,
			latePolicy:      o.latePolicy,
			allowedLateness: o.allowedLateness,
			lateHandler:     o.lateHandler,
			merger:          merger,
		}),
	})
}
