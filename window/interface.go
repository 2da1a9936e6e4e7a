package window

import (
	. "github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/store"
)

type KeyAndWindow[KEY comparable] struct {
	Key    KEY
	Window Window
}

// SelectorFn will select the Key from the event
type SelectorFn[KEY comparable, IN any] func(IN) KEY

type WContext[KEY comparable] interface {
	//TimerService functions
	CurrentProcessingTimestamp() int64
	CurrentEventTimestamp() int64
	RegisterEventTimeTimer(timer Timer[KeyAndWindow[KEY]])
	RegisterProcessingTimeTimer(timer Timer[KeyAndWindow[KEY]])
	DeleteEventTimeTimer(timer Timer[KeyAndWindow[KEY]])
	DeleteProcessingTimeTimer(timer Timer[KeyAndWindow[KEY]])

	//store.Controller functions
	store.Controller
}

type TriggerFn[KEY comparable, T any] interface {
	OnElement(ctx WContext[KEY], window Window, key KEY, value T) TriggerResult
	OnEventTimer(timer Timer[KeyAndWindow[KEY]]) TriggerResult
	OnProcessingTimer(timer Timer[KeyAndWindow[KEY]]) TriggerResult
	Clear(ctx WContext[KEY], timer Timer[KeyAndWindow[KEY]])
}

type AssignerFn[KEY comparable, T any] interface {
	AssignWindows(ctx WContext[KEY], value T, eventTimestamp int64) []Window
	IsEventTime() bool
}

// MergingAssigner marks assigners whose windows can overlap per key and must
// be merged, i.e. session windows.
type MergingAssigner interface {
	IsMerging() bool
}

type AggregatorFn[IN, ACC, WIN any] interface {
	Add(ACC, IN) ACC
	GetResult(ACC) WIN
}

// MergeableAggregatorFn combines two accumulators into one. Session windows
// require it; merging two sessions merges their accumulators.
type MergeableAggregatorFn[ACC any] interface {
	Merge(a, b ACC) ACC
}

// Firing describes one emission of a window result. Correction is 0 for the
// on-time firing and counts up for each late re-firing permitted by an
// allowed-lateness policy, so consumers can tell updates from finals.
type Firing struct {
	Window     Window
	Correction int
}

type ProcessWindowFn[KEY comparable, WIN, OUT any] interface {
	Process(firing Firing, key KEY, input WIN) []OUT
	Clear(window Window, key KEY)
}

// PassThroughProcessWindowFn is a ProcessWindowFn implementation,
// which is used to adapt to the case of only aggregation or reduction
type PassThroughProcessWindowFn[KEY comparable, T any] struct{}

func (p *PassThroughProcessWindowFn[KEY, T]) Process(_ Firing, _ KEY, input T) []T {
	return []T{input}
}

func (p *PassThroughProcessWindowFn[KEY, T]) Clear(Window, KEY) {}

// LatePolicy decides what happens to events older than the watermark whose
// windows have already been cleaned up. Exactly one policy is active.
type LatePolicy int

const (
	//DropLate silently drops late events, counting them in metrics.
	DropLate LatePolicy = iota
	//SideOutputLate routes late events to the configured late handler.
	SideOutputLate
	//AllowLateness keeps fired windows alive for a grace period and
	//re-fires them with corrected results when late events arrive.
	AllowLateness
)
