package window

type TumblingEventTimeAssigner[KEY comparable, T any] struct {
	size         int64
	globalOffset int64
}

func (t *TumblingEventTimeAssigner[KEY, T]) AssignWindows(_ WContext[KEY], _ T, eventTimestamp int64) []Window {
	start := getWindowStartWithOffset(eventTimestamp, t.globalOffset%t.size, t.size)
	return []Window{{Start: start, End: start + t.size}}
}

func (t *TumblingEventTimeAssigner[KEY, T]) IsEventTime() bool {
	return true
}

func NewTumblingEventTimeAssigner[KEY comparable, T any](size int64, offset int64) AssignerFn[KEY, T] {
	return &TumblingEventTimeAssigner[KEY, T]{size: size, globalOffset: offset}
}

type TumblingProcessingTimeAssigner[KEY comparable, T any] struct {
	size         int64
	globalOffset int64
}

func (t *TumblingProcessingTimeAssigner[KEY, T]) AssignWindows(ctx WContext[KEY], _ T, _ int64) []Window {
	start := getWindowStartWithOffset(ctx.CurrentProcessingTimestamp(), t.globalOffset%t.size, t.size)
	return []Window{{Start: start, End: start + t.size}}
}

func (t *TumblingProcessingTimeAssigner[KEY, T]) IsEventTime() bool {
	return false
}

func NewTumblingProcessingTimeAssigner[KEY comparable, T any](size int64, offset int64) AssignerFn[KEY, T] {
	return &TumblingProcessingTimeAssigner[KEY, T]{size: size, globalOffset: offset}
}

// SlidingEventTimeAssigner assigns each event to every window of the given
// size whose start is a multiple of slide and covers the event, size/slide
// windows in total.
type SlidingEventTimeAssigner[KEY comparable, T any] struct {
	size         int64
	slide        int64
	globalOffset int64
}

func (s *SlidingEventTimeAssigner[KEY, T]) AssignWindows(_ WContext[KEY], _ T, eventTimestamp int64) []Window {
	windows := make([]Window, 0, s.size/s.slide)
	lastStart := getWindowStartWithOffset(eventTimestamp, s.globalOffset%s.slide, s.slide)
	for start := lastStart; start > eventTimestamp-s.size; start -= s.slide {
		windows = append(windows, Window{Start: start, End: start + s.size})
	}
	return windows
}

func (s *SlidingEventTimeAssigner[KEY, T]) IsEventTime() bool {
	return true
}

func NewSlidingEventTimeAssigner[KEY comparable, T any](size int64, slide int64, offset int64) AssignerFn[KEY, T] {
	return &SlidingEventTimeAssigner[KEY, T]{size: size, slide: slide, globalOffset: offset}
}

// SessionEventTimeAssigner proposes a candidate window [timestamp,
// timestamp+gap) per event; the operator merges it with any overlapping
// session of the same key.
type SessionEventTimeAssigner[KEY comparable, T any] struct {
	gap int64
}

func (s *SessionEventTimeAssigner[KEY, T]) AssignWindows(_ WContext[KEY], _ T, eventTimestamp int64) []Window {
	return []Window{{Start: eventTimestamp, End: eventTimestamp + s.gap}}
}

func (s *SessionEventTimeAssigner[KEY, T]) IsEventTime() bool {
	return true
}

func (s *SessionEventTimeAssigner[KEY, T]) IsMerging() bool {
	return true
}

func NewSessionEventTimeAssigner[KEY comparable, T any](gap int64) AssignerFn[KEY, T] {
	return &SessionEventTimeAssigner[KEY, T]{gap: gap}
}
