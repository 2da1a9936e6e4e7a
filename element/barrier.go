package element

type BarrierKind uint

const (
	// CheckpointBarrier delimits one checkpoint epoch from the next.
	CheckpointBarrier BarrierKind = iota
	// ExitpointBarrier is the final barrier of a stop-with-checkpoint: after
	// its epoch completes, tasks shut down.
	ExitpointBarrier
)

// Barrier is a control marker injected at sources. It flows through the same
// channels as events and is never reordered relative to the events it
// separates: everything before it belongs to epochs <= Epoch, everything
// after it to later epochs.
type Barrier struct {
	Epoch int64
	Kind  BarrierKind
}
