package checkpoint

import (
	"time"

	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/store"
	"github.com/rillstream/rill/task"
)

// pendingEpoch tracks one in-flight checkpoint: which tasks still owe a
// signal and the manifest being assembled from their ACKs.
type pendingEpoch struct {
	element.Barrier
	manifest       *manifestBuilder
	isDiscarded    bool
	notYetAckTasks map[string]bool
	timeout        *time.Timer
}

func newPendingEpoch(barrier element.Barrier, tasksToWaitFor []*task.Task) *pendingEpoch {
	notYetAck := make(map[string]bool)
	for _, t := range tasksToWaitFor {
		notYetAck[t.Name()] = true
	}
	return &pendingEpoch{
		Barrier:        barrier,
		manifest:       newManifestBuilder(barrier.Epoch),
		notYetAckTasks: notYetAck,
	}
}

func (p *pendingEpoch) ack(signal task.Signal) bool {
	if p.isDiscarded {
		return false
	}
	delete(p.notYetAckTasks, signal.Name)
	p.manifest.record(signal)
	return true
}

func (p *pendingEpoch) isFullyAck() bool {
	return len(p.notYetAckTasks) == 0
}

func (p *pendingEpoch) dispose() {
	p.isDiscarded = true
	if p.timeout != nil {
		p.timeout.Stop()
	}
}

type manifestBuilder struct {
	manifest *store.Manifest
}

func newManifestBuilder(epoch int64) *manifestBuilder {
	return &manifestBuilder{manifest: store.NewManifest(epoch, time.Now().UnixMilli())}
}

func (b *manifestBuilder) record(signal task.Signal) {
	b.manifest.Namespaces[signal.Name] = store.NamespaceMeta{SizeBytes: signal.Snapshot.SizeBytes}
	if signal.Offsets != nil {
		b.manifest.SourceOffsets[signal.Name] = signal.Offsets
	}
	if signal.SinkToken != nil {
		b.manifest.SinkTokens[signal.Name] = signal.SinkToken
	}
}

func (b *manifestBuilder) finish() *store.Manifest {
	b.manifest.FinishTime = time.Now().UnixMilli()
	b.manifest.State = store.CheckpointCompleted
	return b.manifest
}
