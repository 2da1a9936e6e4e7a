// Package store holds every task's state between barriers and moves it to
// durable storage when a checkpoint epoch is taken. Live state is owned by
// exactly one task goroutine; this package only ever sees it at snapshot and
// restore time.
package store

// State is anything a Controller can hold: either a live typed handle or a
// not-yet-deserialized mirror restored from a checkpoint.
type State interface {
	mirror() (mirrorState, error)
}

// mirrorState is the serialized form of a state value.
type mirrorState struct {
	Payload []byte
}

func (m mirrorState) mirror() (mirrorState, error) { return m, nil }

// Controller is the state namespace of a single task. Only that task's
// goroutine mutates states registered here.
type Controller interface {
	Range(fn func(key string, state State) bool)
	Load(key string) (State, bool)
	Store(key string, state State)
	Delete(key string)
}

// Manager owns all controllers of one job and stages their snapshots into a
// Backend per checkpoint epoch.
type Manager interface {
	Controller(namespace string) Controller
	// Save serializes one namespace at the current point and stages it under
	// the epoch. It is called on the owning task's goroutine between two
	// elements, so the snapshot reflects exactly the events before the
	// epoch's barrier.
	Save(epoch int64, namespace string) (NamespaceSnapshot, error)
	// RestoreLatest reloads every namespace from the newest completed epoch,
	// Restore from a chosen one. Restored states stay serialized until the
	// owning operator re-registers them.
	RestoreLatest() (int64, error)
	Restore(epoch int64) error
	Clean()
}

// NamespaceSnapshot describes one staged namespace blob.
type NamespaceSnapshot struct {
	Namespace string
	SizeBytes int64
}

// Backend is durable checkpoint storage. Save stages blobs for an in-flight
// epoch; Persist atomically records the epoch as completed together with its
// manifest. A failed or discarded epoch must leave previously persisted
// epochs untouched.
type Backend interface {
	Save(epoch int64, namespace string, state []byte) error
	Persist(epoch int64, manifest *Manifest) error
	Discard(epoch int64) error
	Epochs() ([]int64, error)
	Manifest(epoch int64) (*Manifest, error)
	Get(epoch int64, namespace string) ([]byte, error)
	Close() error
}
