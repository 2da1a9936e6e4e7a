package task

import (
	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/store"
)

type Message uint

const (
	// ACK means the task staged its snapshot for the epoch.
	ACK Message = iota
	// DEC means snapshot or pre-commit failed; the epoch must be aborted.
	DEC
)

// Signal is a task's answer to one barrier. ACKs carry everything the
// coordinator needs to assemble the epoch's manifest: the staged namespace
// snapshot, source offsets and the transactional sink's pre-commit token.
type Signal struct {
	Name string
	Message
	element.Barrier
	Snapshot  store.NamespaceSnapshot
	Offsets   map[string]int64
	SinkToken []byte
	Err       error
}
