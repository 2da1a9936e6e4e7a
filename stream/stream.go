// Package stream builds job graphs and runs them: sources, operators and
// sinks declared against an Environment become tasks wired by bounded
// channels, with one checkpoint coordinator per job.
package stream

import (
	"github.com/pkg/errors"

	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/task"
)

var (
	ErrMultipleEnv = errors.New("cannot add streams from multiple environments")
)

type Options struct {
	Name        string
	ChannelSize int
}

type Stream[T any] interface {
	Env() *Environment
	//Name returns the name of the task to be created.
	Name() string
	addDownstream(name string, downstreamInitFn downstreamInitFn)
}

// downstreamInitFn initializes the downstream task once and returns the emit
// func for the input edge it was created for, plus every task reachable
// below it.
type downstreamInitFn func() (element.Emit, []*task.Task, error)

type sourceInitFn func() (*task.Task, []*task.Task, error)

func initDownstream(initFns map[string]downstreamInitFn) ([]element.Emit, []*task.Task, error) {
	var (
		emits []element.Emit
		tasks []*task.Task
	)
	for name, initFn := range initFns {
		emit, downstreamTasks, err := initFn()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "failed to init downstream %s", name)
		}
		emits = append(emits, emit)
		tasks = append(tasks, downstreamTasks...)
	}
	return emits, tasks, nil
}

func broadcastEmit(emits []element.Emit) element.Emit {
	if len(emits) == 1 {
		return emits[0]
	}
	return func(e element.Element) {
		for _, emit := range emits {
			emit(e)
		}
	}
}
