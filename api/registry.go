// Package api exposes the read-only checkpoint inspection endpoints and the
// job control surface over HTTP.
package api

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"

	"github.com/rillstream/rill/common/safe"
	"github.com/rillstream/rill/log"
	"github.com/rillstream/rill/stream"
)

type JobState string

const (
	JobRunning    JobState = "running"
	JobStopped    JobState = "stopped"
	JobRestarting JobState = "restarting"
	JobFailed     JobState = "failed"
)

type OperationState string

const (
	OperationPending   OperationState = "pending"
	OperationCompleted OperationState = "completed"
	OperationFailed    OperationState = "failed"
)

// Operation tracks one asynchronous stop or restart request.
type Operation struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	Job   string         `json:"job"`
	State OperationState `json:"state"`
	Error string         `json:"error,omitempty"`
}

// BuildFn creates a fresh environment for a job. A restoreEpoch of 0 means
// resume from the newest completed checkpoint; parallelism 0 keeps the
// previous value.
type BuildFn func(restoreEpoch int64, parallelism int) (*stream.Environment, error)

type job struct {
	name    string
	buildFn BuildFn
	env     *stream.Environment
	state   JobState
}

// Registry tracks running jobs and hands out snowflake operation ids for
// asynchronous completion tracking.
type Registry struct {
	logger log.Logger
	node   *snowflake.Node

	mutex sync.Mutex
	jobs  map[string]*job
	ops   map[string]*Operation
}

func NewRegistry() (*Registry, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create snowflake node")
	}
	return &Registry{
		logger: log.Named("registry"),
		node:   node,
		jobs:   map[string]*job{},
		ops:    map[string]*Operation{},
	}, nil
}

// Register adds a running job. The build fn is used by restarts.
func (r *Registry) Register(name string, env *stream.Environment, buildFn BuildFn) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.jobs[name] = &job{name: name, buildFn: buildFn, env: env, state: JobRunning}
}

func (r *Registry) Jobs() map[string]JobState {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	states := map[string]JobState{}
	for name, j := range r.jobs {
		states[name] = j.state
	}
	return states
}

func (r *Registry) Environment(name string) (*stream.Environment, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	j, ok := r.jobs[name]
	if !ok || j.env == nil {
		return nil, false
	}
	return j.env, true
}

func (r *Registry) Operation(id string) (Operation, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// Stop requests a job stop. Mode "none" only validates, "checkpoint" and
// "graceful" take one final checkpoint before halting, "immediate" and
// "force" halt without one.
func (r *Registry) Stop(name string, mode string) (Operation, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	j, ok := r.jobs[name]
	if !ok {
		return Operation{}, errors.Errorf("unknown job %s", name)
	}
	op := r.newOperation("stop", name)
	env := j.env
	switch mode {
	case "none":
		op.State = OperationCompleted
	case "", "checkpoint", "graceful":
		r.runAsync(op, func() error {
			err := env.Stop()
			r.setJobState(name, JobStopped)
			return err
		})
	case "immediate", "force":
		r.runAsync(op, func() error {
			err := env.StopNow()
			r.setJobState(name, JobStopped)
			return err
		})
	default:
		return Operation{}, errors.Errorf("unknown stop mode %s", mode)
	}
	return *op, nil
}

// Restart stops the job and rebuilds it from the chosen checkpoint,
// optionally with a different parallelism. Keyed state is repartitioned by
// pure key hash, so the move is deterministic.
func (r *Registry) Restart(name string, checkpointID int64, parallelism int) (Operation, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	j, ok := r.jobs[name]
	if !ok {
		return Operation{}, errors.Errorf("unknown job %s", name)
	}
	if j.buildFn == nil {
		return Operation{}, errors.Errorf("job %s cannot be rebuilt", name)
	}
	op := r.newOperation("restart", name)
	j.state = JobRestarting
	previous := j.env
	r.runAsync(op, func() error {
		if err := previous.Stop(); err != nil {
			r.logger.Warnw("stop before restart failed.", "job", name, "err", err)
		}
		env, err := j.buildFn(checkpointID, parallelism)
		if err != nil {
			r.setJobState(name, JobFailed)
			return err
		}
		if err = env.Start(); err != nil {
			r.setJobState(name, JobFailed)
			return err
		}
		r.mutex.Lock()
		j.env = env
		j.state = JobRunning
		r.mutex.Unlock()
		return nil
	})
	return *op, nil
}

func (r *Registry) newOperation(kind string, jobName string) *Operation {
	op := &Operation{
		ID:    r.node.Generate().String(),
		Kind:  kind,
		Job:   jobName,
		State: OperationPending,
	}
	r.ops[op.ID] = op
	return op
}

func (r *Registry) runAsync(op *Operation, fn func() error) {
	go func() {
		err := safe.Run(fn)
		r.mutex.Lock()
		defer r.mutex.Unlock()
		if err != nil {
			op.State = OperationFailed
			op.Error = err.Error()
			return
		}
		op.State = OperationCompleted
	}()
}

func (r *Registry) setJobState(name string, state JobState) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if j, ok := r.jobs[name]; ok {
		j.state = state
	}
}
