package stream

import (
	_c "context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"

	"github.com/rillstream/rill/checkpoint"
	"github.com/rillstream/rill/common/safe"
	"github.com/rillstream/rill/log"
	"github.com/rillstream/rill/recovery"
	"github.com/rillstream/rill/store"
	"github.com/rillstream/rill/task"
)

type EnvironmentOptions struct {
	//periodic checkpoints, if set 0, will not be enabled
	EnablePeriodicCheckpoint time.Duration
	//the minimum interval between the end of one checkpoint and the trigger
	//of the next
	MinPauseBetweenCheckpoints time.Duration
	//maximum number of consecutive checkpoint failures allowed
	TolerableCheckpointFailureNumber int
	//one checkpoint timeout
	CheckpointTimeout time.Duration
	//maximum number of elements buffered between two tasks
	BufferSize int
	//RestoreEpoch forces recovery from a specific completed epoch; 0 picks
	//the newest completed one, and a fresh start when none exists.
	RestoreEpoch int64
}

var DefaultEnvironmentOptions = EnvironmentOptions{
	EnablePeriodicCheckpoint:         0,
	MinPauseBetweenCheckpoints:       10 * time.Second,
	TolerableCheckpointFailureNumber: 5,
	CheckpointTimeout:                time.Minute,
	BufferSize:                       2048,
}

// Environment is one runnable pipeline instance: the graph declared against
// it, the shared state manager and the checkpoint coordinator.
type Environment struct {
	ctx        _c.Context
	cancelFunc _c.CancelFunc
	logger     log.Logger
	options    EnvironmentOptions
	scope      tally.Scope

	barrierSignalChan chan task.Signal
	errorChan         chan error
	sourceInitFns     []sourceInitFn
	coordinator       *checkpoint.Coordinator
	storeBackend      store.Backend
	stateManager      store.Manager
	rootTasks         []*task.Task
	allTasks          []*task.Task
	restorePoint      *recovery.RestorePoint

	//closeOnce guards the backend: the monitor, Stop and StopNow may all
	//race to release it, and nutsdb holds the checkpoint dir until closed
	closeOnce sync.Once
	errMutex  sync.Mutex
	err       error
}

func (e *Environment) addSourceInit(fn sourceInitFn) {
	e.sourceInitFns = append(e.sourceInitFns, fn)
}

// Start restores the newest completed checkpoint, re-seeks sources to the
// recorded offsets, starts every task and activates the coordinator.
func (e *Environment) Start() error {
	if len(e.sourceInitFns) == 0 {
		return errors.Errorf("environment has no sources")
	}
	//1. init all tasks, sinks first
	seen := map[*task.Task]struct{}{}
	for _, initFn := range e.sourceInitFns {
		rootTask, downstreamTasks, err := initFn()
		if err != nil {
			return errors.WithMessage(err, "failed to init task graph")
		}
		e.rootTasks = append(e.rootTasks, rootTask)
		for _, t := range append(downstreamTasks, rootTask) {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				e.allTasks = append(e.allTasks, t)
			}
		}
	}
	//2. restore state and source positions
	restorePoint, err := recovery.Restore(e.stateManager, e.storeBackend, e.options.RestoreEpoch)
	if err != nil {
		return err
	}
	var firstEpoch int64 = 1
	if restorePoint != nil {
		e.restorePoint = restorePoint
		firstEpoch = restorePoint.Epoch + 1
		for _, rootTask := range e.rootTasks {
			if offsets, ok := restorePoint.Manifest.SourceOffsets[rootTask.Name()]; ok {
				rootTask.SeekTo(offsets)
			}
		}
		e.logger.Infof("restored from checkpoint %d", restorePoint.Epoch)
	}
	//3. start non-root tasks before the sources can emit
	e.startMonitor()
	for _, t := range e.allTasks {
		if !isRoot(t, e.rootTasks) {
			safe.GoChannel(t.Daemon, e.errorChan)
		}
	}
	if err = e.awaitRunning(false); err != nil {
		return err
	}
	for _, rootTask := range e.rootTasks {
		safe.GoChannel(rootTask.Daemon, e.errorChan)
	}
	if err = e.awaitRunning(true); err != nil {
		return err
	}
	//4. coordinator
	e.coordinator = checkpoint.NewCoordinator(checkpoint.Options{
		TasksToTrigger:             e.rootTasks,
		TasksToWaitFor:             e.allTasks,
		StoreBackend:               e.storeBackend,
		SignalChan:                 e.barrierSignalChan,
		FirstEpoch:                 firstEpoch,
		MinPauseBetweenCheckpoints: e.options.MinPauseBetweenCheckpoints,
		CheckpointTimeout:          e.options.CheckpointTimeout,
		TolerableFailureNumber:     e.options.TolerableCheckpointFailureNumber,
		Scope:                      e.scope,
	})
	e.coordinator.Activate()
	if e.options.EnablePeriodicCheckpoint > 0 {
		e.startPeriodicCheckpoint()
	}
	return nil
}

// Stop takes a final checkpoint and shuts everything down. Tasks commit the
// final epoch before they exit, so a later Start resumes exactly after the
// last emitted element.
func (e *Environment) Stop() error {
	var result error
	if e.coordinator != nil {
		e.coordinator.Deactivate()
		e.coordinator.Wait()
	}
	for _, t := range e.allTasks {
		t.Close()
	}
	e.cancelFunc()
	if err := e.closeBackend(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// StopNow cancels without a final checkpoint. In-flight epochs are simply
// never completed; recovery falls back to the previous one.
func (e *Environment) StopNow() error {
	if e.coordinator != nil {
		e.coordinator.Stop()
	}
	for _, t := range e.allTasks {
		t.Close()
	}
	e.cancelFunc()
	return e.closeBackend()
}

func (e *Environment) closeBackend() error {
	var err error
	e.closeOnce.Do(func() { err = e.storeBackend.Close() })
	return err
}

func (e *Environment) TriggerCheckpoint() {
	if e.coordinator != nil {
		e.coordinator.TriggerCheckpoint()
	}
}

func (e *Environment) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *Environment) Err() error {
	e.errMutex.Lock()
	defer e.errMutex.Unlock()
	return e.err
}

// LastCompletedEpoch returns the newest globally completed checkpoint, 0
// before the first one completes or before Start.
func (e *Environment) LastCompletedEpoch() int64 {
	if e.coordinator == nil {
		return 0
	}
	return e.coordinator.LastCompleted()
}

// RestoredEpoch returns the epoch Start resumed from, 0 for a fresh start.
func (e *Environment) RestoredEpoch() int64 {
	if e.restorePoint == nil {
		return 0
	}
	return e.restorePoint.Epoch
}

func (e *Environment) Backend() store.Backend {
	return e.storeBackend
}

func (e *Environment) awaitRunning(root bool) error {
	for _, t := range e.allTasks {
		if isRoot(t, e.rootTasks) != root {
			continue
		}
		for !t.Running() {
			select {
			case <-e.ctx.Done():
				return errors.Errorf("environment stopped while starting task %s", t.Name())
			default:
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
	return nil
}

// startMonitor tears the whole pipeline down on the first task error. Every
// task, the coordinator and the backend must be released before a
// supervisor may build the next attempt against the same checkpoint dir.
func (e *Environment) startMonitor() {
	go func() {
		select {
		case err := <-e.errorChan:
			if err != nil {
				e.logger.Errorw("monitored task error.", "err", err)
				e.errMutex.Lock()
				e.err = err
				e.errMutex.Unlock()
				if e.coordinator != nil {
					e.coordinator.Stop()
				}
				for _, t := range e.allTasks {
					t.Close()
				}
				e.cancelFunc()
				if cerr := e.closeBackend(); cerr != nil {
					e.logger.Warnw("failed to close backend after task error.", "err", cerr)
				}
			}
		case <-e.ctx.Done():
		}
	}()
}

func (e *Environment) startPeriodicCheckpoint() {
	go func() {
		ticker := time.NewTicker(e.options.EnablePeriodicCheckpoint)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.coordinator.TriggerCheckpoint()
			}
		}
	}()
}

func isRoot(t *task.Task, rootTasks []*task.Task) bool {
	for _, rootTask := range rootTasks {
		if t == rootTask {
			return true
		}
	}
	return false
}

func New(options EnvironmentOptions, backend store.Backend, scope tally.Scope) *Environment {
	ctx, cancelFunc := _c.WithCancel(_c.Background())
	return &Environment{
		ctx:               ctx,
		cancelFunc:        cancelFunc,
		logger:            log.Named("environment"),
		options:           options,
		scope:             scope,
		barrierSignalChan: make(chan task.Signal),
		errorChan:         make(chan error, 16),
		storeBackend:      backend,
		stateManager:      store.NewManager(backend),
	}
}
