// Package checkpoint drives globally consistent snapshots: it numbers
// epochs, injects barriers at the sources, collects per-task acknowledgments
// and persists the epoch manifest that recovery starts from.
package checkpoint

import (
	_c "context"
	"time"

	"github.com/uber-go/tally/v4"

	"github.com/rillstream/rill/common/safe"
	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/log"
	"github.com/rillstream/rill/store"
	"github.com/rillstream/rill/task"
)

type Options struct {
	TasksToTrigger []*task.Task
	TasksToWaitFor []*task.Task
	StoreBackend   store.Backend
	SignalChan     chan task.Signal
	//FirstEpoch continues the counter above the recovered epoch, so epoch
	//numbers stay monotonic across restarts.
	FirstEpoch int64
	//MinPauseBetweenCheckpoints refuses triggers that come too soon after
	//the previous completed or aborted epoch.
	MinPauseBetweenCheckpoints time.Duration
	//CheckpointTimeout aborts exactly one epoch; the job keeps running.
	CheckpointTimeout time.Duration
	//TolerableFailureNumber of consecutive aborted epochs before the
	//coordinator gives up and fails the job.
	TolerableFailureNumber int
	Scope                  tally.Scope
}

// Coordinator ensures barrier coordination across all tasks of one job.
// Only one checkpoint may be in flight at a time: that bounds the memory
// spent on barrier-aligned buffers and keeps sink pre-commits ordered.
type Coordinator struct {
	ctx        _c.Context
	cancelFunc _c.CancelFunc
	logger     log.Logger
	Options

	nextEpoch     int64
	pending       *pendingEpoch
	lastFinished  time.Time
	lastCompleted int64
	stopping      bool
	failedInARow  int

	triggerChan chan element.BarrierKind
	timeoutChan chan int64

	completedCounter tally.Counter
	abortedCounter   tally.Counter
	durationTimer    tally.Timer
	lastEpochGauge   tally.Gauge
}

func NewCoordinator(options Options) *Coordinator {
	ctx, cancelFunc := _c.WithCancel(_c.Background())
	if options.FirstEpoch <= 0 {
		options.FirstEpoch = 1
	}
	scope := options.Scope.SubScope("checkpoint")
	return &Coordinator{
		ctx:              ctx,
		cancelFunc:       cancelFunc,
		logger:           log.Named("coordinator"),
		Options:          options,
		nextEpoch:        options.FirstEpoch,
		triggerChan:      make(chan element.BarrierKind, 1),
		timeoutChan:      make(chan int64, 1),
		completedCounter: scope.Counter("completed"),
		abortedCounter:   scope.Counter("aborted"),
		durationTimer:    scope.Timer("duration"),
		lastEpochGauge:   scope.Gauge("last_completed_epoch"),
	}
}

func (c *Coordinator) Activate() {
	go c.run()
	c.logger.Info("started")
}

func (c *Coordinator) run() {
	for {
		select {
		case kind := <-c.triggerChan:
			c.trigger(kind)
		case signal := <-c.SignalChan:
			c.handleSignal(signal)
		case epoch := <-c.timeoutChan:
			c.handleTimeout(epoch)
		case <-c.ctx.Done():
			c.logger.Info("coordinator stopped")
			return
		}
	}
}

// TriggerCheckpoint requests one checkpoint barrier. Refused while another
// epoch is pending (max_concurrent_checkpoints is fixed at 1) or when the
// min pause has not elapsed yet.
func (c *Coordinator) TriggerCheckpoint() {
	select {
	case c.triggerChan <- element.CheckpointBarrier:
	default:
		//a trigger is already queued
	}
}

// Deactivate runs one final exitpoint checkpoint and then shuts the
// coordinator and all tasks down.
func (c *Coordinator) Deactivate() {
	select {
	case c.triggerChan <- element.ExitpointBarrier:
	case <-c.ctx.Done():
	}
}

// Stop cancels the coordinator without a final checkpoint.
func (c *Coordinator) Stop() {
	c.cancelFunc()
}

func (c *Coordinator) Wait() {
	<-c.ctx.Done()
}

// LastCompleted returns the newest epoch known to have completed, 0 if none.
func (c *Coordinator) LastCompleted() int64 {
	epochs, err := c.StoreBackend.Epochs()
	if err != nil || len(epochs) == 0 {
		return 0
	}
	return epochs[len(epochs)-1]
}

func (c *Coordinator) trigger(kind element.BarrierKind) {
	if c.pending != nil {
		if kind == element.ExitpointBarrier {
			c.stopping = true
		}
		c.logger.Warnf("checkpoint %d still in flight, refusing concurrent checkpoint", c.pending.Epoch)
		return
	}
	if kind == element.CheckpointBarrier && !c.lastFinished.IsZero() &&
		time.Since(c.lastFinished) < c.MinPauseBetweenCheckpoints {
		c.logger.Warnf("min pause between checkpoints not elapsed, skipping trigger")
		return
	}
	for _, t := range c.TasksToWaitFor {
		if !t.Running() {
			c.logger.Warnf("task %s is not running, skipping checkpoint", t.Name())
			return
		}
	}
	if kind == element.ExitpointBarrier {
		c.stopping = true
	}
	barrier := element.Barrier{Epoch: c.nextEpoch, Kind: kind}
	c.nextEpoch++
	c.pending = newPendingEpoch(barrier, c.TasksToWaitFor)
	if c.CheckpointTimeout > 0 {
		epoch := barrier.Epoch
		c.pending.timeout = time.AfterFunc(c.CheckpointTimeout, func() {
			select {
			case c.timeoutChan <- epoch:
			case <-c.ctx.Done():
			}
		})
	}
	c.logger.Debugf("triggered checkpoint %d", barrier.Epoch)
	//let the source tasks send out a barrier
	for _, root := range c.TasksToTrigger {
		go func(t *task.Task) {
			t.TriggerBarrier(barrier)
		}(root)
	}
}

func (c *Coordinator) handleSignal(signal task.Signal) {
	if c.pending == nil || c.pending.Epoch != signal.Epoch {
		c.logger.Debugf("signal from %s for unknown epoch %d", signal.Name, signal.Epoch)
		return
	}
	switch signal.Message {
	case task.ACK:
		c.pending.ack(signal)
		if c.pending.isFullyAck() {
			c.complete(c.pending)
		}
	case task.DEC:
		c.logger.Warnw("task declined checkpoint.", "task", signal.Name, "epoch", signal.Epoch, "err", signal.Err)
		c.abort(c.pending)
	}
}

func (c *Coordinator) handleTimeout(epoch int64) {
	if c.pending == nil || c.pending.Epoch != epoch {
		return
	}
	c.logger.Warnf("checkpoint %d timed out, aborting", epoch)
	c.abort(c.pending)
}

// complete persists the manifest and only then tells sinks to finalize their
// pre-committed output: the epoch is the recovery point before any external
// commit happens.
func (c *Coordinator) complete(pending *pendingEpoch) {
	manifest := pending.manifest.finish()
	if err := c.StoreBackend.Persist(pending.Epoch, manifest); err != nil {
		c.logger.Errorf("cannot persist checkpoint %d: %v", pending.Epoch, err)
		c.abort(pending)
		return
	}
	pending.dispose()
	c.pending = nil
	c.lastFinished = time.Now()
	c.lastCompleted = pending.Epoch
	c.failedInARow = 0
	c.completedCounter.Inc(1)
	c.durationTimer.Record(time.Duration(manifest.FinishTime-manifest.StartTime) * time.Millisecond)
	c.lastEpochGauge.Update(float64(pending.Epoch))
	c.notifyComplete(pending.Barrier)
	c.logger.Debugf("completed checkpoint %d", pending.Epoch)
	if pending.Kind == element.ExitpointBarrier {
		c.cancelFunc()
	}
}

// abort discards one epoch. The previous completed checkpoint is untouched
// and stays the recovery point; the next scheduled trigger retries.
func (c *Coordinator) abort(pending *pendingEpoch) {
	pending.dispose()
	c.pending = nil
	c.lastFinished = time.Now()
	c.abortedCounter.Inc(1)
	if err := c.StoreBackend.Discard(pending.Epoch); err != nil {
		c.logger.Warnw("failed to discard staged epoch.", "epoch", pending.Epoch, "err", err)
	}
	c.notifyCancel(pending.Barrier)
	c.failedInARow++
	if c.stopping {
		c.logger.Warn("final checkpoint failed while stopping, triggering again")
		select {
		case c.triggerChan <- element.ExitpointBarrier:
		default:
		}
		return
	}
	if c.TolerableFailureNumber > 0 && c.failedInARow >= c.TolerableFailureNumber {
		c.logger.Error("consecutive checkpoint failures exceeded the tolerable number")
		c.cancelFunc()
	}
}

func (c *Coordinator) notifyComplete(barrier element.Barrier) {
	for _, t := range c.TasksToWaitFor {
		name := t.Name()
		if err := safe.Run(func() error {
			t.NotifyBarrierComplete(barrier)
			return nil
		}); err != nil {
			c.logger.Warnw("failed to notify checkpoint complete.", "task", name, "err", err)
		}
	}
}

func (c *Coordinator) notifyCancel(barrier element.Barrier) {
	for _, t := range c.TasksToWaitFor {
		name := t.Name()
		if err := safe.Run(func() error {
			t.NotifyBarrierCancel(barrier)
			return nil
		}); err != nil {
			c.logger.Warnw("failed to notify checkpoint cancel.", "task", name, "err", err)
		}
	}
}
