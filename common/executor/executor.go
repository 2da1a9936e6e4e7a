package executor

import "sync/atomic"

// Executor defers a func to another goroutine and lets either side win:
// the runner executes it once, or the owner cancels it.
type Executor struct {
	exec func()
	//0:no process //1: executed //2: canceled
	status uint32
	done   chan struct{}
}

func (e *Executor) Cancel() bool {
	if atomic.CompareAndSwapUint32(&e.status, 0, 2) {
		close(e.done)
		return true
	}
	return false
}

func (e *Executor) Canceled() bool {
	return atomic.LoadUint32(&e.status) == 2
}

func (e *Executor) Executed() bool {
	return atomic.LoadUint32(&e.status) == 1
}

func (e *Executor) Exec() bool {
	if atomic.CompareAndSwapUint32(&e.status, 0, 1) {
		defer close(e.done)
		e.exec()
		return true
	}
	return false
}

func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func NewExecutor(exec func()) *Executor {
	return &Executor{
		exec:   exec,
		status: 0,
		done:   make(chan struct{}),
	}
}
