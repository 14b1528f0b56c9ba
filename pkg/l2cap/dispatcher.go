package l2cap

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Dispatcher runs posted tasks in order on an execution context it owns.
// Post never runs the task inline.
type Dispatcher interface {
	Post(task func())
}

// SerialDispatcher runs tasks one at a time, in posting order, on a single
// goroutine. Its queue is unbounded so a task may post to its own dispatcher.
type SerialDispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped atomic.Bool
	done    chan struct{}
}

func NewSerialDispatcher() *SerialDispatcher {
	d := &SerialDispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *SerialDispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.tasks) == 0 && !d.stopped.Load() {
			d.cond.Wait()
		}
		if d.stopped.Load() {
			d.mu.Unlock()
			return
		}
		task := d.tasks[0]
		d.tasks[0] = nil
		d.tasks = d.tasks[1:]
		d.mu.Unlock()

		task()
	}
}

// Post queues task. Tasks posted after Close are dropped.
func (d *SerialDispatcher) Post(task func()) {
	if d.stopped.Load() {
		zap.L().Debug("dropping task posted to stopped dispatcher")
		return
	}
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.cond.Signal()
	d.mu.Unlock()
}

// Close stops the dispatcher after the running task, if any, returns. Queued
// tasks are discarded. Close must not be called from a task on d.
func (d *SerialDispatcher) Close() {
	if !d.stopped.CAS(false, true) {
		return
	}
	d.mu.Lock()
	d.tasks = nil
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
