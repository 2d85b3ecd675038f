package engine

import "sync"

// Dispatcher schedules a callback to run once, later, on a single designated
// execution context. UI frontends plug in their main-thread marshaling
// primitive; everything else uses SerialDispatcher.
type Dispatcher interface {
	Dispatch(fn func())
}

// SerialDispatcher executes submitted callbacks one at a time, in submission
// order, on a dedicated goroutine.
type SerialDispatcher struct {
	mu     sync.Mutex
	closed bool
	tasks  chan func()
	done   chan struct{}
}

// NewSerialDispatcher creates a running dispatcher. Dispatch blocks when more
// than buffer callbacks are waiting.
func NewSerialDispatcher(buffer int) *SerialDispatcher {
	if buffer < 1 {
		buffer = 64
	}
	d := &SerialDispatcher{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *SerialDispatcher) run() {
	for fn := range d.tasks {
		fn()
	}
	close(d.done)
}

// Dispatch submits fn for execution. Calls after Close are dropped.
func (d *SerialDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.tasks <- fn
}

// Close drains already-submitted callbacks and stops the consumer goroutine.
func (d *SerialDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()
	<-d.done
}
