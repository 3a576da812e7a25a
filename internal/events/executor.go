package events

import "sync"

// Executor runs consumer callbacks on the consumer's own context.
type Executor interface {
	Execute(fn func())
}

// Inline runs callbacks directly on the delivery goroutine.
type Inline struct{}

// Execute calls fn.
func (Inline) Execute(fn func()) { fn() }

// Loop is a serial executor: callbacks run one at a time, in submission
// order, on a single goroutine owned by the loop.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewLoop starts a loop with the given task buffer.
func NewLoop(buffer int) *Loop {
	if buffer < 1 {
		buffer = 1
	}
	l := &Loop{
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			return
		}
	}
}

// Execute queues fn. It blocks while the buffer is full and drops fn once
// the loop is closed.
func (l *Loop) Execute(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.quit:
	}
}

// Close stops the loop and waits for the running task to return. Queued
// tasks are dropped.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
