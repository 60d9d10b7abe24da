package tcc

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// EventLoop serializes all pool, connector and manager state mutation onto a
// single goroutine. User entry points either already run on the loop or post
// themselves to it; the two are equivalent.
//
// Tick hooks run after every drained batch of tasks. That boundary is where
// the manager flushes batched writes and rotates the trashcan.
type EventLoop struct {
	taskLock *sync.Mutex
	tasks    []func()
	ticks    []func()

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	started *atomic.Bool
	stopped *atomic.Bool
}

// NewEventLoop creates a stopped loop. Call Start to begin running tasks.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		taskLock: &sync.Mutex{},
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		started:  atomic.NewBool(false),
		stopped:  atomic.NewBool(false),
	}
}

// Start launches the loop goroutine. Safe to call once; later calls no-op.
func (l *EventLoop) Start() {
	if !l.started.CAS(false, true) {
		return
	}

	go l.run()
}

// Stop ends the loop after the current turn and waits for it to exit.
// Tasks already posted still run so shutdown callbacks can land.
func (l *EventLoop) Stop() {
	l.stopAsync()
	if l.started.Load() {
		<-l.done
	}
}

// stopAsync requests shutdown without waiting. Used from the loop goroutine
// itself, which cannot wait on its own exit.
func (l *EventLoop) stopAsync() {
	if l.stopped.CAS(false, true) {
		close(l.quit)
	}
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *EventLoop) Post(fn func()) {
	l.taskLock.Lock()
	l.tasks = append(l.tasks, fn)
	l.taskLock.Unlock()

	l.Wake()
}

// Wake forces a loop turn even when no task is queued, so tick hooks run.
func (l *EventLoop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Invoke posts fn and waits for it to finish. Do not call from the loop
// goroutine. Returns early if the loop shuts down before fn runs.
func (l *EventLoop) Invoke(fn func()) {
	finished := make(chan struct{})
	l.Post(func() {
		fn()
		close(finished)
	})

	select {
	case <-finished:
	case <-l.done:
	}
}

// OnTick registers a hook invoked at the end of every loop turn.
func (l *EventLoop) OnTick(fn func()) {
	l.taskLock.Lock()
	l.ticks = append(l.ticks, fn)
	l.taskLock.Unlock()
}

func (l *EventLoop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.quit:
			l.drain()
			l.runTicks()
			return
		case <-l.wake:
			l.drain()
			l.runTicks()
		}
	}
}

func (l *EventLoop) drain() {
	for {
		l.taskLock.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.taskLock.Unlock()

		if len(tasks) == 0 {
			return
		}

		for _, fn := range tasks {
			fn()
		}
	}
}

func (l *EventLoop) runTicks() {
	l.taskLock.Lock()
	ticks := l.ticks
	l.taskLock.Unlock()

	for _, fn := range ticks {
		fn()
	}
}

// LoopTimer is a cancelable delayed task on the loop.
type LoopTimer struct {
	timer   *time.Timer
	stopped *atomic.Bool
}

// Schedule runs fn on the loop goroutine after d.
func (l *EventLoop) Schedule(d time.Duration, fn func()) *LoopTimer {
	lt := &LoopTimer{stopped: atomic.NewBool(false)}

	lt.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Load() {
				return
			}
			fn()
		})
	})

	return lt
}

// Stop cancels the timer. Safe to call more than once; a callback already
// queued on the loop is suppressed.
func (lt *LoopTimer) Stop() {
	lt.stopped.Store(true)
	lt.timer.Stop()
}
