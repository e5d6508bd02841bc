// Package queue provides the serialized command queue every state change of
// the application runs on.
package queue

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventQueue runs queued tasks one at a time, in the order they were queued.
// Call may be used from any goroutine; tasks themselves run on whichever
// goroutine is dispatching.
type EventQueue struct {
	mu      sync.Mutex
	tasks   []func()
	broken  bool
	wake    chan struct{}
	logger  *logrus.Logger
	running bool
}

// New creates an empty queue. A nil logger discards task panics silently.
func New(logger *logrus.Logger) *EventQueue {
	return &EventQueue{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Call queues fn. It returns false for a nil fn.
func (q *EventQueue) Call(fn func()) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

// Pending returns the number of queued tasks.
func (q *EventQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Dispatching reports whether DispatchForever is running.
func (q *EventQueue) Dispatching() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// DispatchForever runs tasks until BreakDispatch is called. Tasks queued
// after the break stay queued.
func (q *EventQueue) DispatchForever() {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if q.broken {
			q.broken = false
			q.mu.Unlock()
			return
		}
		var task func()
		if len(q.tasks) > 0 {
			task = q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
		}
		q.mu.Unlock()

		if task == nil {
			<-q.wake
			continue
		}
		q.run(task)
	}
}

// DispatchOnce runs the tasks queued at the time of the call and returns
// without waiting for more. It returns the number of tasks run.
func (q *EventQueue) DispatchOnce() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, task := range tasks {
		q.run(task)
	}
	return len(tasks)
}

// BreakDispatch makes DispatchForever return once the current task finishes.
func (q *EventQueue) BreakDispatch() {
	q.mu.Lock()
	q.broken = true
	q.mu.Unlock()
	q.signal()
}

func (q *EventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *EventQueue) run(task func()) {
	defer func() {
		if r := recover(); r != nil && q.logger != nil {
			q.logger.WithFields(logrus.Fields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("Queued task panicked")
		}
	}()
	task()
}
