// Package sched provides the wait/wakeup primitives that kernel threads use
// to block on events of a kernel object.
package sched

import (
	"sync"
)

// Tag identifies the kind of event a thread waits for.
type Tag uint8

const (
	// EvVMMDone is raised when a demand-load of a region page completes.
	EvVMMDone Tag = iota

	// EvThreadDied is raised when a thread terminates.
	EvThreadDied
)

func (t Tag) String() string {
	switch t {
	case EvVMMDone:
		return "vmm-done"
	case EvThreadDied:
		return "thread-died"
	default:
		return "unknown"
	}
}

type eventKey struct {
	obj interface{}
	tag Tag
}

type waitQueue struct {
	ch      chan struct{}
	waiters int
}

// Events keeps the wait queues of all (object, tag) pairs that currently have
// waiters. Objects must be comparable; pointers are typically used.
type Events struct {
	mutex  sync.Mutex
	queues map[eventKey]*waitQueue
}

// NewEvents returns an empty event table.
func NewEvents() *Events {
	return &Events{queues: make(map[eventKey]*waitQueue)}
}

// Wait blocks until Wakeup is called for (obj, tag). The caller must hold l
// which protects the condition it waits for; l is released while sleeping
// and re-acquired before Wait returns. The condition must be re-checked
// afterwards.
func (e *Events) Wait(obj interface{}, tag Tag, l sync.Locker) {
	key := eventKey{obj, tag}

	e.mutex.Lock()
	q, ok := e.queues[key]
	if !ok {
		q = &waitQueue{ch: make(chan struct{})}
		e.queues[key] = q
	}
	q.waiters++
	e.mutex.Unlock()

	l.Unlock()
	<-q.ch
	l.Lock()
}

// Wakeup wakes all threads waiting for (obj, tag) and returns their number.
func (e *Events) Wakeup(obj interface{}, tag Tag) int {
	key := eventKey{obj, tag}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	q, ok := e.queues[key]
	if !ok {
		return 0
	}
	delete(e.queues, key)
	close(q.ch)
	return q.waiters
}

// Waiting returns the number of threads blocked on (obj, tag).
func (e *Events) Waiting(obj interface{}, tag Tag) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if q, ok := e.queues[eventKey{obj, tag}]; ok {
		return q.waiters
	}
	return 0
}
