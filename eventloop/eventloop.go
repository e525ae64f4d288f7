// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package eventloop implements a single-consumer event queue.
//
// A Loop delivers dispatched events to the callbacks registered for their
// kind, one event at a time, on a dedicated goroutine. Events with a higher
// priority are delivered first; events of equal priority are delivered in the
// order they were dispatched. Any number of goroutines may call Dispatch
// concurrently.
//
//	lp := eventloop.New()
//	lp.Handle("tick", func(ev eventloop.Event) { ... })
//	lp.Start()
//	defer lp.Stop()
//	lp.Dispatch(tickEvent{})
package eventloop

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// ErrStopped is reported by Dispatch when the loop is not running.
var ErrStopped = errors.New("event loop is not running")

// An Event is a unit of work delivered by a Loop.
type Event interface {
	// Kind selects the callbacks that receive the event.
	Kind() string

	// Priority orders pending events. Larger values are delivered first.
	Priority() int
}

// A Callback receives events from a Loop.
type Callback func(Event)

type entry struct {
	ev  Event
	pri int
	seq uint64
}

func compareEntries(a, b entry) int {
	if c := cmp.Compare(b.pri, a.pri); c != 0 {
		return c // higher priority first
	}
	return cmp.Compare(a.seq, b.seq)
}

// A Loop is a prioritized event queue with a single consumer.  A Loop must be
// constructed with New. It may be started and stopped repeatedly.
type Loop struct {
	μ        sync.Mutex
	handlers map[string][]Callback
	queue    *heapq.Queue[entry]
	nextSeq  uint64
	log      *zap.Logger

	ready chan struct{} // signals the consumer; buffered, capacity 1
	stop  chan struct{} // closed by Stop; nil when not running
	tasks *taskgroup.Group
}

// New constructs a new, unstarted event loop.
func New() *Loop {
	return &Loop{
		handlers: make(map[string][]Callback),
		queue:    heapq.New(compareEntries),
		log:      zap.L(),
		ready:    make(chan struct{}, 1),
	}
}

// SetLogger sets the logger used to report failed callbacks.  If log == nil,
// the global zap logger is used. It returns lp to permit chaining.
func (lp *Loop) SetLogger(log *zap.Logger) *Loop {
	lp.μ.Lock()
	defer lp.μ.Unlock()
	if log == nil {
		log = zap.L()
	}
	lp.log = log
	return lp
}

// Handle registers cb to receive events of the given kind. Callbacks for a
// kind are invoked in registration order. It returns lp to permit chaining.
func (lp *Loop) Handle(kind string, cb Callback) *Loop {
	lp.μ.Lock()
	defer lp.μ.Unlock()
	lp.handlers[kind] = append(lp.handlers[kind], cb)
	return lp
}

// Start starts the consumer goroutine. It reports false if lp was already
// running.
func (lp *Loop) Start() bool {
	lp.μ.Lock()
	defer lp.μ.Unlock()
	if lp.stop != nil {
		return false
	}
	stop := make(chan struct{})
	lp.stop = stop
	lp.tasks = taskgroup.New(nil)
	lp.tasks.Go(func() error { lp.run(stop); return nil })
	return true
}

// Stop terminates the consumer goroutine and blocks until it has exited.
// Events not yet delivered are discarded.  Stop reports false if lp was not
// running.
//
// Stop must not be called from a callback of lp.
func (lp *Loop) Stop() bool {
	lp.μ.Lock()
	stop, tasks := lp.stop, lp.tasks
	if stop == nil {
		lp.μ.Unlock()
		return false
	}
	lp.stop, lp.tasks = nil, nil
	close(stop)
	lp.μ.Unlock()

	tasks.Wait()

	lp.μ.Lock()
	defer lp.μ.Unlock()
	if lp.stop == nil {
		lp.queue = heapq.New(compareEntries)
	}
	return true
}

// IsRunning reports whether lp is currently started.
func (lp *Loop) IsRunning() bool {
	lp.μ.Lock()
	defer lp.μ.Unlock()
	return lp.stop != nil
}

// Len reports the number of events waiting to be delivered.
func (lp *Loop) Len() int {
	lp.μ.Lock()
	defer lp.μ.Unlock()
	return lp.queue.Len()
}

// Dispatch enqueues ev for delivery. It does not block waiting for delivery.
// It reports ErrStopped if lp is not running.
func (lp *Loop) Dispatch(ev Event) error {
	lp.μ.Lock()
	if lp.stop == nil {
		lp.μ.Unlock()
		return ErrStopped
	}
	lp.nextSeq++
	lp.queue.Add(entry{ev: ev, pri: ev.Priority(), seq: lp.nextSeq})
	lp.μ.Unlock()

	select {
	case lp.ready <- struct{}{}:
	default:
		// The consumer already has a wakeup pending.
	}
	return nil
}

// next removes and returns the next deliverable event along with its
// callbacks, or reports false if the queue is empty.
func (lp *Loop) next() (Event, []Callback, *zap.Logger, bool) {
	lp.μ.Lock()
	defer lp.μ.Unlock()
	e, ok := lp.queue.Pop()
	if !ok {
		return nil, nil, nil, false
	}
	return e.ev, lp.handlers[e.ev.Kind()], lp.log, true
}

func (lp *Loop) run(stop <-chan struct{}) {
	for {
		// Check for a stop before each delivery, so that Stop is not delayed
		// behind a long queue.
		select {
		case <-stop:
			return
		default:
		}

		ev, cbs, log, ok := lp.next()
		if !ok {
			select {
			case <-stop:
				return
			case <-lp.ready:
				continue
			}
		}
		for _, cb := range cbs {
			deliver(log, cb, ev)
		}
	}
}

// deliver invokes cb with ev, recovering and logging a panic.
func deliver(log *zap.Logger, cb Callback, ev Event) {
	defer func() {
		if x := recover(); x != nil {
			log.Error("event callback panicked (recovered)",
				zap.String("kind", ev.Kind()),
				zap.Error(fmt.Errorf("%v", x)),
			)
		}
	}()
	cb(ev)
}
