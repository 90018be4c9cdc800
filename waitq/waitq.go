// Package waitq is the central blocking primitive named in spec §4.8:
// wait_lock_for(guard, flags, predicate). Grounded on tinfo.Tnote_t's
// Killnaps field (a chan bool plus a pending-error field bundled for
// interrupting a blocked thread), generalized from one channel per thread
// into a full predicate/deadline wait queue. Because kernel threads here
// are ordinary goroutines (as in the teacher), "yield to the scheduler" is
// a channel receive: parking a waiter blocks the calling goroutine and the
// Go runtime schedules another one in its place.
package waitq

import (
	"container/list"
	"sync"
	"time"

	"gokernel/defs"
)

// Flags controls wait semantics, matching spec §4.8.
type Flags int

const (
	// NonInterruptible means a signal delivered while parked does not
	// abort the wait; the wait keeps re-checking its predicate instead.
	NonInterruptible Flags = 1 << iota
	// IRQDisable documents that the wait would run with interrupts
	// disabled across the yield on real hardware. This module has no
	// interrupts to disable; the flag exists so call sites match spec.md
	// and a bare-metal port has something to hang the real behavior on.
	IRQDisable
)

// Entry is one parked waiter. Task holds onto the Entry returned while it
// is parked so that signal delivery can call Interrupt on it.
type Entry struct {
	q    *Queue
	ch   chan struct{}
	elem *list.Element
	woke bool
	kerr defs.Err_t
}

// Interrupt wakes e with err as the result wait_lock_for will observe. Used
// by signal delivery to abort an interruptible wait with -EINTR.
func (e *Entry) Interrupt(err defs.Err_t) {
	e.q.mu.Lock()
	defer e.q.mu.Unlock()
	e.wakeLocked(err)
}

func (e *Entry) wakeLocked(err defs.Err_t) {
	if e.woke {
		return
	}
	e.woke = true
	e.kerr = err
	if e.elem != nil {
		e.q.waiters.Remove(e.elem)
		e.elem = nil
	}
	close(e.ch)
}

// Queue is an ordered list of parked waiters. A task appears on at most
// one queue at a time, per spec §3's Wait queue invariant.
type Queue struct {
	mu      sync.Mutex
	waiters list.List
}

// NewQueue returns an empty wait queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.waiters.Init()
	return q
}

func (q *Queue) enqueue() *Entry {
	e := &Entry{q: q, ch: make(chan struct{})}
	q.mu.Lock()
	e.elem = q.waiters.PushBack(e)
	q.mu.Unlock()
	return e
}

// NotifyOne wakes the head of the queue, if any.
func (q *Queue) NotifyOne() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if f := q.waiters.Front(); f != nil {
		f.Value.(*Entry).wakeLocked(0)
	}
}

// NotifyAll wakes every parked waiter.
func (q *Queue) NotifyAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.waiters.Front(); e != nil; {
		next := e.Next()
		e.Value.(*Entry).wakeLocked(0)
		e = next
	}
}

// WaitLockFor implements spec §4.8's six-step protocol:
//
//  1. guard is assumed already held by the caller.
//  2. predicate is evaluated; if true, WaitLockFor returns 0 with guard
//     still held.
//  3. the calling task is registered on this queue.
//  4. guard is released.
//  5. the calling goroutine blocks (yields to the scheduler).
//  6. on wake, guard is re-acquired and the loop returns to step 2.
//
// parked, if non-nil, is called with the new Entry immediately after
// registering (so the caller can stash it for Interrupt) and again with
// nil immediately after waking (so the caller can clear it). deadline, if
// non-zero, causes a -ETIMEDOUT return with guard not held. A signal
// interrupting a non-NonInterruptible wait returns its error with guard
// not held, matching spec's "the guard is not held in that case".
func (q *Queue) WaitLockFor(guard sync.Locker, predicate func() bool, flags Flags, deadline time.Time, parked func(*Entry)) defs.Err_t {
	for {
		if predicate() {
			return 0
		}

		e := q.enqueue()
		// a non-interruptible wait never exposes its entry for signal
		// delivery: there is nothing a signal would be allowed to abort.
		expose := parked != nil && flags&NonInterruptible == 0
		if expose {
			parked(e)
		}
		guard.Unlock()

		var timeoutCh <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			timer = time.NewTimer(time.Until(deadline))
			timeoutCh = timer.C
		}
		select {
		case <-e.ch:
			if timer != nil {
				timer.Stop()
			}
		case <-timeoutCh:
			q.mu.Lock()
			e.wakeLocked(-defs.ETIMEDOUT)
			q.mu.Unlock()
		}
		if expose {
			parked(nil)
		}

		kerr := e.kerr
		if kerr == -defs.ETIMEDOUT {
			return kerr
		}
		if kerr != 0 {
			if flags&NonInterruptible != 0 {
				guard.Lock()
				continue
			}
			return kerr
		}
		guard.Lock()
	}
}
