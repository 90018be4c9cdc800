// Package timer is the per-CPU deadline-ordered timer list named in
// spec §4.10 (backing §4.5's write-back timer and §4.7's periodic tick).
// Uses container/list, mirroring fs.BlkList_t's choice of the same stdlib
// structure over container/heap — spec.md specifies a list, not a heap.
package timer

import (
	"container/list"
	"sync"
	"time"
)

// Callback runs when a Timer's deadline passes. It is invoked with no
// locks held, so it may rearm itself or touch the scheduler.
type Callback func()

// Timer is one armed deadline bound to a callback.
type Timer struct {
	deadline time.Time
	cb       Callback
	enabled  bool
	elem     *list.Element
	owner    *List
}

// Enabled reports whether the timer will still fire.
func (t *Timer) Enabled() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.enabled
}

// Disable prevents a timer from firing, if it has not already. Idempotent.
func (t *Timer) Disable() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if !t.enabled {
		return
	}
	t.enabled = false
	t.owner.l.Remove(t.elem)
}

// List is one CPU's deadline-ordered timer list.
type List struct {
	mu sync.Mutex
	l  *list.List
}

// NewList returns an empty timer list.
func NewList() *List {
	return &List{l: list.New()}
}

// Add arms a new timer for deadline, inserted in deadline order.
func (l *List) Add(deadline time.Time, cb Callback) *Timer {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := &Timer{deadline: deadline, cb: cb, enabled: true, owner: l}
	for e := l.l.Back(); e != nil; e = e.Prev() {
		if !e.Value.(*Timer).deadline.After(deadline) {
			t.elem = l.l.InsertAfter(t, e)
			return t
		}
	}
	t.elem = l.l.PushFront(t)
	return t
}

// NextDeadline reports the earliest armed deadline, if any.
func (l *List) NextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f := l.l.Front(); f != nil {
		return f.Value.(*Timer).deadline, true
	}
	return time.Time{}, false
}

// Expire removes every timer whose deadline has passed as of now and
// returns their callbacks for the caller to run with no lock held — the
// scheduler's tick handler calls this and then invokes each callback,
// matching the periodic-tick flow of spec §4.7.
func (l *List) Expire(now time.Time) []Callback {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []Callback
	for e := l.l.Front(); e != nil; {
		t := e.Value.(*Timer)
		if t.deadline.After(now) {
			break
		}
		next := e.Next()
		l.l.Remove(e)
		t.enabled = false
		due = append(due, t.cb)
		e = next
	}
	return due
}
