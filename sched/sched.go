// Package sched is the preemptive SMP scheduler of spec §4.7: per-CPU ready
// queues, time-slice preemption, and cross-CPU wake-ups. Per-CPU state
// mirrors mem.Physmem_t's pcpuphys_t array-of-per-CPU-state pattern, but
// for run queues instead of free lists. Because this module's tasks are
// ordinary goroutines (see waitq's package doc), "dispatch" here is
// bookkeeping and fairness/ordering, not a literal register-context swap —
// that half of spec §4.6 lives in arch.Context and task.Task; a run loop's
// execute callback is what actually resumes a task's goroutine.
package sched

import (
	"sync"
	"time"

	"gokernel/arch"
	"gokernel/defs"
	"gokernel/stats"
	"gokernel/task"
	"gokernel/timer"
	"gokernel/waitq"
)

// Ticks and Preemptions are package-wide fairness counters, compiled in but
// inert unless stats.Stats is flipped on, matching stats.Counter_t's usual
// call convention elsewhere in the teacher's codebase.
var (
	Ticks       stats.Counter_t
	Preemptions stats.Counter_t
)

// TimeSlice is the number of ticks a task may run before the scheduler sets
// its CPU's resched bit (spec §4.7's "time-slice: ... on threshold the
// scheduler sets the resched bit").
const TimeSlice = 10

// percpu is one logical CPU's run state.
type percpu struct {
	mu        sync.Mutex
	ready     []*task.Task
	current   *task.Task
	idle      *task.Task
	preempt   int32 // preemption-disable counter
	needResch bool
	wake      chan struct{} // buffered 1: the simulated IPI doorbell
	timers    *timer.List
}

func newPercpu() *percpu {
	return &percpu{wake: make(chan struct{}, 1), timers: timer.NewList()}
}

// Scheduler owns every CPU's run queue plus the global task table.
type Scheduler struct {
	cpus []*percpu

	mu    sync.Mutex
	tasks map[defs.Pid_t]*task.Task

	// childWait is one wait queue per parent pid, used by WaitPid to park
	// until a child transitions to Zombie; lazily created.
	childWait map[defs.Pid_t]*waitq.Queue
	cwMu      sync.Mutex
}

// New returns a scheduler configured for ncpus logical CPUs.
func New(ncpus int) *Scheduler {
	s := &Scheduler{
		tasks:     make(map[defs.Pid_t]*task.Task),
		childWait: make(map[defs.Pid_t]*waitq.Queue),
	}
	s.cpus = make([]*percpu, ncpus)
	for i := range s.cpus {
		s.cpus[i] = newPercpu()
	}
	return s
}

// NCPU reports the number of logical CPUs this scheduler drives.
func (s *Scheduler) NCPU() int { return len(s.cpus) }

// SetIdle installs cpu's idle task, dispatched whenever its ready queue is
// empty.
func (s *Scheduler) SetIdle(cpu int, t *task.Task) {
	s.cpus[cpu].idle = t
}

// Register adds t to the global all-tasks table, keyed by pid, per spec
// §4.7's "global state: all-tasks map keyed by id".
func (s *Scheduler) Register(t *task.Task) {
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
}

// Lookup returns the task with the given pid, if still registered.
func (s *Scheduler) Lookup(pid defs.Pid_t) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[pid]
	return t, ok
}

// unregister drops pid from the all-tasks table, called once a zombie is
// reaped.
func (s *Scheduler) unregister(pid defs.Pid_t) {
	s.mu.Lock()
	delete(s.tasks, pid)
	s.mu.Unlock()
}

// chooseCPU implements spec §4.7's Enqueue placement rule: the task's last
// CPU if it already ran somewhere, otherwise round-robin over the configured
// CPU count.
func (s *Scheduler) chooseCPU(t *task.Task) int {
	if last := t.LastCPU(); last >= 0 && last < len(s.cpus) {
		return last
	}
	return int(uint(t.ID)) % len(s.cpus)
}

// Enqueue places t at the tail of the ready queue of some CPU — t's last
// CPU if it is runnable there, otherwise round-robin — per spec §4.7. If
// that CPU is idle, a wake-up ("IPI") is delivered; otherwise the CPU
// picks t up on its next tick.
func (s *Scheduler) Enqueue(t *task.Task) {
	t.SetState(task.Runnable)
	cpu := s.chooseCPU(t)
	pc := s.cpus[cpu]
	pc.mu.Lock()
	pc.ready = append(pc.ready, t)
	wasIdle := pc.current == nil || pc.current == pc.idle
	pc.mu.Unlock()
	if wasIdle {
		select {
		case pc.wake <- struct{}{}:
		default:
		}
	}
}

// dequeueLocked pops the head of cpu's ready queue. Callers hold pc.mu.
func dequeueLocked(pc *percpu) (*task.Task, bool) {
	if len(pc.ready) == 0 {
		return nil, false
	}
	t := pc.ready[0]
	pc.ready = pc.ready[1:]
	return t, true
}

// Reschedule implements spec §4.7's reschedule(): picks the next runnable
// task for cpu, or the idle task if the ready queue is empty. Gated on the
// CPU's preemption-disable counter: if it is non-zero, Reschedule is a
// no-op that sets the CPU's resched bit instead of switching, matching
// "the call is a no-op that sets a 'needs resched' bit."
func (s *Scheduler) Reschedule(cpu int) *task.Task {
	pc := s.cpus[cpu]
	pc.mu.Lock()
	if pc.preempt != 0 {
		pc.needResch = true
		cur := pc.current
		pc.mu.Unlock()
		return cur
	}
	prev := pc.current
	prevRunnable := prev != nil && prev != pc.idle && prev.State() == task.Running
	next, ok := dequeueLocked(pc)
	if !ok {
		if prevRunnable {
			// nothing else to run: the preempted task keeps the CPU with a
			// fresh time slice.
			pc.needResch = false
			pc.mu.Unlock()
			prev.ResetTicks()
			return prev
		}
		next = pc.idle
	}
	pc.current = next
	pc.needResch = false
	if prevRunnable && prev != next {
		// round-robin: a still-runnable preempted task goes to the tail so
		// every ready task progresses within one time slice (spec §8's
		// fairness property).
		prev.SetState(task.Runnable)
		pc.ready = append(pc.ready, prev)
	}
	pc.mu.Unlock()

	if next != nil {
		next.SetState(task.Running)
		next.SetLastCPU(cpu)
		next.ResetTicks()
		arch.SetCPUHint(cpu)
	}
	return next
}

// YieldNow gives up the caller's remaining time slice: the current task
// goes to the tail of its CPU's ready queue and the next runnable task is
// dispatched (spec §4.7's yield_now). With nothing else ready the caller
// simply keeps the CPU.
func (s *Scheduler) YieldNow(cpu int) *task.Task {
	pc := s.cpus[cpu]
	pc.mu.Lock()
	pc.needResch = true
	pc.mu.Unlock()
	return s.Reschedule(cpu)
}

// PreemptDisable increments cpu's preemption-disable counter; while
// non-zero, Reschedule is a no-op (spec §4.7).
func (s *Scheduler) PreemptDisable(cpu int) {
	pc := s.cpus[cpu]
	pc.mu.Lock()
	pc.preempt++
	pc.mu.Unlock()
}

// PreemptEnable decrements the counter. If it reaches zero and a resched
// was requested while disabled, the caller should call Reschedule.
func (s *Scheduler) PreemptEnable(cpu int) (needResched bool) {
	pc := s.cpus[cpu]
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.preempt == 0 {
		panic("sched: PreemptEnable without matching PreemptDisable")
	}
	pc.preempt--
	return pc.preempt == 0 && pc.needResch
}

// Tick is driven by the periodic timer interrupt named in spec §4.7: it
// expires any of cpu's armed one-shot timers that are now due (spec
// §4.10's write-back timer and Sleep both arm theirs on this CPU's list),
// charges one tick to cpu's running task, and, once its count reaches TimeSlice,
// sets the resched bit for the next safe point to observe.
func (s *Scheduler) Tick(cpu int) {
	Ticks.Inc()
	pc := s.cpus[cpu]
	for _, cb := range pc.timers.Expire(time.Now()) {
		cb()
	}
	pc.mu.Lock()
	cur := pc.current
	pc.mu.Unlock()
	if cur == nil {
		return
	}
	if cur.AddTick() >= TimeSlice {
		pc.mu.Lock()
		pc.needResch = true
		pc.mu.Unlock()
		Preemptions.Inc()
	}
}

// NeedResched reports whether cpu's next safe point should call
// Reschedule.
func (s *Scheduler) NeedResched(cpu int) bool {
	pc := s.cpus[cpu]
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.needResch
}

// Current returns the task currently dispatched on cpu.
func (s *Scheduler) Current(cpu int) *task.Task {
	pc := s.cpus[cpu]
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.current
}

// Timers returns cpu's deadline-ordered timer list (spec §4.10), used by
// the write-back timer and this scheduler's own tick source alike.
func (s *Scheduler) Timers(cpu int) *timer.List {
	return s.cpus[cpu].timers
}

// childWaitQueue returns (creating if necessary) the wait queue WaitPid
// parks a parent on.
func (s *Scheduler) childWaitQueue(parent defs.Pid_t) *waitq.Queue {
	s.cwMu.Lock()
	defer s.cwMu.Unlock()
	q, ok := s.childWait[parent]
	if !ok {
		q = waitq.NewQueue()
		s.childWait[parent] = q
	}
	return q
}

// NotifyChildExit wakes any WaitPid parked on behalf of parent, called by
// Exit after a task transitions to Zombie.
func (s *Scheduler) NotifyChildExit(parent defs.Pid_t) {
	s.cwMu.Lock()
	q, ok := s.childWait[parent]
	s.cwMu.Unlock()
	if ok {
		q.NotifyAll()
	}
}

// Exit transitions t to Zombie via task.Exit and wakes t's parent's
// WaitPid, matching spec §4.7's exit(status) primitive.
func (s *Scheduler) Exit(t *task.Task, status int, initTask *task.Task) {
	t.Exit(status, initTask)
	if t.Parent != nil {
		s.NotifyChildExit(t.Parent.ID)
	}
}

// reapGuard is the sync.Locker WaitPid's WaitLockFor uses; wait_pid has no
// natural single guard object (it scans a slice of children), so each
// WaitPid call locks a fresh guard of its own.
type reapGuard struct{ mu sync.Mutex }

func (g *reapGuard) Lock()   { g.mu.Lock() }
func (g *reapGuard) Unlock() { g.mu.Unlock() }

// WaitPid implements spec §4.7's wait_pid(pid, status_out): blocks until a
// child matching pid (or any child, if pid <= 0) becomes a zombie, reaps
// it, and returns its pid and exit status. Interruptible by a signal,
// honoring waitq's §4.8 semantics.
func (s *Scheduler) WaitPid(parent *task.Task, pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	q := s.childWaitQueue(parent.ID)
	var guard reapGuard
	var found *task.Task

	guard.Lock()
	err := q.WaitLockFor(&guard, func() bool {
		for _, c := range parent.Children() {
			if (pid <= 0 || c.ID == pid) && c.State() == task.Zombie {
				found = c
				return true
			}
		}
		return false
	}, 0, time.Time{}, parent.ParkedOn)

	if err != 0 {
		return 0, 0, err
	}
	guard.Unlock()
	status := found.ExitStatus()
	rpid := found.ID
	found.Reap()
	s.unregister(rpid)
	return rpid, status, 0
}
