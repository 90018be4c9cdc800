// Package task is the task object of spec §3/§4.6: a kernel or user thread
// of execution owning a kernel stack, an arch register context, an
// optional address space, a file-descriptor table, signal state, and a
// parent/children graph. Grounded on tinfo.Tnote_t (a per-thread note
// bundling Alive/Killed/Isdoomed flags behind one mutex plus a Killnaps
// channel), generalized into the full task the spec names: tinfo carries no
// address space or fd table of its own because biscuit's patched runtime
// gives every goroutine one implicitly, whereas this module's task object
// must carry both explicitly.
package task

import (
	"sync"
	"sync/atomic"

	"gokernel/accnt"
	"gokernel/arch"
	"gokernel/defs"
	"gokernel/fd"
	"gokernel/signal"
	"gokernel/vmmap"
	"gokernel/waitq"
)

// State is one of the lifecycle states named in the Data Model.
type State int

const (
	Runnable State = iota
	Running
	Blocked
	Stopped
	Zombie
	Dead
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Stopped:
		return "stopped"
	case Zombie:
		return "zombie"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// AddrSpace is an address space reference-counted so that multiple threads
// sharing it hold it alive, per the Data Model's "Address space" entry.
// Wraps vmmap.VMMap, which owns the root page table and region list
// exclusively.
type AddrSpace struct {
	mu   sync.Mutex
	refs int
	VM   *vmmap.VMMap
}

// NewAddrSpace wraps vm with an initial reference count of one.
func NewAddrSpace(vm *vmmap.VMMap) *AddrSpace {
	return &AddrSpace{refs: 1, VM: vm}
}

// Ref bumps the reference count, e.g. when a cloned thread shares its
// parent's address space instead of forking a private copy.
func (as *AddrSpace) Ref() {
	as.mu.Lock()
	as.refs++
	as.mu.Unlock()
}

// Unref drops a reference, freeing the underlying VMMap's mappings once the
// last owner lets go.
func (as *AddrSpace) Unref() {
	as.mu.Lock()
	as.refs--
	last := as.refs == 0
	as.mu.Unlock()
	if last {
		as.VM.Free()
	}
}

// FDTable is a task's open file descriptor table: a small int-keyed map
// behind a mutex, matching the teacher's preference for plain maps over a
// dedicated slice-based table (fd.Fd_t itself has no notion of a table).
type FDTable struct {
	mu   sync.Mutex
	fds  map[int]*fd.Fd_t
	next int
}

// NewFDTable returns an empty descriptor table.
func NewFDTable() *FDTable {
	return &FDTable{fds: make(map[int]*fd.Fd_t)}
}

// Install assigns the lowest unused descriptor number to f and returns it.
func (t *FDTable) Install(f *fd.Fd_t) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if _, used := t.fds[t.next]; !used {
			break
		}
		t.next++
	}
	n := t.next
	t.fds[n] = f
	t.next++
	return n
}

// Get returns the descriptor at fdnum, if open.
func (t *FDTable) Get(fdnum int) (*fd.Fd_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.fds[fdnum]
	return f, ok
}

// Close removes fdnum from the table and closes its backing object.
func (t *FDTable) Close(fdnum int) defs.Err_t {
	t.mu.Lock()
	f, ok := t.fds[fdnum]
	if ok {
		delete(t.fds, fdnum)
	}
	t.mu.Unlock()
	if !ok {
		return -defs.EINVAL
	}
	return f.Fops.Close()
}

// Fork returns a deep copy suitable for a forked child: every open
// descriptor is reopened via fd.Copyfd so parent and child each hold an
// independent reference (spec §4.6: "duplicating the file-descriptor
// table").
func (t *FDTable) Fork() (*FDTable, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := &FDTable{fds: make(map[int]*fd.Fd_t, len(t.fds)), next: t.next}
	for n, f := range t.fds {
		nf, err := fd.Copyfd(f)
		if err != 0 {
			return nil, err
		}
		nt.fds[n] = nf
	}
	return nt, 0
}

// CloseAll closes every open descriptor, used on exit.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	fds := t.fds
	t.fds = make(map[int]*fd.Fd_t)
	t.mu.Unlock()
	for _, f := range fds {
		f.Fops.Close()
	}
}

var nextPid atomic.Int64

// NewPid allocates a fresh, globally unique task id.
func NewPid() defs.Pid_t {
	return defs.Pid_t(nextPid.Add(1))
}

// Task is the kernel's thread-of-execution object, per the Data Model's
// "Task" entry.
type Task struct {
	mu sync.Mutex

	ID  defs.Pid_t
	TID defs.Tid_t

	Arch arch.Context
	AS   *AddrSpace // nil for a pure kernel task with no user mappings

	// TLSBase is copied into Arch.FSBase on every context switch (spec
	// §4.6's "per-task TLS").
	TLSBase uintptr

	Fds *FDTable
	Cwd *fd.Cwd_t
	Sig *signal.State
	Acc accnt.Accnt_t

	Parent   *Task
	children []*Task

	PGID defs.Pid_t
	SID  defs.Pid_t

	state      State
	exitStatus int
	lastCPU    int

	// waitGen is bumped by Exit on the exiting task and on its parent, for
	// wait_pid to observe (see sched.WaitPid, which parks on a waitq.Queue
	// stored by the scheduler per-parent rather than here, to avoid a
	// sched->task import cycle).
	waitGen atomic.Int64

	// ticks counts scheduler time-slice ticks charged to this task while
	// Running, reset on every dispatch; sched's preemption check and
	// per-task CPU-time export (prof.go) both read it.
	ticks atomic.Int64

	// waitMu guards waitEntry, the wait queue entry this task is currently
	// parked on, if any. ParkedOn stashes it via the "parked" callback of
	// waitq.Queue.WaitLockFor so that a later Signal call can interrupt
	// the wait in place, per spec §4.8's cancellation clause.
	waitMu    sync.Mutex
	waitEntry *waitq.Entry

	// sigFrame holds the register context and blocked mask a handler
	// dispatch saved, non-nil between DeliverSignal arming a handler and
	// the matching SigReturn restoring it (spec §4.9).
	sigFrame *SigFrame
}

// SigFrame is the saved state a signal handler dispatch must restore when
// the handler finishes: the register context at the point of interruption
// and the blocked-signal mask that was in effect before the handler's own
// mask was applied.
type SigFrame struct {
	Arch    arch.Context
	Blocked signal.Set
	Sig     signal.Sig
}

// DeliverSignal checks t's pending set for the next deliverable signal
// (spec §4.9) and acts on its disposition: Ignore is dropped silently,
// Handler redirects Arch.Rip to the handler and saves a SigFrame for
// SigReturn to restore, and Default reports that t must be terminated.
// Called at a kernel→user transition point — after a blocking syscall
// returns or is interrupted, before control would otherwise resume in
// user code — so a handler is never armed in the middle of kernel work.
// delivered is false if nothing was pending and unblocked.
func (t *Task) DeliverSignal() (sig signal.Sig, terminate bool, delivered bool) {
	s, act, ok := t.Sig.Deliverable()
	if !ok {
		return 0, false, false
	}
	switch act.Disp {
	case signal.Ignore:
		return s, false, true
	case signal.Handler:
		t.mu.Lock()
		old := t.Sig.Blocked()
		t.Sig.Block(old | act.Mask.Add(s))
		t.sigFrame = &SigFrame{Arch: t.Arch, Blocked: old, Sig: s}
		t.Arch.Rip = act.Handler
		t.mu.Unlock()
		return s, false, true
	default:
		return s, true, true
	}
}

// SigReturn implements sigreturn(): restores the register context and
// blocked-signal mask a handler dispatch saved, completing spec §4.9's
// kernel→user round trip. Returns -EINVAL if t has no handler frame to
// return from.
func (t *Task) SigReturn() defs.Err_t {
	t.mu.Lock()
	frame := t.sigFrame
	if frame == nil {
		t.mu.Unlock()
		return -defs.EINVAL
	}
	t.sigFrame = nil
	t.Arch = frame.Arch
	t.mu.Unlock()
	t.Sig.Block(frame.Blocked)
	return 0
}

// ParkedOn records e (or clears it, if e is nil) as the wait queue entry t
// is currently parked on. Pass this method directly as WaitLockFor's
// parked callback. A signal that arrived between the wait's predicate
// check and this registration found no entry to interrupt, so registration
// re-checks the pending set and aborts the park itself.
func (t *Task) ParkedOn(e *waitq.Entry) {
	t.waitMu.Lock()
	t.waitEntry = e
	t.waitMu.Unlock()
	if e != nil && t.Sig.HasDeliverable() {
		e.Interrupt(-defs.EINTR)
	}
}

// Signal raises sig against t's pending set and, if t is parked in a wait
// queue, interrupts the wait immediately with -EINTR rather than waiting
// for the next scheduler tick to notice the pending signal.
func (t *Task) Signal(sig signal.Sig) {
	if !t.Sig.Raise(sig) {
		return
	}
	t.waitMu.Lock()
	e := t.waitEntry
	t.waitMu.Unlock()
	if e != nil {
		e.Interrupt(-defs.EINTR)
	}
}

// Ticks returns the number of scheduler ticks charged since the last
// dispatch.
func (t *Task) Ticks() int64 { return t.ticks.Load() }

// AddTick charges one scheduler tick to t, returning the new count.
func (t *Task) AddTick() int64 { return t.ticks.Add(1) }

// ResetTicks clears t's tick counter, called when the scheduler dispatches
// it.
func (t *Task) ResetTicks() { t.ticks.Store(0) }

// NewKernelTask creates a task with no user address space: the scheduler
// runs its body directly on behalf of the kernel, never returning to user
// mode.
func NewKernelTask() *Task {
	return &Task{
		ID:      NewPid(),
		TID:     defs.Tid_t(1),
		Fds:     NewFDTable(),
		Sig:     signal.NewState(),
		lastCPU: -1,
	}
}

// NewUserTask creates a task owning as, with a fresh fd table, signal
// state, and a root cwd.
func NewUserTask(as *AddrSpace, root *fd.Cwd_t) *Task {
	return &Task{
		ID:      NewPid(),
		TID:     defs.Tid_t(1),
		AS:      as,
		Fds:     NewFDTable(),
		Cwd:     root,
		Sig:     signal.NewState(),
		lastCPU: -1,
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the task to s.
func (t *Task) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// LastCPU reports the logical CPU id the scheduler last ran this task on,
// or -1 if it has never run.
func (t *Task) LastCPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCPU
}

// SetLastCPU records the logical CPU id the scheduler just dispatched this
// task onto.
func (t *Task) SetLastCPU(cpu int) {
	t.mu.Lock()
	t.lastCPU = cpu
	t.mu.Unlock()
}

// Children returns a snapshot of the task's child list.
func (t *Task) Children() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Task, len(t.children))
	copy(out, t.children)
	return out
}

func (t *Task) addChild(c *Task) {
	t.mu.Lock()
	t.children = append(t.children, c)
	t.mu.Unlock()
}

func (t *Task) removeChild(c *Task) {
	t.mu.Lock()
	for i, ch := range t.children {
		if ch == c {
			t.children = append(t.children[:i], t.children[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// ExitStatus returns the status passed to Exit, valid once State is Zombie
// or Dead.
func (t *Task) ExitStatus() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitStatus
}

// Fork clones parent into a new child task: the address space is
// copy-on-write duplicated, the fd table is deep-copied, and pending
// signals are cleared, matching spec §4.6. The register context is the
// caller's responsibility to finish cloning (it depends on the calling
// convention of the arch-specific fork trampoline), so Fork zeroes nothing
// beyond what the task object itself owns.
func Fork(parent *Task) (*Task, defs.Err_t) {
	var childAS *AddrSpace
	if parent.AS != nil {
		childVM, ok := parent.AS.VM.Fork()
		if !ok {
			return nil, -defs.ENOMEM
		}
		childAS = NewAddrSpace(childVM)
	}
	childFds, err := parent.Fds.Fork()
	if err != 0 {
		if childAS != nil {
			childAS.Unref()
		}
		return nil, err
	}

	child := &Task{
		ID:      NewPid(),
		TID:     defs.Tid_t(1),
		Arch:    parent.Arch,
		AS:      childAS,
		TLSBase: parent.TLSBase,
		Fds:     childFds,
		Cwd:     parent.Cwd,
		Sig:     parent.Sig.Fork(),
		Parent:  parent,
		PGID:    parent.PGID,
		SID:     parent.SID,
		lastCPU: -1,
	}
	parent.addChild(child)
	return child, 0
}

// Exit transitions t to Zombie, recording status for a parent's wait_pid to
// observe, reparenting any children to init (pid 1), and releasing the
// address space and file descriptors. The task object itself is not freed
// until the parent reaps it (matching the Lifecycle note in the Data
// Model: "resources are reclaimed by the reaper after the parent waits").
func (t *Task) Exit(status int, initTask *Task) {
	for _, c := range t.Children() {
		c.mu.Lock()
		c.Parent = initTask
		c.mu.Unlock()
		if initTask != nil {
			initTask.addChild(c)
		}
	}
	t.mu.Lock()
	t.children = nil
	t.exitStatus = status
	t.state = Zombie
	t.mu.Unlock()

	t.Fds.CloseAll()
	if t.AS != nil {
		t.AS.Unref()
	}
	t.waitGen.Add(1)
	if t.Parent != nil {
		t.Parent.waitGen.Add(1)
	}
}

// Reap finalizes a zombie task after its parent has observed the exit
// status, releasing the task object for garbage collection by dropping it
// from the parent's child list and marking it Dead.
func (t *Task) Reap() {
	t.SetState(Dead)
	if t.Parent != nil {
		t.Parent.removeChild(t)
	}
}

// WaitGeneration returns a counter bumped every time a child of t exits,
// letting wait_pid poll for progress without missing a wake between the
// check and the park (used together with a waitq.Queue by the scheduler).
func (t *Task) WaitGeneration() int64 {
	return t.waitGen.Load()
}
