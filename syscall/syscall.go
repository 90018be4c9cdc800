// Package syscall dispatches the system-call ABI onto the collaborators
// that actually implement each operation: task for process lifecycle,
// vmmap for memory, pipe for the I/O subset this core provides, sched for
// blocking/waking, and signal for the process's signal state. Grounded on
// kernel/chentry.go's plain top-level dispatch style (a handful of
// exported functions, no reflection-based syscall table), generalized
// from one entry point into one function per category named in spec §6.
// There is no on-disk filesystem or network stack (§1's Non-goals): the I/O
// category covers pipes and the descriptor calls on them (read, write,
// close, dup, seek, poll), open/mount/umount go through the minimal
// fsiface Mounter and DirentCache, and every other filesystem or network
// call returns -ENOSYS.
package syscall

import (
	"sync"
	"time"

	"gokernel/blockdev"
	"gokernel/defs"
	"gokernel/fd"
	"gokernel/fdops"
	"gokernel/fsiface"
	"gokernel/pipe"
	"gokernel/pmm"
	"gokernel/sched"
	"gokernel/signal"
	"gokernel/task"
	"gokernel/ustr"
	"gokernel/vmmap"
	"gokernel/waitq"
)

// Server binds the syscall dispatch functions to one kernel instance's
// scheduler and physical memory allocator.
type Server struct {
	Sched *sched.Scheduler
	Phys  *pmm.Buddy_t
}

// New returns a Server dispatching onto s and phys.
func New(s *sched.Scheduler, phys *pmm.Buddy_t) *Server {
	return &Server{Sched: s, Phys: phys}
}

// --- process category ---

// Fork implements fork(): clones caller into a new task, registers it with
// the scheduler, and makes it runnable.
func (srv *Server) Fork(caller *task.Task) (defs.Pid_t, defs.Err_t) {
	child, err := task.Fork(caller)
	if err != 0 {
		return 0, err
	}
	srv.Sched.Register(child)
	srv.Sched.Enqueue(child)
	return child.ID, 0
}

// Exec implements exec(path, argv, envp): replaces caller's address space
// and register state in place with a freshly loaded binary image.
func (srv *Server) Exec(caller *task.Task, exe fdops.Fdops_i, phdrs []vmmap.ProgHeader, entry uintptr, argv, envp []string) defs.Err_t {
	return task.Exec(caller, srv.Phys, exe, phdrs, entry, argv, envp)
}

// ExitProc implements exit(status): tears down caller and wakes its
// parent's wait_pid.
func (srv *Server) ExitProc(caller *task.Task, status int, initTask *task.Task) {
	srv.Sched.Exit(caller, status, initTask)
}

// WaitPid implements wait_pid(pid, status_out).
func (srv *Server) WaitPid(caller *task.Task, pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	return srv.Sched.WaitPid(caller, pid)
}

// Getpid implements getpid().
func (srv *Server) Getpid(caller *task.Task) defs.Pid_t {
	return caller.ID
}

// Setpgid implements setpgid(pid, pgid); only the calling task's own group
// is supported (no cross-task group changes), matching this core's single
// scheduler instance owning the full task table.
func (srv *Server) Setpgid(caller *task.Task, pgid defs.Pid_t) defs.Err_t {
	if pgid < 0 {
		return -defs.EINVAL
	}
	if pgid == 0 {
		pgid = caller.ID
	}
	caller.PGID = pgid
	return 0
}

// Setsid implements setsid(): caller becomes the leader of a new session
// and process group.
func (srv *Server) Setsid(caller *task.Task) (defs.Pid_t, defs.Err_t) {
	caller.SID = caller.ID
	caller.PGID = caller.ID
	return caller.ID, 0
}

// Kill implements kill(pid, sig): raises sig against the target task,
// interrupting it immediately if it is parked in a wait queue.
func (srv *Server) Kill(pid defs.Pid_t, sig signal.Sig) defs.Err_t {
	target, ok := srv.Sched.Lookup(pid)
	if !ok {
		return -defs.ENOENT
	}
	target.Signal(sig)
	return 0
}

// --- memory category ---

// Mmap implements mmap(addr_hint, len, prot, flags, fd, offset).
func (srv *Server) Mmap(caller *task.Task, addrHint uintptr, length int, prot pmm.Pa_t, flags vmmap.MmapFlags, fops fdops.Fdops_i, fileOffset int) (uintptr, defs.Err_t) {
	if caller.AS == nil {
		return 0, -defs.EINVAL
	}
	return caller.AS.VM.Mmap(addrHint, length, prot, flags, fops, fileOffset)
}

// Munmap implements munmap(addr, len).
func (srv *Server) Munmap(caller *task.Task, start, length uintptr) defs.Err_t {
	if caller.AS == nil {
		return -defs.EINVAL
	}
	return caller.AS.VM.Munmap(start, length)
}

// --- I/O category ---

// Pipe implements pipe2(fds_out): allocates a new pipe and installs its
// read and write ends into caller's fd table, in read, write order.
func (srv *Server) Pipe(caller *task.Task) (readFd, writeFd int, err defs.Err_t) {
	r, w, err := pipe.New(srv.Phys, caller)
	if err != 0 {
		return 0, 0, err
	}
	readFd = caller.Fds.Install(&fd.Fd_t{Fops: r, Perms: fdReadPerms})
	writeFd = caller.Fds.Install(&fd.Fd_t{Fops: w, Perms: fdWritePerms})
	return readFd, writeFd, 0
}

// Read implements read(fd, buf, len). Interruptible by a signal; restarted
// transparently if nothing was transferred yet and the interrupting
// signal's action has SA_RESTART set (see restartableN).
func (srv *Server) Read(caller *task.Task, fdnum int, dst fdops.Userio_i) (int, defs.Err_t) {
	f, ok := caller.Fds.Get(fdnum)
	if !ok {
		return 0, -defs.EINVAL
	}
	return srv.restartableN(caller, func() (int, defs.Err_t) { return f.Fops.Read(dst, 0) })
}

// Write implements write(fd, buf, len), with the same restart behavior as
// Read.
func (srv *Server) Write(caller *task.Task, fdnum int, src fdops.Userio_i) (int, defs.Err_t) {
	f, ok := caller.Fds.Get(fdnum)
	if !ok {
		return 0, -defs.EINVAL
	}
	return srv.restartableN(caller, func() (int, defs.Err_t) { return f.Fops.Write(src, 0) })
}

// Close implements close(fd).
func (srv *Server) Close(caller *task.Task, fdnum int) defs.Err_t {
	return caller.Fds.Close(fdnum)
}

// Dup implements dup(fd): installs a new descriptor sharing fdnum's backing
// object, each holding its own reference (fd.Copyfd reopens).
func (srv *Server) Dup(caller *task.Task, fdnum int) (int, defs.Err_t) {
	f, ok := caller.Fds.Get(fdnum)
	if !ok {
		return 0, -defs.EINVAL
	}
	nf, err := fd.Copyfd(f)
	if err != 0 {
		return 0, err
	}
	return caller.Fds.Install(nf), 0
}

// Seek implements seek(fd, off, whence), delegating to the backing
// object's own Lseek.
func (srv *Server) Seek(caller *task.Task, fdnum, off, whence int) (int, defs.Err_t) {
	f, ok := caller.Fds.Get(fdnum)
	if !ok {
		return 0, -defs.EINVAL
	}
	return f.Fops.Lseek(off, whence)
}

// Poll implements the single-descriptor core of poll(fds, events): the
// descriptor's current readiness, without blocking (a caller's poll loop
// composes this with Sleep for its timeout).
func (srv *Server) Poll(caller *task.Task, fdnum int, events fdops.Ready_t) (fdops.Ready_t, defs.Err_t) {
	f, ok := caller.Fds.Get(fdnum)
	if !ok {
		return 0, -defs.EINVAL
	}
	return f.Fops.Pollone(fdops.Pollmsg_t{Events: events, Tid: caller.TID})
}

// Open flags, the subset open(2) callers need to choose read/write
// permission on the installed descriptor.
const (
	O_RDONLY = 0
	O_WRONLY = 1
	O_RDWR   = 2
)

// Open implements open(path, flags): resolves path — relative to caller's
// current working directory if not already absolute — through mnt's
// directory-entry cache and installs the resulting inode into caller's fd
// table. There is no filesystem implementation in this core (§1's
// Non-goals), so mnt stands in for whatever is mounted at "/"; a caller
// with no working directory yet (a freshly bootstrapped task) is lazily
// given one rooted at "/", matching fd.MkRootCwd's contract.
func (srv *Server) Open(caller *task.Task, path ustr.Ustr, mnt fsiface.DirentCache, flags int) (int, defs.Err_t) {
	if caller.Cwd == nil {
		caller.Cwd = fd.MkRootCwd(nil)
	}
	full := caller.Cwd.Canonicalpath(path)
	ino, ok := mnt.Lookup(full)
	if !ok {
		return 0, -defs.ENOENT
	}
	perms := fdReadPerms
	if flags == O_WRONLY || flags == O_RDWR {
		perms |= fdWritePerms
	}
	fdnum := caller.Fds.Install(&fd.Fd_t{Fops: ino, Perms: perms})
	return fdnum, 0
}

// Mount implements mount(source, target): opens source as a block device
// (blockdev.File, the AHCI/IDE stand-in spec §6 names) and installs it at
// target through mnt, the minimal Mounter this core provides in place of
// ext2 (§1's Non-goals exclude the on-disk layout, not the mount
// contract). The resulting inode is also registered in dc so a later Open
// resolves target without remounting.
func (srv *Server) Mount(mnt fsiface.Mounter, dc fsiface.DirentCache, source string, target ustr.Ustr) defs.Err_t {
	dev, oerr := blockdev.Open(source)
	if oerr != nil {
		return -defs.EIO
	}
	ino, err := mnt.Mount(dev, target)
	if err != 0 {
		dev.Close()
		return err
	}
	dc.Insert(target, ino)
	return 0
}

// Unmount implements umount(target).
func (srv *Server) Unmount(mnt fsiface.Mounter, dc fsiface.DirentCache, target ustr.Ustr) defs.Err_t {
	if err := mnt.Unmount(target); err != 0 {
		return err
	}
	dc.Remove(target)
	return 0
}

// --- time category ---

// Sleep implements sleep(duration): parks caller on a one-shot timer
// armed on its current CPU, interruptible by a signal. Restarted with the
// full duration if interrupted by a signal whose action has SA_RESTART
// set (see restartable).
func (srv *Server) Sleep(caller *task.Task, d time.Duration) defs.Err_t {
	return srv.restartable(caller, func() defs.Err_t { return srv.sleepOnce(caller, d) })
}

func (srv *Server) sleepOnce(caller *task.Task, d time.Duration) defs.Err_t {
	cpu := caller.LastCPU()
	if cpu < 0 {
		cpu = 0
	}
	q := srv.Sched.Timers(cpu)

	var g sleepGuard
	wq := waitq.NewQueue()
	var fired bool

	g.Lock()
	q.Add(time.Now().Add(d), func() {
		g.Lock()
		fired = true
		g.Unlock()
		wq.NotifyOne()
	})
	err := wq.WaitLockFor(&g, func() bool { return fired }, 0, time.Time{}, caller.ParkedOn)
	if err == 0 {
		g.Unlock()
	}
	return err
}

// sleepGuard is a plain sync.Locker for Sleep's one-shot wait, following
// pipe.pipeGuard's pattern of a small dedicated guard type rather than
// embedding sync.Mutex's full method set into the syscall server.
type sleepGuard struct{ mu sync.Mutex }

func (g *sleepGuard) Lock()   { g.mu.Lock() }
func (g *sleepGuard) Unlock() { g.mu.Unlock() }

// GetTimeOfDay implements gettimeofday(): wall-clock time since the Unix
// epoch in microseconds, matching accnt.Accnt_t's timeval convention.
func (srv *Server) GetTimeOfDay() (sec, usec int64) {
	now := time.Now().UnixNano()
	return now / 1e9, (now % 1e9) / 1000
}

// --- signal category ---

// SigAction implements sigaction(sig, act).
func (srv *Server) SigAction(caller *task.Task, sig signal.Sig, act signal.Action) defs.Err_t {
	return caller.Sig.SetAction(sig, act)
}

// SigProcMask implements sigprocmask(mask): replaces caller's blocked set,
// returning the previous one.
func (srv *Server) SigProcMask(caller *task.Task, mask signal.Set) signal.Set {
	return caller.Sig.Block(mask)
}

// SigPending implements sigpending(): reports caller's pending-signal mask
// without consuming any of it.
func (srv *Server) SigPending(caller *task.Task) signal.Set {
	return caller.Sig.Pending()
}

// SigReturn implements sigreturn(): called once a dispatched handler
// finishes, restoring the register context and blocked mask DeliverSignal
// saved when the handler was armed (spec §4.9's kernel→user round trip).
func (srv *Server) SigReturn(caller *task.Task) defs.Err_t {
	return caller.SigReturn()
}

// interruptAction is handleInterrupt's verdict on a blocking syscall that
// just returned -EINTR.
type interruptAction int

const (
	interruptAbort interruptAction = iota
	interruptRetry
)

// handleInterrupt runs a task.DeliverSignal check after a blocking syscall
// is interrupted: any now-deliverable signal takes effect first (a
// Handler dispatch is armed, or a Default-dispositioned signal terminates
// caller), and only once that is settled is the original syscall eligible
// for a transparent restart — and only if the delivered signal's own
// action has SA_RESTART set, per spec §4.8's cancellation clause and
// signal.SA_RESTART's contract.
func (srv *Server) handleInterrupt(caller *task.Task) interruptAction {
	sig, terminate, delivered := caller.DeliverSignal()
	if !delivered {
		return interruptAbort
	}
	if terminate {
		srv.Sched.Exit(caller, -int(sig), nil)
		return interruptAbort
	}
	if caller.Sig.ActionFor(sig).Flags&signal.SA_RESTART != 0 {
		return interruptRetry
	}
	return interruptAbort
}

// restartable re-issues op, a blocking operation that returns -EINTR when
// a signal interrupts it, as long as handleInterrupt says to.
func (srv *Server) restartable(caller *task.Task, op func() defs.Err_t) defs.Err_t {
	for {
		err := op()
		if err != -defs.EINTR {
			return err
		}
		if srv.handleInterrupt(caller) != interruptRetry {
			return err
		}
	}
}

// restartableN is restartable for operations that may transfer bytes
// before being interrupted: a partial transfer (n != 0) is always
// returned as-is rather than retried, matching a real read()/write()'s
// short-count-on-signal behavior.
func (srv *Server) restartableN(caller *task.Task, op func() (int, defs.Err_t)) (int, defs.Err_t) {
	for {
		n, err := op()
		if err != -defs.EINTR || n != 0 {
			return n, err
		}
		if srv.handleInterrupt(caller) != interruptRetry {
			return n, err
		}
	}
}

// --- unimplemented categories ---

// Unsupported covers every filesystem and network syscall named in spec
// §6 that this core does not implement (no ext2, no TCP/UDP/ARP/ICMP
// stack, per §1's Non-goals).
func Unsupported() defs.Err_t {
	return -defs.ENOSYS
}

const (
	fdReadPerms  = 0x1
	fdWritePerms = 0x2
)
