// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel wires the six core components (pkg/frame, pkg/vmm,
// pkg/object, pkg/ioqueue, pkg/sched, pkg/streamtable) into the syscall
// surface and process/process-group model, plus the arena storage,
// notification delivery, and boot contract.
package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/gopkg/concurrency/gopool"
	"github.com/go-logr/logr"

	"github.com/norostb/kernel/pkg/frame"
	"github.com/norostb/kernel/pkg/introspect"
	"github.com/norostb/kernel/pkg/introspect/collectors"
	"github.com/norostb/kernel/pkg/ioqueue"
	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/object"
	"github.com/norostb/kernel/pkg/sched"
	"github.com/norostb/kernel/pkg/streamtable"
	"github.com/norostb/kernel/pkg/telemetry"
	"github.com/norostb/kernel/pkg/vclock"
	"github.com/norostb/kernel/pkg/vmm"
)

// Kernel owns every live process, the physical frame allocator, the
// scheduler, and the per-hart executors: the kernel-process-wide state
// that must exist before any other kernel heap use.
type Kernel struct {
	cfg Config
	log logr.Logger

	Frames    *frame.Allocator
	Scheduler *sched.Scheduler
	executors []*sched.Executor

	// Clock is the virtual syscall page: processes read time from it
	// directly via the seqlock protocol instead of trapping. The
	// hosted stand-in for the fixed 0x1000 mapping is direct access to the
	// Page; ticks are nanoseconds since boot, calibrated on every scheduler
	// tick.
	Clock    *vclock.Page
	bootTime time.Time

	// notifyPool runs deferred, short-lived kernel-internal work that must
	// not block a hart: delivering a notification thread hop (see hop). Harts
	// themselves are not pool workers — each is a permanently running
	// Executor loop, one Executor per hart.
	notifyPool *gopool.GoPool

	processes   *Arena[*Process]
	threads     *Arena[*sched.Thread]
	nextPID     atomic.Uint64
	nextTID     atomic.Uint64
	nextGroupID atomic.Uint64

	mu     sync.Mutex
	groups map[uint64]*sched.Group

	// telemetry and introspect are the kernel's audit ledger and self-
	// observability manager. telemetry is nil if badger.Open failed at New
	// time; every Append call site guards against that.
	telemetry  *telemetry.Ledger
	introspect *introspect.Manager
}

// New returns a Kernel configured per cfg (defaults applied), with cfg.Harts
// Executors bound to a fresh Scheduler and a frame allocator sized for
// cfg.TotalPages base pages.
func New(log logr.Logger, cfg Config) *Kernel {
	cfg = cfg.ApplyDefaults()
	log = log.WithName("kernel")

	k := &Kernel{
		cfg:        cfg,
		log:        log,
		Frames:     frame.NewAllocator(log, cfg.TotalPages, cfg.FrameCacheShards),
		Scheduler:  sched.New(log),
		notifyPool: gopool.NewGoPool("kernel-notify", nil),
		processes:  NewArena[*Process](),
		threads:    NewArena[*sched.Thread](),
		groups:     make(map[uint64]*sched.Group),
		Clock:      vclock.New(),
		bootTime:   time.Now(),
	}
	k.calibrateClock()
	for i := 0; i < cfg.Harts; i++ {
		k.executors = append(k.executors, sched.NewExecutor(i, k.Scheduler))
	}

	if l, err := telemetry.NewLedger(); err != nil {
		log.Error(err, "telemetry ledger unavailable, lifecycle events will not be recorded")
	} else {
		k.telemetry = l
	}

	k.introspect = k.newIntrospectManager(log)
	return k
}

// newIntrospectManager registers the five kernel-internal collectors
// against closures over k's own state.
func (k *Kernel) newIntrospectManager(log logr.Logger) *introspect.Manager {
	m, err := introspect.NewManager(introspect.ManagerOptions{Logger: log})
	if err != nil {
		log.Error(err, "introspection manager unavailable")
		return nil
	}

	pointCollectors := []introspect.PointCollector{
		collectors.NewScheduler(log, k.schedulerSnapshot),
		collectors.NewFrames(log, k.frameSnapshot),
		collectors.NewProcesses(log, k.processSnapshot),
		collectors.NewIoQueues(log, k.ioQueueSnapshot),
		collectors.NewStreamTables(log, k.streamTableSnapshot),
	}
	for _, c := range pointCollectors {
		if err := m.RegisterPointCollector(c); err != nil {
			log.Error(err, "failed to register introspection collector", "type", c.Type())
		}
	}
	return m
}

// Executors returns the kernel's per-hart Executor loops.
func (k *Kernel) Executors() []*sched.Executor { return k.executors }

// Ticks returns the platform tick counter: nanoseconds since boot, the
// hosted stand-in for reading the TSC.
func (k *Kernel) Ticks() uint64 { return uint64(time.Since(k.bootTime)) }

// calibrateClock publishes a fresh tick/wall-time anchor to the virtual
// syscall page. Ticks are already nanoseconds here, so the fixed-point
// conversion factor is the identity (mul = 1<<32, shift = 0).
func (k *Kernel) calibrateClock() {
	k.Clock.Update(k.Ticks(), uint64(time.Now().UnixNano()), 1<<32, 0, vclock.FlagTSCStable)
}

// Now reads the current system time through the virtual syscall page, the
// same seqlock-protected path a user process takes.
func (k *Kernel) Now() uint64 { return k.Clock.Now(k.Ticks()) }

// Shutdown releases the kernel's ambient resources (the telemetry ledger's
// badger handle). The scheduler ticker is stopped separately via the func
// RunTicker returns.
func (k *Kernel) Shutdown() error {
	if k.telemetry == nil {
		return nil
	}
	return k.telemetry.Close()
}

// RunTicker drives the scheduler's fixed-cadence dynamic-priority aging
// tick until stop is requested via the returned function.
func (k *Kernel) RunTicker() (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(k.cfg.SchedulerTick)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				k.Scheduler.Tick()
				k.calibrateClock()
			}
		}
	}()
	return func() { close(done) }
}

// NewProcessGroup creates a fresh priority-and-accounting unit.
func (k *Kernel) NewProcessGroup() *sched.Group {
	id := k.nextGroupID.Add(1) - 1
	g := sched.NewGroup(id)
	k.mu.Lock()
	k.groups[id] = g
	k.mu.Unlock()
	return g
}

// SpawnProcess creates a new Process in group, with a fresh empty address
// space and handle table, returning its stable arena Index.
func (k *Kernel) SpawnProcess(group *sched.Group) (Index, *Process, error) {
	pid := k.nextPID.Add(1) - 1
	as := vmm.NewAddressSpace(k.log, pid, k.Frames)
	proc := newProcess(pid, group, as)
	idx := k.processes.Insert(proc)
	return idx, proc, nil
}

// Process resolves idx to its live Process.
func (k *Kernel) Process(idx Index) (*Process, error) {
	return k.processes.Get(idx)
}

// Thread resolves idx to its live scheduler thread, for introspection and
// tests that need to inspect register state a hop wrote.
func (k *Kernel) Thread(idx Index) (*sched.Thread, error) {
	return k.threads.Get(idx)
}

// SpawnThread creates a new thread in proc's group, entering at startIP
// with stack pointer stackSP, and admits the group into the scheduler
// (syscall 10, SpawnThread).
func (k *Kernel) SpawnThread(procIdx Index, startIP, stackSP uint64) (Index, error) {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return Index{}, err
	}
	tid := k.nextTID.Add(1) - 1
	t := &sched.Thread{ID: tid, Process: proc.Sched.ID, Group: proc.Group}
	t.Regs.IP = startIP
	t.Regs.SP = stackSP

	tidx := k.threads.Insert(t)
	if err := proc.Group.Enqueue(t); err != nil {
		k.threads.Remove(tidx)
		return Index{}, err
	}
	k.Scheduler.AddGroup(proc.Group)
	proc.addThread(tidx)
	return tidx, nil
}

// WaitThread blocks (synchronously, from the caller's goroutine) until the
// thread identified by tidx exits, per syscall 11 (WaitThread). Real
// blocking semantics (suspend the calling kernel thread, resume on the
// scheduler) are simulated here with a short poll loop, since there is no
// true hart-local suspension point to hook in a hosted reimplementation.
func (k *Kernel) WaitThread(tidx Index) error {
	for {
		t, err := k.threads.Get(tidx)
		if err != nil {
			return kerr.Of(kerr.InvalidHandle, "thread does not exist")
		}
		if t.State == sched.StateExited {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// ExitThread terminates the calling thread (syscall 12, ExitThread),
// removing it from its group's runnable list. If it was the process's last
// thread, the process itself is torn down (Exit's teardown path).
func (k *Kernel) ExitThread(procIdx, tidx Index) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	t, err := k.threads.Get(tidx)
	if err != nil {
		return err
	}
	t.State = sched.StateExited
	proc.Group.Remove(t)

	proc.mu.Lock()
	remaining := 0
	for _, idx := range proc.Threads {
		if other, err := k.threads.Get(idx); err == nil && other.State != sched.StateExited {
			remaining++
		}
	}
	proc.mu.Unlock()

	if remaining == 0 {
		return k.exitProcess(procIdx, proc, 0)
	}
	return nil
}

// Exit terminates every thread of proc and tears down its resources
// (syscall 9, Exit): its handle table closes (triggering destruction where
// last-reference), its pending IPC checkpoints are enumerated and their
// owners notified, and its onExit handler (if registered) is delivered.
// Its address space is left untouched: mappings are not removed, so their
// anonymous frames and shared-set references are not released.
func (k *Kernel) Exit(procIdx Index, code int32) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	proc.mu.Lock()
	threads := append([]Index(nil), proc.Threads...)
	proc.mu.Unlock()

	for _, tidx := range threads {
		if t, err := k.threads.Get(tidx); err == nil {
			t.State = sched.StateExited
			proc.Group.Remove(t)
		}
	}
	return k.exitProcess(procIdx, proc, code)
}

// schedulerSnapshot reports every live process group's run-queue depth and
// dynamic priority, for the introspect.Scheduler collector.
func (k *Kernel) schedulerSnapshot() []introspect.SchedulerStats {
	k.mu.Lock()
	groups := make([]*sched.Group, 0, len(k.groups))
	for _, g := range k.groups {
		groups = append(groups, g)
	}
	k.mu.Unlock()

	stats := make([]introspect.SchedulerStats, len(groups))
	for i, g := range groups {
		stats[i] = introspect.SchedulerStats{GroupID: g.ID, Runnable: g.Runnable(), Priority: g.Priority()}
	}
	return stats
}

// frameSnapshot reports the physical frame allocator's current occupancy,
// for the introspect.Frames collector.
func (k *Kernel) frameSnapshot() introspect.FrameStats {
	total := k.cfg.TotalPages
	free := k.Frames.FreePages()
	return introspect.FrameStats{TotalPages: total, FreePages: free, OccupiedPages: total - free}
}

// processSnapshot reports kernel-wide process/thread/handle counts, for the
// introspect.Processes collector.
func (k *Kernel) processSnapshot() introspect.ProcessStats {
	handles := 0
	k.processes.Each(func(_ Index, p *Process) {
		handles += p.Handles.Len()
	})
	return introspect.ProcessStats{
		Processes: k.processes.Len(),
		Threads:   k.threads.Len(),
		Handles:   handles,
	}
}

// ioQueueSnapshot reports every live I/O queue's ring depth, for the
// introspect.IoQueues collector.
func (k *Kernel) ioQueueSnapshot() []introspect.IoQueueStats {
	var out []introspect.IoQueueStats
	k.processes.Each(func(_ Index, p *Process) {
		p.mu.Lock()
		defer p.mu.Unlock()
		for base, q := range p.IoQueues {
			out = append(out, introspect.IoQueueStats{
				ProcessID:      p.Sched.ID,
				Base:           base,
				SubmissionPend: uint32(q.SubmissionPending()),
				CompletionPend: uint32(q.Pending()),
			})
		}
	})
	return out
}

// streamTableSnapshot reports every live stream table's ring depth, for the
// introspect.StreamTables collector.
func (k *Kernel) streamTableSnapshot() []introspect.StreamTableStats {
	var out []introspect.StreamTableStats
	k.processes.Each(func(_ Index, p *Process) {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, tbl := range p.StreamTables {
			out = append(out, introspect.StreamTableStats{
				ProcessID:    p.Sched.ID,
				RequestPend:  uint32(tbl.RequestPending()),
				ResponsePend: uint32(tbl.ResponsePending()),
			})
		}
	})
	return out
}

func (k *Kernel) exitProcess(procIdx Index, proc *Process, code int32) error {
	proc.markExited(code)

	if k.telemetry != nil {
		_ = k.telemetry.Append(telemetryEvent(telemetryProcessExit, proc.Sched.ID, 0, kerr.Code(code), "process exited"))
	}

	sched.NotifyDeath(&proc.Sched, func(owner *sched.Thread, c kerr.Code) {
		owner.Regs.GP[0] = uint64(c)
		if owner.Group != nil {
			if err := owner.Group.Enqueue(owner); err != nil {
				k.log.Error(err, "failed to resume checkpoint owner after peer exit")
			} else {
				k.Scheduler.AddGroup(owner.Group)
			}
		}
	})

	// CloseAll below drops every stream table this process serves to zero
	// refcount, invoking streamTableObject.Close() for each — which closes
	// the underlying Table and delivers ServerGone to any client still
	// blocked awaiting one of its responses. Closing the raw Tables here
	// first would only discard their outstanding-request ids before that
	// wrapper ever saw them, leaking those waiters forever.
	if err := proc.Handles.CloseAll(); err != nil {
		k.log.Error(err, "error releasing handle table on process exit", "process", proc.Sched.ID)
	}

	proc.mu.Lock()
	proc.IoQueues = make(map[uint64]*ioqueue.Queue)
	proc.StreamTables = make(map[object.Handle]*streamtable.Table)
	proc.mu.Unlock()

	if h, ok := proc.handler(NotifyExit); ok {
		k.hop(proc, h, uint64(uint32(code)))
	}
	return nil
}
