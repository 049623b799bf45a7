// Package executor implements the per-core cooperative task scheduler
// (spec §3.6/§4.8): background Tasks that poll to completion with no
// return value, and SvcTasks keyed by the guest's per-thread context
// pointer so a handler can await the guest's own syscall round trip. Go
// has no stackless `async fn`, so a Future here is a plain closure the
// scheduler calls once per tick (spec §9 "a Future here is a closure
// returning (result, done bool), polled explicitly — the same shape as
// PollHandler.Poll being invoked from the chipset's tick loop").
package executor

import (
	"sync"

	"github.com/tegra-hv/hbii/internal/trapctx"
)

// Task is a pollable future producing no value (spec §3.6): background
// loops such as the log flusher or a blink indicator.
type Task interface {
	// Poll runs one step. done reports whether the task has finished and
	// should be dropped from the scheduler.
	Poll() (done bool)
}

// TaskFunc adapts a plain poll function to Task.
type TaskFunc func() bool

func (f TaskFunc) Poll() bool { return f() }

// SvcResult is what an SvcTask's Poll yields: either it is still running
// (Done==false) and the scheduler returns control to the guest, or it has
// produced the final context to restore (Done==true).
type SvcResult struct {
	Done bool
	Ctx  *trapctx.Context
}

// SvcTask is a pollable future producing a 32-lane context (spec §3.6),
// keyed by the guest's per-thread context pointer so that when the same
// thread re-enters the hypervisor the in-flight continuation resumes
// instead of starting a new handler.
type SvcTask interface {
	// Poll is called once per HVC #1/#2 entry for this task's key, with
	// the freshest trap context. It returns SvcResult{Done:false} to mean
	// "let the guest run its real SVC body now" (the SvcWait await point)
	// and SvcResult{Done:true, Ctx:...} when the handler has finished.
	Poll(ctx *trapctx.Context) SvcResult
}

// Executor is one core's scheduler: a FIFO of background Tasks plus a map
// of in-flight SvcTasks keyed by guest thread-context pointer (spec §4.8
// "keyed by the guest's per-thread context pointer so that when the same
// thread re-enters the hypervisor the in-flight continuation is
// resumed"). Spec invariant: at most one live SvcTask per guest thread
// context (spec §3.6).
type Executor struct {
	mu sync.Mutex

	tasks []Task

	svcTasks map[uint64]SvcTask
}

// New constructs an empty per-core Executor.
func New() *Executor {
	return &Executor{svcTasks: make(map[uint64]SvcTask)}
}

// Spawn queues a background Task. It will be polled once per Tick until it
// reports done.
func (e *Executor) Spawn(t Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, t)
}

// Tick polls every live background Task exactly once, dropping any that
// report done (spec §4.8 scheduling model: "the executor runs between
// trap deliveries; each trap does at most one poll cycle per ready task").
func (e *Executor) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := e.tasks[:0]
	for _, t := range e.tasks {
		if !t.Poll() {
			live = append(live, t)
		}
	}
	e.tasks = live
}

// StartSvcTask registers a new SvcTask under key, panicking if one is
// already live there — a violation of the spec §3.6 invariant indicates a
// dispatcher bug (HVC #1 reentered without the prior task completing),
// not a recoverable guest-facing condition.
func (e *Executor) StartSvcTask(key uint64, t SvcTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.svcTasks[key]; exists {
		panic("executor: StartSvcTask: task already live for this thread context")
	}
	e.svcTasks[key] = t
}

// PollSvcTask polls the SvcTask registered under key with ctx, removing it
// from the table once it reports done (spec §8 property 4: "after that
// HVC #2 returns, no task with key K exists"). ok is false if no task is
// registered for key.
func (e *Executor) PollSvcTask(key uint64, ctx *trapctx.Context) (result SvcResult, ok bool) {
	e.mu.Lock()
	t, exists := e.svcTasks[key]
	e.mu.Unlock()
	if !exists {
		return SvcResult{}, false
	}

	result = t.Poll(ctx)
	if result.Done {
		e.mu.Lock()
		delete(e.svcTasks, key)
		e.mu.Unlock()
	}
	return result, true
}

// HasSvcTask reports whether key currently has a live SvcTask, the
// predicate internal/svc uses to decide "resume" vs "create."
func (e *Executor) HasSvcTask(key uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, exists := e.svcTasks[key]
	return exists
}

// AbandonSvcTask drops the SvcTask registered under key without polling it
// to completion, the path taken when the owning process dies mid-syscall
// (spec §5 cancellation policy: "a task whose owning process dies is
// abandoned — the dispatcher simply stops receiving HVC #2 for that
// thread context, and the entry ages out when the handle map is purged on
// process exit").
func (e *Executor) AbandonSvcTask(key uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.svcTasks, key)
}

// PendingTasks reports the number of live background tasks, for
// diagnostics.
func (e *Executor) PendingTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}
