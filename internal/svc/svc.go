// Package svc implements the SVC hook fabric (spec §4.8): scanning the
// loaded guest kernel image for its fixed SVC-trampoline instruction
// pattern and patching it to route through two HVCs, a generated per-SVC
// dispatch table, and the awaitables (SvcWait, SleepNs, hsvc_sleep_thread)
// that let introspection handlers span multiple guest round trips.
package svc

import (
	"encoding/binary"
	"fmt"

	"github.com/tegra-hv/hbii/internal/executor"
	"github.com/tegra-hv/hbii/internal/trapctx"
)

// HVC immediates planted into the guest's SVC trampoline (spec §4.3/§4.8).
const (
	HVCSvcPre     = 1
	HVCSvcPost    = 2
	HVCEL0Abort   = 6
	HVCIRQReturn  = 0
	HVCSvcPreA32  = 3
	HVCSvcPostA32 = 4
)

// Trampoline instruction encodings, grounded on original_source's
// hos/svc.rs pattern-scan constants: `msr DAIFClr,#2`, a `blr` to either
// x11 (A64 dispatch) or x19 (A32 dispatch), and `msr DAIFSet,#2`.
const (
	insnDAIFClr2 = 0xD50342DF
	insnDAIFSet2 = 0xD50343DF
	insnBLRX11   = 0xD63F0160
	insnBLRX19   = 0xD63F0260
)

func hvcInsn(imm uint16) uint32 {
	return 0xD4000002 | uint32(imm)<<5
}

// TrampolinePatch describes one located-and-rewritten 3-instruction
// trampoline (spec §4.8): the first and third instructions become
// HVC #1/#2 (or #3/#4 for the AArch32 dispatch variant).
type TrampolinePatch struct {
	Offset   int
	PreImm   uint16
	PostImm  uint16
	Dispatch string // "a64" or "a32"
}

// ScanAndPatchTrampolines finds both the AArch64 (blr x11) and AArch32
// (blr x19) SVC trampoline occurrences in image and rewrites their first
// and third instructions in place (spec §4.8). It returns every patch
// applied, for the bringup log and for tests.
func ScanAndPatchTrampolines(image []byte) ([]TrampolinePatch, error) {
	var patches []TrampolinePatch
	for off := 0; off+12 <= len(image); off += 4 {
		i0 := binary.LittleEndian.Uint32(image[off : off+4])
		i1 := binary.LittleEndian.Uint32(image[off+4 : off+8])
		i2 := binary.LittleEndian.Uint32(image[off+8 : off+12])
		if i0 != insnDAIFClr2 || i2 != insnDAIFSet2 {
			continue
		}

		var preImm, postImm uint16
		var dispatch string
		switch i1 {
		case insnBLRX11:
			preImm, postImm, dispatch = HVCSvcPre, HVCSvcPost, "a64"
		case insnBLRX19:
			preImm, postImm, dispatch = HVCSvcPreA32, HVCSvcPostA32, "a32"
		default:
			continue
		}

		binary.LittleEndian.PutUint32(image[off:off+4], hvcInsn(preImm))
		binary.LittleEndian.PutUint32(image[off+8:off+12], hvcInsn(postImm))
		patches = append(patches, TrampolinePatch{Offset: off, PreImm: preImm, PostImm: postImm, Dispatch: dispatch})
	}
	if len(patches) == 0 {
		return nil, fmt.Errorf("svc: no SVC trampoline pattern found in guest image")
	}
	return patches, nil
}

// yieldKind tags what a suspended handler goroutine is waiting on.
type yieldKind int

const (
	yieldSvcWait yieldKind = iota
	yieldSleep
	yieldDone
)

type yieldMsg struct {
	kind     yieldKind
	deadline uint64
	synthCtx *trapctx.Context
	result   *trapctx.Context
}

// Waiter is the handler-facing awaitable surface (spec §4.8: SvcWait,
// SleepNs, hsvc_sleep_thread). It is backed by a goroutine parked on a
// channel handshake with the driving svcTask — the closest Go analogue to
// the original's `async fn` await points, since Go functions cannot
// suspend mid-body without either a full stack (goroutine) or an explicit
// state machine, and a state machine would need hand-written resumption
// logic per handler (spec §9 "Async without an OS runtime": the executor
// itself must stay allocation-light and preemption-free, which this
// design satisfies since only one goroutine per in-flight SvcTask ever
// runs, strictly alternating with the poller via the channel handshake).
type Waiter struct {
	yieldCh  chan yieldMsg
	resumeCh chan *trapctx.Context
	nowNS    func() uint64
}

// AwaitSvcBody suspends the handler until the guest has executed its real
// SVC body (the next HVC #2 for this thread), returning the post-SVC
// context (spec §4.8 "SvcWait").
func (w *Waiter) AwaitSvcBody() *trapctx.Context {
	w.yieldCh <- yieldMsg{kind: yieldSvcWait}
	return <-w.resumeCh
}

// SleepNs suspends until the monotonic tick exceeds now+ns (spec §4.8
// "SleepNs: polls complete when the monotonic tick exceeds a captured
// deadline"). Progress happens off the guest's own HVC cadence, driven by
// a background executor.Task the svcTask arms on this yield.
func (w *Waiter) SleepNs(ns uint64) {
	w.yieldCh <- yieldMsg{kind: yieldSleep, deadline: w.nowNS() + ns}
	<-w.resumeCh
}

// HsvcSleepThread synthesizes a guest svcSleepThread call (spec §4.8): it
// crafts an intermediate context with sleepThreadSVC in the PC slot and ns
// in x0, awaits the round trip through the guest's real svcSleepThread
// body, then restores the caller's original context.
func (w *Waiter) HsvcSleepThread(orig *trapctx.Context, sleepThreadSVC uint64, ns uint64) *trapctx.Context {
	synth := orig.Snapshot()
	synth.PC = sleepThreadSVC
	synth.X[0] = ns
	w.yieldCh <- yieldMsg{kind: yieldSvcWait, synthCtx: &synth}
	<-w.resumeCh
	restored := orig.Snapshot()
	return &restored
}

// Handler is a per-SVC introspection routine, looked up in a generated
// dispatch table (spec §4.8), driven across one or more HVC #1/#2 round
// trips via w; it returns the final context to restore to the guest.
type Handler func(ctx *trapctx.Context, w *Waiter) *trapctx.Context

func noopHandler(ctx *trapctx.Context, w *Waiter) *trapctx.Context { return ctx }

// DispatchTable maps an SVC number to its Handler. internal/bringup
// constructs it once and entries are installed through Register (spec §9:
// "generate the table... at build time... built once in an
// init()-populated table rather than at request time"); it is never
// mutated at request time.
type DispatchTable struct {
	handlers map[uint32]Handler
}

// NewDispatchTable constructs an empty table; every lookup falls back to
// noopHandler until entries are registered.
func NewDispatchTable() *DispatchTable {
	return &DispatchTable{handlers: make(map[uint32]Handler)}
}

// Register installs h for svcNumber, overwriting any prior entry.
func (d *DispatchTable) Register(svcNumber uint32, h Handler) {
	d.handlers[svcNumber] = h
}

// Lookup returns the registered handler for svcNumber, or noopHandler if
// none is registered (spec §8 boundary case: "An SVC number outside the
// known range must route to an invalid-SVC handler that returns
// immediately").
func (d *DispatchTable) Lookup(svcNumber uint32) Handler {
	if h, ok := d.handlers[svcNumber]; ok {
		return h
	}
	return noopHandler
}

// svcTask drives one Handler to completion across HVC #1/#2 round trips,
// implementing executor.SvcTask.
type svcTask struct {
	handler Handler
	nowNS   func() uint64
	exec    *executor.Executor

	started  bool
	yieldCh  chan yieldMsg
	resumeCh chan *trapctx.Context

	sleeping     bool
	pendingSynth *trapctx.Context
	done         bool
	result       *trapctx.Context
}

// NewSvcTask constructs the executor.SvcTask that drives handler to
// completion. nowNS supplies the monotonic tick SleepNs polls against; exec
// is the owning core's Executor, used to arm a background pump task while
// the handler is parked in SleepNs.
func NewSvcTask(handler Handler, nowNS func() uint64, exec *executor.Executor) executor.SvcTask {
	return &svcTask{handler: handler, nowNS: nowNS, exec: exec}
}

// Poll implements executor.SvcTask (spec §4.8: "creates or resumes an
// SvcTask keyed by the guest's per-thread context pointer").
func (t *svcTask) Poll(ctx *trapctx.Context) executor.SvcResult {
	if t.done {
		return executor.SvcResult{Done: true, Ctx: t.result}
	}
	if t.pendingSynth != nil {
		*ctx = *t.pendingSynth
		t.pendingSynth = nil
	}
	if t.sleeping {
		// A background pump task owns resuming the parked goroutine once
		// the deadline passes; a guest-driven poll while asleep just
		// returns control to the guest again.
		return executor.SvcResult{Done: false}
	}

	if !t.started {
		t.started = true
		t.yieldCh = make(chan yieldMsg)
		t.resumeCh = make(chan *trapctx.Context)
		w := &Waiter{yieldCh: t.yieldCh, resumeCh: t.resumeCh, nowNS: t.nowNS}
		go func() {
			result := t.handler(ctx, w)
			t.yieldCh <- yieldMsg{kind: yieldDone, result: result}
		}()
	} else {
		t.resumeCh <- ctx
	}

	return t.awaitYield(ctx)
}

func (t *svcTask) awaitYield(ctx *trapctx.Context) executor.SvcResult {
	msg := <-t.yieldCh
	switch msg.kind {
	case yieldSvcWait:
		if msg.synthCtx != nil {
			*ctx = *msg.synthCtx
		}
		return executor.SvcResult{Done: false}
	case yieldSleep:
		t.sleeping = true
		t.armSleepPump(msg.deadline)
		return executor.SvcResult{Done: false}
	default: // yieldDone
		t.done = true
		t.result = msg.result
		return executor.SvcResult{Done: true, Ctx: msg.result}
	}
}

// armSleepPump registers a background Task on the owning core's executor
// that resumes the parked goroutine once the deadline passes, draining
// its next yield itself so a subsequent guest-driven Poll observes a
// resolved state (spec §4.8 "SleepNs: polls complete when the monotonic
// tick exceeds a captured deadline").
func (t *svcTask) armSleepPump(deadline uint64) {
	t.exec.Spawn(executor.TaskFunc(func() bool {
		if t.nowNS() < deadline {
			return false
		}
		t.resumeCh <- nil
		msg := <-t.yieldCh
		t.sleeping = false
		switch msg.kind {
		case yieldSvcWait:
			t.pendingSynth = msg.synthCtx
		case yieldSleep:
			t.sleeping = true
			t.armSleepPump(msg.deadline)
		default:
			t.done = true
			t.result = msg.result
		}
		return true
	}))
}
