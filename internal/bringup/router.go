package bringup

import (
	"github.com/tegra-hv/hbii/internal/executor"
	"github.com/tegra-hv/hbii/internal/svc"
	"github.com/tegra-hv/hbii/internal/trapctx"
)

// svcRouter bridges internal/svc's dispatch table + internal/executor's
// per-thread SvcTasks into the narrow trap.SvcRouter seam (spec §4.8).
// HandlePre starts a fresh SvcTask the first time a thread context is
// seen and polls it; HandlePost polls the same key again, delivering the
// post-SVC context to whichever await point the handler is parked at.
// Both calls are plain Poll calls into the executor, since a handler may
// synthesize an intermediate guest SVC (HsvcSleepThread) that round-trips
// through this same Pre/Post pair before the original call is done.
type svcRouter struct {
	exec  *executor.Executor
	table *svc.DispatchTable
	nowNS func() uint64
}

// svcNumberFromESR extracts the SVC immediate from ESR_EL1's ISS field
// (spec §4.3: class SVC, ISS[15:0] carries the `svc #n` immediate).
func svcNumberFromESR(esrEl1 uint64) uint32 {
	return uint32(esrEl1 & 0xFFFF)
}

// HandlePre implements trap.SvcRouter.
func (r *svcRouter) HandlePre(threadKey uint64, esrEl1 uint64, ctx *trapctx.Context) {
	if !r.exec.HasSvcTask(threadKey) {
		handler := r.table.Lookup(svcNumberFromESR(esrEl1))
		task := svc.NewSvcTask(handler, r.nowNS, r.exec)
		r.exec.StartSvcTask(threadKey, task)
	}
	r.exec.PollSvcTask(threadKey, ctx)
}

// HandlePost implements trap.SvcRouter. If no task is live for threadKey
// (the guest's own SVC body never entered the hypervisor's trampoline,
// or the task already completed on a prior poll), this is a no-op.
func (r *svcRouter) HandlePost(threadKey uint64, ctx *trapctx.Context) {
	r.exec.PollSvcTask(threadKey, ctx)
}

// noopGIC satisfies trap.GICController for boot configurations with no
// backing GIC register window (e.g. unit tests exercising the dispatcher
// without hardware).
type noopGIC struct{}

func (noopGIC) ProcessQueue() {}
