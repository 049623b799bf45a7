package trap

import (
	"testing"

	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/mmio"
	"github.com/tegra-hv/hbii/internal/smc"
	"github.com/tegra-hv/hbii/internal/smmu"
	"github.com/tegra-hv/hbii/internal/sysreg"
	"github.com/tegra-hv/hbii/internal/trapctx"
)

type fakeSvcRouter struct {
	preCalls  int
	postCalls int
}

func (f *fakeSvcRouter) HandlePre(threadKey uint64, esrEl1 uint64, ctx *trapctx.Context) {
	f.preCalls++
}
func (f *fakeSvcRouter) HandlePost(threadKey uint64, ctx *trapctx.Context) {
	f.postCalls++
}

type fakeGIC struct{ drains int }

func (f *fakeGIC) ProcessQueue() { f.drains++ }

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSvcRouter, *fakeGIC) {
	t.Helper()
	ring := debuglog.NewRing(1)
	sysregs := sysreg.New(ring.Source(0))
	shadow := smmu.New(ring.Source(0))
	smcH := smc.New(shadow, ring.Source(0), 0x8000_1000, nil)
	mmioR := mmio.New(ring.Source(0))
	svcR := &fakeSvcRouter{}
	gicC := &fakeGIC{}
	d := New(sysregs, smcH, mmioR, svcR, gicC, ring.Source(0), nil, nil)
	return d, svcR, gicC
}

func TestHandleHVCSvcPreRoutesToSvcRouter(t *testing.T) {
	d, svcR, _ := newTestDispatcher(t)
	ctx := &trapctx.Context{}
	esrEL2 := uint64(ECHVC64) << 26
	esrEL2 |= uint64(ImmSvcPre)
	err := d.Handle(ctx, esrEL2, 0x1234, func() uint64 { return 5 })
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if svcR.preCalls != 1 {
		t.Fatalf("preCalls = %d, want 1", svcR.preCalls)
	}
}

func TestHandleHVCSvcPostAdvancesPC(t *testing.T) {
	d, svcR, _ := newTestDispatcher(t)
	ctx := &trapctx.Context{PC: 0x1000}
	esrEL2 := uint64(ECHVC64)<<26 | uint64(ImmSvcPost)
	if err := d.Handle(ctx, esrEL2, 0x1234, func() uint64 { return 0 }); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if svcR.postCalls != 1 {
		t.Fatalf("postCalls = %d, want 1", svcR.postCalls)
	}
	if ctx.PC != 0x1004 {
		t.Fatalf("PC = %#x, want 0x1004 (post-hook advance)", ctx.PC)
	}
}

func TestHandleHVCIRQReturnDrainsGIC(t *testing.T) {
	d, _, gicC := newTestDispatcher(t)
	ctx := &trapctx.Context{}
	esrEL2 := uint64(ECHVC64)<<26 | uint64(ImmEL1IRQReturn)
	if err := d.Handle(ctx, esrEL2, 0, func() uint64 { return 0 }); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gicC.drains != 1 {
		t.Fatalf("drains = %d, want 1", gicC.drains)
	}
}

func TestHandleUnrecognizedECTriggersFatalReset(t *testing.T) {
	ring := debuglog.NewRing(1)
	sysregs := sysreg.New(ring.Source(0))
	shadow := smmu.New(ring.Source(0))
	smcH := smc.New(shadow, ring.Source(0), 0, nil)
	mmioR := mmio.New(ring.Source(0))
	svcR := &fakeSvcRouter{}
	gicC := &fakeGIC{}

	var resetMsg string
	d := New(sysregs, smcH, mmioR, svcR, gicC, ring.Source(0), nil, func(msg string) { resetMsg = msg })

	ctx := &trapctx.Context{}
	esrEL2 := uint64(0x3F) << 26 // not a recognized EC
	err := d.Handle(ctx, esrEL2, 0, func() uint64 { return 0 })
	if err == nil {
		t.Fatal("expected error for unrecognized EC")
	}
	if resetMsg == "" {
		t.Fatal("expected resetAndHalt to be invoked")
	}
}

func TestDecodeESRFields(t *testing.T) {
	esr := uint64(ECSMC64)<<26 | 0x1234
	e := DecodeESR(esr)
	if e.EC != ECSMC64 {
		t.Fatalf("EC = %#x, want %#x", e.EC, ECSMC64)
	}
	if e.ISS != 0x1234 {
		t.Fatalf("ISS = %#x, want 0x1234", e.ISS)
	}
}

func TestWantGICIRQRejectsSpurious(t *testing.T) {
	if WantGICIRQ(0x3FF) {
		t.Fatal("spurious interrupt id 0x3FF must not be treated as wanted")
	}
}
