package smc

import (
	"testing"

	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/smmu"
	"github.com/tegra-hv/hbii/internal/stage2"
	"github.com/tegra-hv/hbii/internal/trapctx"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	ring := debuglog.NewRing(1)
	shadow := smmu.New(ring.Source(0))
	return New(shadow, ring.Source(0), 0x8000_1004, nil)
}

// TestCpuOnRedirection is Scenario A from spec §8.
func TestCpuOnRedirection(t *testing.T) {
	h := newTestHandler(t)
	ctx := &trapctx.Context{}
	ctx.X[0] = CpuOn
	ctx.X[1] = 1
	ctx.X[2] = 0xAAAA_BBBB_CCCC_DDDD
	ctx.X[3] = 0xEEEE_FFFF_0011_2233

	handled := h.Handle(ctx)
	if handled {
		t.Fatal("CpuOn must still be forwarded to the real monitor")
	}
	if ctx.X[2] != h.stubAddr {
		t.Fatalf("x2 = %#x, want warm-boot stub %#x", ctx.X[2], h.stubAddr)
	}
	wb := h.WarmBoot()
	if wb.Entry != 0xAAAA_BBBB_CCCC_DDDD || wb.Arg != 0xEEEE_FFFF_0011_2233 {
		t.Fatalf("WarmBoot() = %+v, want captured entry/arg", wb)
	}
}

func TestCpuOnZeroEntrypointDoesNotCrash(t *testing.T) {
	h := newTestHandler(t)
	ctx := &trapctx.Context{}
	ctx.X[0] = CpuOn
	ctx.X[2] = 0
	ctx.X[3] = 0
	h.Handle(ctx)
	if ctx.X[2] != h.stubAddr {
		t.Fatalf("x2 = %#x, want unconditional replacement with stub", ctx.X[2])
	}
}

func TestGenRandomBytesCapsAt0x38(t *testing.T) {
	h := newTestHandler(t)
	ctx := &trapctx.Context{}
	ctx.X[0] = GenRandomBytes
	ctx.X[1] = 0x100
	if !h.Handle(ctx) {
		t.Fatal("GenRandomBytes should be handled locally")
	}
	if ctx.X[0] != 0 {
		t.Fatalf("x0 = %#x, want 0", ctx.X[0])
	}
	nonZero := false
	for i := 1; i <= 7; i++ {
		if ctx.X[i] != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Fatal("expected GenRandomBytes to fill at least one lane")
	}
}

func TestConfigureCarveoutRewritesViaIPAToPA(t *testing.T) {
	h := newTestHandler(t)
	ctx := &trapctx.Context{}
	ctx.X[0] = ConfigureCarveout
	ctx.X[2] = 0xD000_1000
	h.Handle(ctx)
	want := uint64(stage2.IPAToPA(0xD000_1000))
	if ctx.X[2] != want {
		t.Fatalf("x2 = %#x, want %#x", ctx.X[2], want)
	}
}

func TestGetConfigForcedValues(t *testing.T) {
	h := newTestHandler(t)
	cases := []struct {
		item uint64
		want uint64
	}{
		{ConfigItemIsDebugMode, 1},
		{ConfigItemIsRecoveryBoot, 0},
		{ConfigItemIsRetail, 1},
		{ConfigItemBootReason, 2},
	}
	for _, c := range cases {
		ctx := &trapctx.Context{}
		ctx.X[0] = GetConfig
		ctx.X[1] = c.item
		if !h.Handle(ctx) {
			t.Fatalf("GetConfig item %d not handled", c.item)
		}
		if ctx.X[1] != c.want {
			t.Errorf("GetConfig item %d = %d, want %d", c.item, ctx.X[1], c.want)
		}
	}
}

func TestGetConfigKernelConfigOrsBit8(t *testing.T) {
	h := newTestHandler(t)
	ctx := &trapctx.Context{}
	ctx.X[0] = GetConfig
	ctx.X[1] = uint64(ConfigItemKernelConfig)
	h.Handle(ctx)
	if ctx.X[1]&(1<<8) == 0 {
		t.Fatalf("x1 = %#x, expected bit 8 set", ctx.X[1])
	}
}

// TestSMMUForwarding is Scenario D from spec §8.
func TestSMMUForwarding(t *testing.T) {
	h := newTestHandler(t)
	asidCtx := &trapctx.Context{}
	asidCtx.X[0] = RWRegister
	asidCtx.X[1] = MCBase + smmu.RegPTBAsid
	asidCtx.X[2] = 1 // write
	asidCtx.X[3] = 6
	if !h.Handle(asidCtx) {
		t.Fatal("RWRegister to MC range should be handled locally")
	}

	dataCtx := &trapctx.Context{}
	dataCtx.X[0] = RWRegister
	dataCtx.X[1] = MCBase + smmu.RegPTBData
	dataCtx.X[2] = 1
	dataCtx.X[3] = 0xC0000000 >> 12
	if !h.Handle(dataCtx) {
		t.Fatal("RWRegister PTB_DATA should be handled locally")
	}
	if dataCtx.X[1]&0x3FFFFF == 0 {
		t.Fatalf("x1 = %#x, expected nonzero shadow pfn result", dataCtx.X[1])
	}
}

func TestPanicFunctionIDPanics(t *testing.T) {
	h := newTestHandler(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on SmcPanic")
		}
	}()
	ctx := &trapctx.Context{}
	ctx.X[0] = Panic
	h.Handle(ctx)
}

func TestUnknownFunctionForwardsToRealMonitor(t *testing.T) {
	forwarded := false
	ring := debuglog.NewRing(1)
	shadow := smmu.New(ring.Source(0))
	h := New(shadow, ring.Source(0), 0x8000_1004, func(ctx *trapctx.Context) { forwarded = true })
	ctx := &trapctx.Context{}
	ctx.X[0] = 0xDEADBEEF
	if h.Handle(ctx) {
		t.Fatal("unknown function id must not be handled locally")
	}
	if !forwarded {
		t.Fatal("expected forwardReal to be invoked for an unknown function id")
	}
}
