// Package smc implements the virtual secure-monitor call handler
// (spec §4.5): it inspects the function id carried in x0 and either
// answers locally, rewrites an argument through internal/stage2's IPA→PA
// bias, forwards to internal/smmu, or passes the call through to the real
// secure monitor.
package smc

import (
	"github.com/tegra-hv/hbii/internal/config"
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/smmu"
	"github.com/tegra-hv/hbii/internal/stage2"
	"github.com/tegra-hv/hbii/internal/trapctx"
)

// Function ids, grounded on original_source's hos/smc.rs constants. The
// high bit pattern (0x1C4/0x1C3 vs 0xC3) distinguishes SMC calling
// convention 1 vs 0; the dispatcher ORs in which convention via ISS before
// matching (spec §4.5 "the ISS bit distinguishes which monitor").
const (
	CpuSuspend        = 0x1C4000001
	CpuOff            = 0x184000002
	CpuOn             = 0x1C4000003
	GetConfig         = 0x1C3000004
	GenRandomBytes    = 0x1C3000005
	Panic             = 0x1C3000006
	ConfigureCarveout = 0x1C3000007
	RWRegister        = 0x1C3000008
)

// GetConfig item ids and their forced values (spec §4.5).
const (
	ConfigItemProgramVerify  = 1
	ConfigItemKernelConfig   = 2
	ConfigItemIsDebugMode    = 8
	ConfigItemIsRecoveryBoot = 9
	ConfigItemHWType         = 10
	ConfigItemIsRetail       = 11
	ConfigItemBootReason     = 13
)

// MCBase/MCEnd bound the MC/SMMU register range forwarded to internal/smmu
// (spec §4.5 "MC-range register reads/writes are forwarded to §4.2").
const (
	MCBase = 0x7001_9000
	MCEnd  = 0x7001_A000
)

// WarmBootHandoff is the hypervisor-owned slot CpuOn/CpuSuspend capture
// (entry, arg) into before substituting the guest's x2 with the
// hypervisor's own warm-boot stub (spec §4.5, Scenario A).
type WarmBootHandoff struct {
	Entry uint64
	Arg   uint64
}

// Handler is the virtual SMC dispatcher. It owns the warm-boot handoff
// slot, the GenRandomBytes LCG state, and a reference to the SMMU shadow
// pager for MC-range forwarding.
type Handler struct {
	warmBoot    WarmBootHandoff
	lastRand    uint32
	shadow      *smmu.Shadow
	log         debuglog.Source
	stubAddr    uint64
	forwardReal func(ctx *trapctx.Context)
	debugMode   bool
}

// New constructs a virtual SMC handler. stubAddr is the hypervisor's own
// warm-boot entry stub address, substituted into the guest's x2 on
// CpuOn/CpuSuspend. forwardReal passes an unhandled SMC through to the
// real secure monitor; nil means "no real monitor backs this build"
// (matching how a bring-up/test configuration runs without EL3 firmware).
// GetConfig's forced debug-mode value defaults to true (spec §4.5) until
// ApplyPolicy overrides it.
func New(shadow *smmu.Shadow, log debuglog.Source, stubAddr uint64, forwardReal func(ctx *trapctx.Context)) *Handler {
	return &Handler{shadow: shadow, log: log.WithTag("smc"), stubAddr: stubAddr, forwardReal: forwardReal, debugMode: true}
}

// ApplyPolicy overrides the GetConfig IsDebugMode forced value from the
// boot policy (spec §6.4 ambient configuration).
func (h *Handler) ApplyPolicy(p config.BootPolicy) {
	h.debugMode = p.ForceDebugModeEnabled()
}

// randGen16 is the 16-bit step of the linear-congruential generator
// original_source uses for GenRandomBytes so the real monitor is not
// invoked for this hot path (spec §4.5).
func (h *Handler) randGen16() uint16 {
	h.lastRand = 1103515245*h.lastRand + 12345
	return uint16((h.lastRand >> 16) & 0xFFFF)
}

func (h *Handler) randGen64() uint64 {
	hi := uint64(h.randGen16())<<16 | uint64(h.randGen16())
	lo := uint64(h.randGen16())<<16 | uint64(h.randGen16())
	return hi<<32 | lo
}

// Handle dispatches one SMC trap. ctx.X[0] carries the function id;
// ctx.X[1..7] the arguments. It mutates ctx in place per the substitutions
// spec §4.5 describes and reports whether the call was fully handled
// locally (true) or must still be forwarded to the real monitor (false).
func (h *Handler) Handle(ctx *trapctx.Context) (handledLocally bool) {
	fn := ctx.X[0]

	switch fn {
	case CpuOn, CpuSuspend:
		h.warmBoot = WarmBootHandoff{Entry: ctx.X[2], Arg: ctx.X[3]}
		ctx.X[2] = h.stubAddr
		h.log.Writef("%s captured entry=%#x arg=%#x", smcName(fn), h.warmBoot.Entry, h.warmBoot.Arg)
		return false // still forwarded to the real monitor per spec §4.5

	case GenRandomBytes:
		n := ctx.X[1]
		if n > 0x38 {
			n = 0x38
		}
		j := 1
		for n > 0 {
			ctx.X[j] = h.randGen64()
			j++
			n -= 8
		}
		ctx.X[0] = 0
		return true

	case ConfigureCarveout:
		ctx.X[2] = uint64(stage2.IPAToPA(uintptr(ctx.X[2])))
		return false

	case RWRegister:
		reg := ctx.X[1]
		if reg >= MCBase && reg < MCEnd && h.shadow != nil {
			isWrite := ctx.X[2] != 0
			result, err := h.shadow.RWReg(uint32(reg-MCBase), isWrite, uint32(ctx.X[3]))
			if err != nil {
				h.log.Writef("rwreg error: %v", err)
				return false
			}
			ctx.X[0] = 0
			ctx.X[1] = uint64(result)
			return true
		}
		return false

	case GetConfig:
		if handled := h.handleGetConfig(ctx); handled {
			return true
		}
		return false

	case Panic:
		panic("smc: guest invoked SmcPanic")

	default:
		if h.forwardReal != nil {
			h.forwardReal(ctx)
		}
		return false
	}
}

// handleGetConfig answers the forced GetConfig item ids locally
// (spec §4.5).
func (h *Handler) handleGetConfig(ctx *trapctx.Context) bool {
	item := ctx.X[1]
	switch item {
	case ConfigItemProgramVerify:
		ctx.X[0] = 0
		ctx.X[1] |= 1
	case ConfigItemKernelConfig:
		ctx.X[0] = 0
		ctx.X[1] |= 1 << 8
	case ConfigItemIsDebugMode:
		ctx.X[0] = 0
		ctx.X[1] = 0
		if h.debugMode {
			ctx.X[1] = 1
		}
	case ConfigItemIsRecoveryBoot:
		ctx.X[0] = 0
		ctx.X[1] = 0
	case ConfigItemIsRetail:
		ctx.X[0] = 0
		ctx.X[1] = 1
	case ConfigItemBootReason:
		ctx.X[0] = 0
		ctx.X[1] = 2
	default:
		return false
	}
	return true
}

// WarmBoot returns the captured warm-boot handoff, consumed by a secondary
// core's wake path after it re-adopts stage-2 (Scenario A).
func (h *Handler) WarmBoot() WarmBootHandoff {
	return h.warmBoot
}

func smcName(fn uint64) string {
	switch fn {
	case CpuOn:
		return "CpuOn"
	case CpuSuspend:
		return "CpuSuspend"
	case CpuOff:
		return "CpuOff"
	default:
		return "Unknown"
	}
}
