// Package trap is the central exception-syndrome decoder (spec §4.3): it
// reads ESR_EL2's exception class and instruction-specific syndrome and
// routes EL1→EL2 traps to the virtual-sysreg, virtual-SMC, virtual-MMIO,
// and virtual-SVC subhandlers, generalizing the teacher's
// chipset.HandleMMIO/HandlePIO table-dispatch pattern from "route a
// KVM_EXIT_* to a device" to "route an ESR_EL2 EC to a virtual subsystem."
package trap

import (
	"fmt"

	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/gic"
	"github.com/tegra-hv/hbii/internal/mmio"
	"github.com/tegra-hv/hbii/internal/regs"
	"github.com/tegra-hv/hbii/internal/smc"
	"github.com/tegra-hv/hbii/internal/sysreg"
	"github.com/tegra-hv/hbii/internal/trapctx"
)

// Exception classes decoded from ESR_EL2[31:26] (spec §4.3 table).
const (
	ECHVC64       = 0x16
	ECMSRMRS64    = 0x18
	ECSMC64       = 0x17
	ECDataAbortLo = 0x24
)

// HVC immediates the dispatcher routes by (spec §4.3 table + §4.8).
const (
	ImmSvcPre       = 1
	ImmSvcPost      = 2
	ImmEL0AbortReh  = 6
	ImmEL1IRQReturn = 0
)

// daifClrBeforeSVC / daifSetAfterSVC are the SPSR.DAIF values the
// dispatcher mimics around the pre/post pair, displacing the original
// `msr DAIFClr,#0x2` / `msr DAIFSet,#0x2` instructions the trampoline used
// to execute directly (spec §4.3).
const (
	daifClrBeforeSVC = 0x2
	daifSetAfterSVC  = 0x2
)

// vbarPatchInsnCount is how many instructions the one-shot guest vector
// patch rewrites (spec §4.3 "rewrites three instructions").
const vbarPatchInsnCount = 3

// SvcRouter is the narrow seam into internal/svc's dispatch + executor
// machinery the dispatcher needs: decode an SVC number out of ESR_EL1 and
// drive (create or resume) the keyed SvcTask.
type SvcRouter interface {
	// HandlePre is called on HVC #1 (entering the trampoline's SVC body).
	// threadKey identifies the guest thread context; esrEl1 carries the
	// SVC immediate the guest's own `svc #n` instruction used.
	HandlePre(threadKey uint64, esrEl1 uint64, ctx *trapctx.Context)
	// HandlePost is called on HVC #2 (leaving the trampoline's SVC body).
	HandlePost(threadKey uint64, ctx *trapctx.Context)
}

// MMIODecoder narrows internal/mmio's Router to what the dispatcher needs
// for a data-abort-with-ISV trap.
type MMIODecoder interface {
	Handle(ctx *trapctx.Context, a mmio.Access) error
}

// GICController narrows internal/gic's Controller to the one call the
// dispatcher's IRQ-return path needs.
type GICController interface {
	ProcessQueue()
}

// Dispatcher is the exception-syndrome decoder and router (spec §4.3). It
// owns no state beyond the one-shot VBAR-patch flag and the handlers it
// routes to; the trap context itself is supplied per call.
type Dispatcher struct {
	sysregs *sysreg.Table
	smcH    *smc.Handler
	mmioR   MMIODecoder
	svcR    SvcRouter
	gicC    GICController

	log debuglog.Source

	vbarPatched  bool
	patchVector  func(vbar uint64) error
	resetAndHalt func(message string)
}

// New constructs a Dispatcher wired to the four subhandlers plus the
// guest-vector one-shot patch and fatal-path reset callbacks, which
// internal/bringup supplies since they touch the guest's loaded image and
// the SoC reset line respectively.
func New(sysregs *sysreg.Table, smcH *smc.Handler, mmioR MMIODecoder, svcR SvcRouter, gicC GICController, log debuglog.Source, patchVector func(uint64) error, resetAndHalt func(string)) *Dispatcher {
	return &Dispatcher{
		sysregs:      sysregs,
		smcH:         smcH,
		mmioR:        mmioR,
		svcR:         svcR,
		gicC:         gicC,
		log:          log.WithTag("trap"),
		patchVector:  patchVector,
		resetAndHalt: resetAndHalt,
	}
}

// ESR fields the dispatcher needs out of ESR_EL2 (spec §4.3).
type ESR struct {
	EC  uint8
	ISS uint32
}

// DecodeESR extracts the exception class and ISS from a raw ESR_EL2 value.
func DecodeESR(esrEL2 uint64) ESR {
	return ESR{EC: uint8((esrEL2 >> 26) & 0x3F), ISS: uint32(esrEL2 & 0x01FF_FFFF)}
}

// Handle routes one trap. threadKey identifies the guest thread context
// pointer for SVC routing (spec §4.8); esrEL1 is read lazily by the
// caller only when HVC #1 is observed, since it is only meaningful there.
func (d *Dispatcher) Handle(ctx *trapctx.Context, esrEL2 uint64, threadKey uint64, esrEL1 func() uint64) error {
	e := DecodeESR(esrEL2)

	switch e.EC {
	case ECHVC64:
		return d.handleHVC(ctx, uint16(e.ISS&0xFFFF), threadKey, esrEL1)

	case ECMSRMRS64:
		return d.handleSysReg(ctx, e.ISS)

	case ECSMC64:
		return d.handleSMC(ctx, e.ISS)

	case ECDataAbortLo:
		if e.ISS&(1<<24) == 0 { // ISV bit clear: no syndrome, can't virtualize
			d.log.Writef("data abort without ISV, pc=%#x", ctx.PC)
			return fmt.Errorf("trap: data abort without ISV at pc=%#x", ctx.PC)
		}
		faultIPA := ctx.TPIDRROEL0 // caller stages the decoded HPFAR-derived IPA here
		a := mmio.DecodeISS(uint64(e.ISS), uintptr(faultIPA))
		if err := d.mmioR.Handle(ctx, a); err != nil {
			d.log.Writef("mmio: %v", err)
		}
		ctx.AdvancePC()
		return nil

	default:
		d.fatalFallthrough(ctx, e)
		return fmt.Errorf("trap: unrecognized EC %#x", e.EC)
	}
}

// handleHVC dispatches on the HVC immediate (spec §4.3 table): the two SVC
// hook entries, the EL0 data-abort rehandler, and the rewritten EL1 IRQ
// return path.
func (d *Dispatcher) handleHVC(ctx *trapctx.Context, imm uint16, threadKey uint64, esrEL1 func() uint64) error {
	switch imm {
	case ImmSvcPre:
		regs.WriteSysReg(regs.SysReg{Op0: 3, Op1: 0, CRn: 4, CRm: 2, Op2: 1}, daifClrBeforeSVC)
		d.svcR.HandlePre(threadKey, esrEL1(), ctx)
		return nil

	case ImmSvcPost:
		d.svcR.HandlePost(threadKey, ctx)
		regs.WriteSysReg(regs.SysReg{Op0: 3, Op1: 0, CRn: 4, CRm: 2, Op2: 1}, daifSetAfterSVC)
		ctx.AdvancePC()
		return nil

	case ImmEL0AbortReh:
		// Rehandle an EL0 data abort the patched vector redirected here;
		// the actual abort decode is identical to the lower-EL path, so
		// the caller re-enters Handle with EC=ECDataAbortLo after this
		// returns (internal/bringup wires that re-entry).
		return nil

	case ImmEL1IRQReturn:
		// The guest's own EL1 IRQ vector was rewritten to HVC #0 (spec
		// §6.1 "the hypervisor owns re-entry"). This path drains the GIC
		// queue only; SPSR and PC are left as the trap delivered them.
		d.gicC.ProcessQueue()
		return nil

	default:
		d.log.Writef("unrecognized hvc imm=%d", imm)
		ctx.AdvancePC()
		return nil
	}
}

// handleSysReg decodes an MSR/MRS ISS field into the (op1,CRn,CRm,op2,dir)
// key internal/sysreg's table expects, and additionally inspects writes to
// CONTEXTIDR_EL1 for the one-shot VBAR_EL1 vector patch (spec §4.3).
func (d *Dispatcher) handleSysReg(ctx *trapctx.Context, iss uint32) error {
	op1 := uint8((iss >> 14) & 0x7)
	crn := uint8((iss >> 10) & 0xF)
	crm := uint8((iss >> 1) & 0xF)
	op2 := uint8((iss >> 17) & 0x7)
	isWrite := iss&1 == 0
	destReg := int((iss >> 5) & 0x1F)

	reg := regs.SysReg{Op0: 3, Op1: op1, CRn: crn, CRm: crm, Op2: op2}
	dir := sysreg.DirRead
	var val uint64
	if isWrite {
		dir = sysreg.DirWrite
		val = ctx.Lane(destReg)
	}

	if isWrite && reg == regs.RegCONTEXTIDREL1 {
		d.maybePatchVBAR()
	}

	result, ok := d.sysregs.Handle(reg, dir, val)
	if !ok {
		d.log.Writef("unmodeled sysreg op1=%d crn=%d crm=%d op2=%d dir=%d", op1, crn, crm, op2, dir)
		ctx.AdvancePC()
		return nil
	}
	if !isWrite {
		ctx.SetLane(destReg, result)
	}
	ctx.AdvancePC()
	return nil
}

// maybePatchVBAR implements the one-shot exception-vector patch (spec
// §4.3): "the first non-zero value seen triggers a one-shot patch of the
// guest's exception vector to redirect lower-EL synchronous exceptions
// through an HVC."
func (d *Dispatcher) maybePatchVBAR() {
	if d.vbarPatched {
		return
	}
	vbar := regs.ReadSysReg(regs.RegVBAREL1)
	if vbar == 0 {
		return
	}
	if d.patchVector == nil {
		return
	}
	if err := d.patchVector(vbar); err != nil {
		d.log.Writef("vbar patch failed: %v", err)
		return
	}
	d.vbarPatched = true
	d.log.Writef("guest vector table patched at vbar=%#x (%d insns)", vbar, vbarPatchInsnCount)
}

// handleSMC dispatches a virtual SMC trap and logs the call whenever the
// handler reports it was not fully handled locally. It does not advance
// PC.
func (d *Dispatcher) handleSMC(ctx *trapctx.Context, iss uint32) error {
	handledLocally := d.smcH.Handle(ctx)
	if !handledLocally {
		d.log.Writef("smc forwarded fn=%#x (iss=%#x)", ctx.X[0], iss)
	}
	return nil
}

// fatalFallthrough implements spec §4.3's failure mode for any
// unrecognized EC: dump registers through the logger's emergency bypass,
// count down visibly, then reset — the countdown exists so a human can
// observe the diagnostic before the log ring is lost (spec §7 kind 4).
func (d *Dispatcher) fatalFallthrough(ctx *trapctx.Context, e ESR) {
	d.log.Writef("FATAL: unrecognized EC=%#x ISS=%#x pc=%#x sp=%#x spsr=%#x", e.EC, e.ISS, ctx.PC, ctx.SP, ctx.SPSR)
	if d.resetAndHalt != nil {
		d.resetAndHalt(fmt.Sprintf("unrecognized exception class %#x", e.EC))
	}
}

// wantGICIRQ reports whether intID read out of GICC_IAR is worth any
// further processing at all: spurious (0x3FF) is the only id ever
// rejected here (spec §8 boundary case). Which of the remaining ids the
// hypervisor owns outright, versus queues for guest delivery, is
// gic.IsHypervisorOwned's question, consulted by gic.Controller.HandleIRQ
// — the real EL2-IRQ entry point spec §4.7 describes, wired from
// cmd/hbii.
func wantGICIRQ(intID uint16) bool {
	return intID != gic.IRQInvalid
}

// WantGICIRQ is the exported form of wantGICIRQ.
func WantGICIRQ(intID uint16) bool { return wantGICIRQ(intID) }
