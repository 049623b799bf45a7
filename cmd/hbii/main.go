// Command hbii is the top-level wiring point for the hypervisor: it
// constructs a bringup.Hypervisor from the cold-boot image and exposes
// the three entry points the architecture-specific boot stub (out of
// scope for this module — it owns the exception vector table and the
// warm/cold reset path) calls into: HandleTrap for every EL1→EL2
// exception, HandleIRQ for every physical IRQ taken at EL2, and Tick for
// the idle-loop scheduling pass between traps.
// Grounded on the teacher's cmd/cc/main.go top-level wiring style
// (construct subsystems, hand off to one orchestrating package) minus
// flag/CLI parsing, since no host shell invokes this binary.
package main

import (
	"fmt"
	"os"

	"github.com/tegra-hv/hbii/internal/bringup"
	"github.com/tegra-hv/hbii/internal/gic"
	"github.com/tegra-hv/hbii/internal/trap"
	"github.com/tegra-hv/hbii/internal/trapctx"
)

// gicDefaultPriority is the list-register priority HandleIRQ stamps onto
// every guest-destined interrupt; the hypervisor does not yet model
// guest-assigned interrupt priorities (spec §4.7 leaves priority at its
// reset value).
const gicDefaultPriority = 0

// hv is the single cold-booted Hypervisor instance. A type-1 hypervisor
// for one SoC has exactly one of these per boot; it is package-level so
// HandleTrap and Tick, called from the boot stub's assembly vector, have
// somewhere to reach it without threading a parameter through code this
// module doesn't own.
var hv *bringup.Hypervisor

// Boot runs the cold-boot construction sequence and records the result
// for HandleTrap/Tick. It is the function the boot stub calls once,
// after relocating the kernel image and policy blob into memory and
// before installing VBAR_EL2.
func Boot(img bringup.Image, opts bringup.Options) error {
	h, err := bringup.New(img, opts)
	if err != nil {
		return fmt.Errorf("hbii: boot: %w", err)
	}
	hv = h
	return nil
}

// HandleTrap routes one EL1→EL2 exception to the wired dispatcher. The
// boot stub's exception vector reads ESR_EL2 and the guest's thread
// context pointer out of the trapping core's register file, builds ctx,
// and calls this once per trap.
func HandleTrap(ctx *trapctx.Context, esrEL2 uint64, threadKey uint64, esrEL1 func() uint64) error {
	if hv == nil {
		return fmt.Errorf("hbii: HandleTrap called before Boot")
	}
	return hv.Dispatcher().Handle(ctx, esrEL2, threadKey, esrEL1)
}

// HandleIRQ is the EL2-IRQ entry point (spec §4.7): the boot stub's IRQ
// vector reads GICC_IAR for the trapping core and calls this once per
// interrupt, before issuing the matching GICC_EOIR. vcpu identifies which
// guest vCPU an SGI targets; it is ignored for every other interrupt
// class. Interrupts the hypervisor owns outright are handled inline here
// (today: re-draining the list-register queue on the GIC's own
// maintenance interrupt); everything else is queued for guest delivery
// through the wired Controller.
func HandleIRQ(iar uint32, vcpu uint8) {
	if hv == nil || hv.GIC == nil {
		return
	}
	intID := uint16(iar) & 0x3FF
	if !trap.WantGICIRQ(intID) {
		return
	}
	hv.GIC.HandleIRQ(iar, vcpu, gicDefaultPriority, func(owned uint16) {
		if owned == gic.IRQEL2GICMaintenance {
			hv.GIC.ProcessQueue()
			return
		}
		hv.Log.Source(0).WithTag("irq").Writef("hypervisor-owned irq %d handled locally", owned)
	})
}

// Tick runs one scheduling pass over background tasks and drains any
// pending GIC list-register work. The boot stub calls this from its idle
// loop, between traps.
func Tick() {
	if hv == nil {
		return
	}
	hv.Executor.Tick()
	if hv.GIC != nil {
		hv.GIC.ProcessQueue()
	}
}

// main exists only to satisfy package main; this binary has no
// independent entry point of its own; production OS images are built by
// linking this package's code into the boot stub, which calls Boot,
// HandleTrap, and Tick directly rather than ever running main.
func main() {
	fmt.Fprintln(os.Stderr, "hbii: not meant to be run directly; link into the boot stub")
	os.Exit(1)
}
