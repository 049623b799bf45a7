// Package gic implements the GIC interrupt virtualization layer
// (spec §4.7): a list-register candidate FIFO per core, deduplicated
// against both in-flight list registers and the still-queued FIFO, plus
// the maintenance-interrupt drain algorithm that retires completed list
// registers and refills free slots.
package gic

import (
	"github.com/tegra-hv/hbii/internal/debuglog"
)

// Interrupt ids the hypervisor itself owns and handles without queuing
// them for guest delivery (spec §4.7).
const (
	IRQSGIStart          = 0
	IRQPPIStart          = 16
	IRQSPIStart          = 32
	IRQEL1Timer          = 30
	IRQEL2Timer          = 26
	IRQEL2GICMaintenance = 25
	IRQInvalid           = 0x3FF
	IRQUSBControllerSPI  = 20
	IRQTegraUSB          = IRQSPIStart + IRQUSBControllerSPI
)

// NumListRegisters is the GICH list-register file depth on the Tegra
// X1's GIC (spec §4.7, grounded on the four-entry GICH_LR/GICH_ELSR0/
// GICH_EISR0 bitfields).
const NumListRegisters = 4

// List-register bit layout, grounded on the original's LR_* constants.
const (
	lrHWInt      = 1 << 31
	lrStsShift   = 28
	lrStsMask    = 0x3
	lrPrioShift  = 23
	lrPrioMask   = 0x1F
	lrIEEOI      = 1 << 19
	lrShiftVCPU  = 10
	lrShiftPIRQ  = 10
	lrShiftVIRQ  = 0
	lrIRQMask    = 0x3FF

	lrStsInvalid = 0
	lrStsPending = 1
	lrStsActive  = 2
)

func isSGI(intID uint16) bool {
	return (intID & IRQInvalid) < IRQPPIStart
}

// IsHypervisorOwned reports whether intID belongs to the statically-known
// set the hypervisor handles locally rather than queuing for guest
// delivery (spec §4.7: "the EL2 timer, the GIC maintenance interrupt, the
// USB controller").
func IsHypervisorOwned(intID uint16) bool {
	switch intID {
	case IRQEL1Timer, IRQEL2Timer, IRQEL2GICMaintenance, IRQTegraUSB:
		return true
	default:
		return false
	}
}

func lrState(lr uint32) uint32 { return (lr >> lrStsShift) & lrStsMask }
func lrVID(lr uint32) uint16   { return uint16(lr & lrIRQMask) }
func lrCPU(lr uint32) uint8    { return uint8((lr >> lrShiftVCPU) & 0x3) }

// Hardware is the narrow GICC/GICH register surface the controller
// needs: list-register read/write, the EISR0/ELSR0 slot-status bitmaps,
// GICC_DIR deactivation, and the HCR underflow-enable bit.
type Hardware interface {
	ReadLR(slot int) uint32
	WriteLR(slot int, val uint32)
	EISR0() uint32
	ELSR0() uint32
	SetDIR(val uint32)
	SetHCRUnderflowEnable(enabled bool)
}

// Controller owns one core's list-register FIFO and drives the
// delivery/drain algorithm against Hardware (spec §4.7).
type Controller struct {
	hw   Hardware
	fifo []uint32
	log  debuglog.Source
}

// New constructs a Controller bound to one core's GICH register window.
func New(hw Hardware, log debuglog.Source) *Controller {
	return &Controller{hw: hw, log: log.WithTag("gic")}
}

// buildLR encodes a pending list-register candidate for intID, matching
// the original's send_interrupt bit layout: hardware interrupts carry
// the HW bit and duplicate the physical IRQ id into both the PIRQ and
// VIRQ fields; SGIs carry the source vCPU and the EOI-maintenance bit
// instead.
func buildLR(intID uint16, vcpu uint8, prio uint8) uint32 {
	var lr uint32
	if !isSGI(intID) {
		lr |= lrHWInt
		lr |= lrStsPending << lrStsShift
		lr |= uint32(intID) << lrShiftPIRQ
		lr |= uint32(intID) << lrShiftVIRQ
	} else {
		lr |= lrStsPending << lrStsShift
		lr |= uint32(vcpu) << lrShiftVCPU
		lr |= uint32(intID) << lrShiftVIRQ
		lr |= lrIEEOI
	}
	lr |= (uint32(prio) & lrPrioMask) << lrPrioShift
	return lr
}

// conflictsWithPending reports whether candidate already has a matching
// pending/active entry somewhere in lrs (spec §4.7 step 2: "if a
// matching entry is already pending, drop the new one").
func conflictsWithPending(candidate uint32, lrs []uint32) bool {
	candID := lrVID(candidate)
	candCPU := lrCPU(candidate)
	candSGI := isSGI(candID)
	for _, lr := range lrs {
		id := lrVID(lr)
		if id != candID {
			continue
		}
		state := lrState(lr)
		if candSGI {
			if lrCPU(lr) == candCPU && state == lrStsPending {
				return true
			}
			continue
		}
		if state != lrStsInvalid {
			return true
		}
	}
	return false
}

// HandleIRQ is the top half of spec §4.7: "on every EL2 IRQ, the handler
// reads GICC_IAR, decides whether the interrupt is hypervisor-owned...
// and either handles it locally... or queues it for delivery to a guest
// vCPU." iar is the raw GICC_IAR read, with the interrupt id in its low
// 10 bits; a spurious id (0x3FF) is dropped without calling onOwned or
// SendInterrupt (spec §8 boundary case). onOwned may be nil.
func (c *Controller) HandleIRQ(iar uint32, vcpu uint8, prio uint8, onOwned func(intID uint16)) {
	intID := uint16(iar) & lrIRQMask
	if intID == IRQInvalid {
		return
	}
	if IsHypervisorOwned(intID) {
		if onOwned != nil {
			onOwned(intID)
		}
		return
	}
	c.SendInterrupt(intID, vcpu, prio)
}

// SendInterrupt is the delivery algorithm (spec §4.7): build the
// candidate, drop it if an equivalent entry is already pending anywhere
// (in-flight list registers or the FIFO), otherwise enqueue.
func (c *Controller) SendInterrupt(intID uint16, vcpu uint8, prio uint8) {
	candidate := buildLR(intID, vcpu, prio)

	inFlight := make([]uint32, NumListRegisters)
	for i := 0; i < NumListRegisters; i++ {
		inFlight[i] = c.hw.ReadLR(i)
	}
	if conflictsWithPending(candidate, inFlight) {
		c.log.Writef("dropped duplicate int_id=%d vcpu=%d (in-flight)", intID, vcpu)
		return
	}
	if conflictsWithPending(candidate, c.fifo) {
		c.log.Writef("dropped duplicate int_id=%d vcpu=%d (queued)", intID, vcpu)
		return
	}

	c.fifo = append(c.fifo, candidate)
}

func (c *Controller) findFreeSlot() int {
	elsr0 := c.hw.ELSR0()
	for i := 0; i < NumListRegisters; i++ {
		if elsr0&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}

// ProcessQueue is the drain algorithm (spec §4.7), invoked from the
// maintenance-interrupt handler and after every delivery decision:
//  1. retire every list register whose EOI-interrupt bit is set in
//     GICH_EISR0, deactivating it via GICC_DIR and clearing the slot;
//  2. while the FIFO is non-empty and a free slot exists, pop and
//     write, re-checking deduplication against the remaining in-flight
//     entries;
//  3. if the FIFO is still non-empty, arm GICH_HCR.UnderflowEnable so
//     hardware raises a maintenance interrupt as slots drain.
func (c *Controller) ProcessQueue() {
	eisr0 := c.hw.EISR0()
	for i := 0; i < NumListRegisters; i++ {
		if eisr0&(1<<uint(i)) == 0 {
			continue
		}
		lr := c.hw.ReadLR(i)
		dirVal := lrVID(lr) | uint16(lrCPU(lr))<<lrShiftVCPU
		c.hw.SetDIR(uint32(dirVal))
		c.hw.WriteLR(i, 0)
	}

	slot := c.findFreeSlot()
	for len(c.fifo) > 0 && slot >= 0 {
		candidate := c.fifo[0]

		inFlight := make([]uint32, 0, NumListRegisters)
		for i := 0; i < NumListRegisters; i++ {
			if i == slot {
				continue
			}
			inFlight = append(inFlight, c.hw.ReadLR(i))
		}
		if conflictsWithPending(candidate, inFlight) {
			c.log.Writef("drain: int_id=%d already pending, skipping", lrVID(candidate))
			c.fifo = c.fifo[1:]
			slot = c.findFreeSlot()
			continue
		}

		c.fifo = c.fifo[1:]
		c.hw.WriteLR(slot, candidate)
		slot = c.findFreeSlot()
	}

	c.hw.SetHCRUnderflowEnable(len(c.fifo) > 0)
}

// Pending returns the number of interrupts still queued but not yet
// placed into a list register, for diagnostics.
func (c *Controller) Pending() int {
	return len(c.fifo)
}
