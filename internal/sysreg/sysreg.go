// Package sysreg implements the virtual system-register table the trap
// dispatcher consults for MSR/MRS traps (spec §4.4): a small table keyed by
// (op1, CRn, CRm, op2, direction), where recognized accesses either pass
// through to the real EL1 register or return a synthetic/sanitized value.
package sysreg

import (
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/regs"
)

// Direction distinguishes an MRS (read) from an MSR (write) trap.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// key identifies one table entry by its five-field encoding plus direction,
// matching the ISS fields the trap dispatcher decodes from ESR_EL2.
type key struct {
	op1, crn, crm, op2 uint8
	dir                Direction
}

// Handler answers one recognized access. For a read it returns the value
// to place in the destination GPR; for a write, val carries the guest's
// intended value and the return value is ignored.
type Handler func(val uint64) uint64

// Table is the virtual system-register dispatch table (spec §4.4).
// Unknown accesses are logged and the original instruction is emulated by
// advancing PC (handled by the caller in internal/trap, since Table has no
// notion of a trap context).
type Table struct {
	handlers map[key]Handler
	log      debuglog.Source
}

// New constructs a Table preloaded with the registers internal/trap needs
// virtualized: VBAR_EL1 passthrough (so the trap
// dispatcher can observe the guest patching its own vector table) and the
// CNTP timer registers (scaled ticks / past-deadline substitution, spec
// §4.3 "Timer traps").
func New(log debuglog.Source) *Table {
	t := &Table{handlers: make(map[key]Handler), log: log.WithTag("sysreg")}
	t.registerDefaults()
	return t
}

func regKey(r regs.SysReg, dir Direction) key {
	return key{op1: r.Op1, crn: r.CRn, crm: r.CRm, op2: r.Op2, dir: dir}
}

// Register installs a handler for reg in the given direction, overwriting
// any existing one. Exposed so internal/trap can wire VBAR_EL1 writes to
// its own one-shot vector-patch logic rather than a passthrough.
func (t *Table) Register(reg regs.SysReg, dir Direction, h Handler) {
	t.handlers[regKey(reg, dir)] = h
}

func (t *Table) registerDefaults() {
	t.Register(regs.RegVBAREL1, DirRead, func(uint64) uint64 {
		return regs.ReadSysReg(regs.RegVBAREL1)
	})
	t.Register(regs.RegVBAREL1, DirWrite, func(val uint64) uint64 {
		regs.WriteSysReg(regs.RegVBAREL1, val)
		return 0
	})
	t.Register(regs.RegCNTPCTEL0, DirRead, func(uint64) uint64 {
		// identity scaling in the base design; a seam for virtual-time
		// scaling per spec §4.3.
		return regs.ReadSysReg(regs.RegCNTPCTEL0)
	})
	t.Register(regs.RegCNTPCVALEL0, DirWrite, func(val uint64) uint64 {
		now := regs.ReadSysReg(regs.RegCNTPCTEL0)
		if val <= now {
			// CNTP_TVAL := 10 so the interrupt fires promptly (spec §4.3).
			regs.WriteSysReg(regs.RegCNTPTVALEL0, 10)
			return 0
		}
		regs.WriteSysReg(regs.RegCNTPCVALEL0, val)
		return 0
	})
}

// Handle dispatches one MSR/MRS trap. ok is false when no handler is
// registered for reg/dir, the signal to internal/trap that it must log the
// access and emulate by PC+=4 itself.
func (t *Table) Handle(reg regs.SysReg, dir Direction, val uint64) (result uint64, ok bool) {
	h, found := t.handlers[regKey(reg, dir)]
	if !found {
		t.log.Writef("unrecognized sysreg access op1=%d crn=%d crm=%d op2=%d dir=%d", reg.Op1, reg.CRn, reg.CRm, reg.Op2, dir)
		return 0, false
	}
	return h(val), true
}
