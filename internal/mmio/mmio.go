// Package mmio implements the virtual MMIO router (spec §4.6): a data
// abort with the instruction-syndrome-valid bit set is decoded into an
// access descriptor and dispatched against a policy table keyed by
// device window, mirroring how internal/chipset in the reference stack
// routes a trapped access to the registered handler for its region.
package mmio

import (
	"fmt"

	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/trapctx"
)

// Policy selects what the router does with an access inside a window.
type Policy int

const (
	// PolicyForward passes the access through to real hardware.
	PolicyForward Policy = iota
	// PolicyDrop silently discards writes and zero-fills reads.
	PolicyDrop
	// PolicyModel routes the access to a registered device model.
	PolicyModel
)

// XZRRegister is the destination-register encoding ESR_EL2 uses for the
// zero register; writes through it are normalized to zero rather than
// whatever stale value the GPR lane happens to hold (spec §4.6).
const XZRRegister = 31

// Access describes one decoded data-abort-with-ISV trap.
type Access struct {
	IPA        uintptr
	SizeBits   int // 8, 16, 32, or 64
	SignExtend bool
	DestReg    int
	IsWrite    bool
}

// DecodeISS extracts an Access from a data abort's ISS field (ESR_EL2
// bits [24:0] for EC=0x24/0x25), per spec §4.6: "extracts access size,
// sign-extension, destination register number, read/write, and the
// fault IPA."
func DecodeISS(iss uint64, faultIPA uintptr) Access {
	sas := (iss >> 22) & 0x3
	sizeBits := 8 << sas
	return Access{
		IPA:        faultIPA,
		SizeBits:   sizeBits,
		SignExtend: iss&(1<<21) != 0,
		DestReg:    int((iss >> 16) & 0x1F),
		IsWrite:    iss&(1<<6) != 0,
	}
}

// Model is a device whose state the router mutates directly rather
// than forwarding to hardware or silently dropping.
type Model interface {
	ReadMMIO(addr uintptr, sizeBits int) (uint64, error)
	WriteMMIO(addr uintptr, sizeBits int, val uint64) error
}

// Forwarder performs the real-hardware MMIO access for PolicyForward
// windows (typically a regs.Block.Read32/Write32 pair).
type Forwarder interface {
	ReadMMIO(addr uintptr, sizeBits int) (uint64, error)
	WriteMMIO(addr uintptr, sizeBits int, val uint64) error
}

type window struct {
	name    string
	start   uintptr
	end     uintptr
	policy  Policy
	model   Model
	forward Forwarder
}

type hardDrop struct {
	name string
	addr uintptr
}

// Router owns the device policy table and dispatches decoded accesses
// against it (spec §4.6).
type Router struct {
	windows   []window
	hardDrops []hardDrop
	log       debuglog.Source
}

// New constructs an empty Router. Windows and hard-drops are registered
// with AddWindow/AddHardDrop during bring-up.
func New(log debuglog.Source) *Router {
	return &Router{log: log.WithTag("mmio")}
}

// AddWindow registers a policy for the half-open IPA range [start, end).
func (r *Router) AddWindow(name string, start, end uintptr, policy Policy, model Model, forward Forwarder) {
	r.windows = append(r.windows, window{name: name, start: start, end: end, policy: policy, model: model, forward: forward})
}

// AddHardDrop registers a single register address that is always
// dropped regardless of its enclosing window's policy — spec §4.6's
// "a few specific registers are hard-dropped (one USB padctl
// register)".
func (r *Router) AddHardDrop(name string, addr uintptr) {
	r.hardDrops = append(r.hardDrops, hardDrop{name: name, addr: addr})
}

func (r *Router) findWindow(addr uintptr) *window {
	for i := range r.windows {
		w := &r.windows[i]
		if addr >= w.start && addr < w.end {
			return w
		}
	}
	return nil
}

func (r *Router) isHardDropped(addr uintptr) bool {
	for _, d := range r.hardDrops {
		if d.addr == addr {
			return true
		}
	}
	return false
}

// Handle dispatches one decoded access, reading or writing ctx's GPR
// lane named by a.DestReg. It returns an error for an address with no
// window, for a window with no model or forwarder registered or with an
// unknown policy, and for any error the model's or forwarder's read or
// write returns; drop/zero-fill and XZR normalization are not errors.
func (r *Router) Handle(ctx *trapctx.Context, a Access) error {
	if r.isHardDropped(a.IPA) {
		r.setDest(ctx, a, 0)
		return nil
	}

	w := r.findWindow(a.IPA)
	if w == nil {
		return fmt.Errorf("mmio: no window registered for IPA %#x", a.IPA)
	}

	switch w.policy {
	case PolicyDrop:
		r.setDest(ctx, a, 0)
		return nil

	case PolicyModel:
		if w.model == nil {
			return fmt.Errorf("mmio: window %q has no model registered", w.name)
		}
		return r.dispatch(ctx, a, w.model.ReadMMIO, w.model.WriteMMIO)

	case PolicyForward:
		if w.forward == nil {
			return fmt.Errorf("mmio: window %q has no forwarder registered", w.name)
		}
		return r.dispatch(ctx, a, w.forward.ReadMMIO, w.forward.WriteMMIO)

	default:
		return fmt.Errorf("mmio: window %q has unknown policy %d", w.name, w.policy)
	}
}

func (r *Router) dispatch(ctx *trapctx.Context, a Access, read func(uintptr, int) (uint64, error), write func(uintptr, int, uint64) error) error {
	if a.IsWrite {
		val := r.sourceVal(ctx, a)
		return write(a.IPA, a.SizeBits, val)
	}
	val, err := read(a.IPA, a.SizeBits)
	if err != nil {
		return err
	}
	if a.SignExtend && a.SizeBits < 64 {
		shift := uint(64 - a.SizeBits)
		val = uint64(int64(val<<shift) >> shift)
	}
	r.log.Writef("read addr=%#x size=%d val=%#x", a.IPA, a.SizeBits, val)
	r.setDest(ctx, a, val)
	return nil
}

// sourceVal reads the GPR lane a write draws its value from, normalizing
// the XZR placeholder register to zero regardless of what its
// (nonexistent) storage lane would otherwise alias to (spec §4.6).
func (r *Router) sourceVal(ctx *trapctx.Context, a Access) uint64 {
	if a.DestReg == XZRRegister {
		return 0
	}
	val := ctx.Lane(a.DestReg)
	if a.SizeBits < 64 {
		val &= (uint64(1) << uint(a.SizeBits)) - 1
	}
	return val
}

// setDest writes a read result into the destination lane, a no-op for
// the XZR placeholder register since reads through it are discarded.
func (r *Router) setDest(ctx *trapctx.Context, a Access, val uint64) {
	if a.IsWrite || a.DestReg == XZRRegister {
		return
	}
	ctx.SetLane(a.DestReg, val)
}
