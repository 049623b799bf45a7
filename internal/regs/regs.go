// Package regs provides the volatile register-access primitives every other
// package in this module builds on: typed MMIO loads/stores and cache
// maintenance. Apart from internal/stage2's table-address helpers
// (unsafe.go), every use of unsafe in this module is confined here.
package regs

import (
	"sync/atomic"
	"unsafe"
)

// Block is a typed accessor over a fixed-size device MMIO window. Callers
// never dereference a pointer directly; they go through Read32/Write32 etc.
type Block struct {
	base uintptr
	size uintptr
}

// NewBlock wraps the physical window [base, base+size) as a register block.
// base and size must be identity-mapped (stage-1) by the caller before use.
func NewBlock(base, size uintptr) Block {
	return Block{base: base, size: size}
}

func (b Block) checkBounds(off uintptr, width uintptr) {
	if off+width > b.size {
		panic("regs: offset out of bounds")
	}
}

// Read32 performs a single 32-bit volatile load at byte offset off.
func (b Block) Read32(off uintptr) uint32 {
	b.checkBounds(off, 4)
	ptr := (*uint32)(unsafe.Pointer(b.base + off))
	return atomic.LoadUint32(ptr)
}

// Write32 performs a single 32-bit volatile store at byte offset off.
func (b Block) Write32(off uintptr, val uint32) {
	b.checkBounds(off, 4)
	ptr := (*uint32)(unsafe.Pointer(b.base + off))
	atomic.StoreUint32(ptr, val)
}

// Read64 performs a single 64-bit volatile load at byte offset off.
func (b Block) Read64(off uintptr) uint64 {
	b.checkBounds(off, 8)
	ptr := (*uint64)(unsafe.Pointer(b.base + off))
	return atomic.LoadUint64(ptr)
}

// Write64 performs a single 64-bit volatile store at byte offset off.
func (b Block) Write64(off uintptr, val uint64) {
	b.checkBounds(off, 8)
	ptr := (*uint64)(unsafe.Pointer(b.base + off))
	atomic.StoreUint64(ptr, val)
}

// ReadModifyWrite32 reads off, applies fn, and writes the result back. It is
// not atomic across the two bus cycles; callers needing that hold an
// external lock (see internal/smmu, which serializes via its own mutex).
func (b Block) ReadModifyWrite32(off uintptr, fn func(uint32) uint32) uint32 {
	v := fn(b.Read32(off))
	b.Write32(off, v)
	return v
}

// Base returns the block's base address, for subsystems that need to embed
// it in a device-window policy table (internal/mmio) rather than dereference
// through it directly.
func (b Block) Base() uintptr { return b.base }

// Size returns the block's window size in bytes.
func (b Block) Size() uintptr { return b.size }
