package stage2

import "unsafe"

// addrOfL1/L2/L3 recover the physical address of a hypervisor-owned table
// slab to install into a descriptor or hand to regs.FlushRange/
// InvalidateRange. This is the one place stage2 reaches for unsafe,
// confined to exactly the raw-pointer primitive spec §9 calls for; no
// guest-controlled value ever flows into these.
func addrOfL1(t *L1Table) uintptr { return uintptr(unsafe.Pointer(t)) }
func addrOfL2(t *L2Table) uintptr { return uintptr(unsafe.Pointer(t)) }
func addrOfL3(t *L3Table) uintptr { return uintptr(unsafe.Pointer(t)) }
