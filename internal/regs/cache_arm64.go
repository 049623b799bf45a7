//go:build arm64

package regs

// flushRangeImpl and invalidateRangeImpl are implemented in cache_arm64.s as
// tight DC CVAC / DC IVAC loops over line-aligned addresses, terminated by a
// DSB ISH and ISB per the ARM architecture reference for cache maintenance
// visible to other observers (here: other cores adopting stage-2, and the
// MMU table walker).

//go:noescape
func flushRangeImpl(addr uintptr, size uintptr)

//go:noescape
func invalidateRangeImpl(addr uintptr, size uintptr)
