//go:build arm64

package regs

// On arm64 the fallback map-backed implementation is replaced with real
// MRS/MSR sequences for the handful of registers the dispatcher and virtual
// SMC/sysreg handlers actually name (internal/sysreg, internal/smc). Any
// register not in this table still round-trips through the map so that
// bring-up of a newly recognized register (spec §4.4 "unknown accesses are
// logged") never panics.
func init() {
	ReadSysRegImpl = readSysRegARM64
	WriteSysRegImpl = writeSysRegARM64
}

func readSysRegARM64(r SysReg) uint64 {
	switch r {
	case RegVBAREL1:
		return readVbarEL1()
	case RegCONTEXTIDREL1:
		return readContextidrEL1()
	case RegCNTPCTEL0:
		return readCntpctEL0()
	case RegCNTPCVALEL0:
		return readCntpCvalEL0()
	case RegCNTPTVALEL0:
		return readCntpTvalEL0()
	default:
		return readSysRegFallback(r)
	}
}

func writeSysRegARM64(r SysReg, val uint64) {
	switch r {
	case RegVBAREL1:
		writeVbarEL1(val)
	case RegCONTEXTIDREL1:
		writeContextidrEL1(val)
	case RegCNTPCVALEL0:
		writeCntpCvalEL0(val)
	case RegCNTPTVALEL0:
		writeCntpTvalEL0(val)
	default:
		writeSysRegFallback(r, val)
	}
}

//go:noescape
func readVbarEL1() uint64

//go:noescape
func writeVbarEL1(uint64)

//go:noescape
func readContextidrEL1() uint64

//go:noescape
func writeContextidrEL1(uint64)

//go:noescape
func readCntpctEL0() uint64

//go:noescape
func readCntpCvalEL0() uint64

//go:noescape
func writeCntpCvalEL0(uint64)

//go:noescape
func readCntpTvalEL0() uint64

//go:noescape
func writeCntpTvalEL0(uint64)
