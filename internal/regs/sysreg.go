package regs

// SysReg identifies an AArch64 system register by its (op0, op1, CRn, CRm,
// op2) encoding, the same five-field key the trap dispatcher reads out of
// ESR_EL2's ISS for an MSR/MRS trap (spec §4.4).
type SysReg struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

// Well-known registers the trap dispatcher and SMC handler reference by
// name rather than by raw encoding.
var (
	RegVBAREL1       = SysReg{3, 0, 12, 0, 0}
	RegCONTEXTIDREL1 = SysReg{3, 0, 13, 0, 1}
	RegCNTPCTEL0     = SysReg{3, 3, 14, 0, 1}
	RegCNTPCVALEL0   = SysReg{3, 3, 14, 2, 2}
	RegCNTPTVALEL0   = SysReg{3, 3, 14, 2, 0}
)

// ReadSysRegImpl and WriteSysRegImpl are implemented per-arch (arm64: real
// MRS/MSR; elsewhere: an in-memory stand-in used by tests) since Go has no
// portable encoding for arbitrary system-register access.
var (
	ReadSysRegImpl  func(SysReg) uint64
	WriteSysRegImpl func(SysReg, uint64)
)

func init() {
	ReadSysRegImpl = readSysRegFallback
	WriteSysRegImpl = writeSysRegFallback
}

// ReadSysReg performs a read of the named system register.
func ReadSysReg(r SysReg) uint64 { return ReadSysRegImpl(r) }

// WriteSysReg performs a write of the named system register.
func WriteSysReg(r SysReg, val uint64) { WriteSysRegImpl(r, val) }

var sysRegShadow = map[SysReg]uint64{}

// readSysRegFallback and writeSysRegFallback back a plain map. On arm64 this
// is overridden at process init (see sysreg_arm64.go) with real MRS/MSR
// sequences generated per-encoding, since AArch64 system-register access
// instructions take the register fields as immediate operands and cannot
// be parameterized at runtime through a single function.
func readSysRegFallback(r SysReg) uint64 {
	return sysRegShadow[r]
}

func writeSysRegFallback(r SysReg, val uint64) {
	sysRegShadow[r] = val
}
