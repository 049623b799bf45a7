// Package stage2 builds and maintains the hypervisor's stage-2 (IPA→PA)
// translation tables and the IPA-hiding bias that keeps the hypervisor's own
// reserved memory band invisible to the guest. It is consumed by every
// other subsystem that needs to turn a guest-supplied address into a real
// physical one before dereferencing or programming it into a device
// (internal/smmu, internal/smc, internal/mmio).
package stage2

import (
	"fmt"

	"github.com/tegra-hv/hbii/internal/regs"
)

// Table sizes per spec §3.1.
const (
	// L1Entries is the fixed level-1 table size; each slot covers 1 GiB.
	L1Entries = 32
	// L2Entries is the per-level-2-table entry count; each entry covers 2 MiB.
	L2Entries = 512
	// L3Entries is the per-level-3-table entry count; each entry covers 4 KiB.
	L3Entries = 512

	l1RangeSize = 0x4000_0000
	l2RangeSize = 0x20_0000
	l3RangeSize = 0x1000

	// hiddenBandStart is the guest-PA below which addresses are identity
	// mapped; at and above it, ipaToPA applies the hide-the-hypervisor bias.
	hiddenBandStart = 0xD000_0000
	hideBias        = 0x0800_0000
	maxPA           = 0x2_0000_0000
)

// Attribute bits carried in a leaf descriptor's lower attribute field,
// distinguishing normal DRAM from device/IO memory (spec §4.1).
const (
	AttrIO  = 0x1
	AttrMem = 0x2
)

// EntryKind distinguishes the three legal states an entry may be in
// (spec §3.2 invariant, restated here for stage-2 leaves): zero/unmapped, a
// table descriptor, or a block/page leaf.
type EntryKind int

const (
	EntryUnmapped EntryKind = iota
	EntryTable
	EntryBlock
)

// entry is one level-1/2/3 table slot. desc carries the encoded descriptor
// the CPU's table walker actually reads; kind and attr are bookkeeping the
// Go side keeps to avoid re-decoding desc everywhere.
type entry struct {
	desc uint64
	kind EntryKind
	attr uint32
}

func (e *entry) setTable(childPA uintptr) {
	e.desc = uint64(childPA) | 0x3 // valid + table descriptor
	e.kind = EntryTable
}

func (e *entry) setBlock(outputPA uintptr, attr uint32) {
	e.desc = uint64(outputPA) | 0x1 // valid + block/page descriptor
	e.kind = EntryBlock
	e.attr = attr
}

func (e *entry) clear() {
	*e = entry{}
}

// unmapWindow is a guest-PA range that must stay zero so the CPU traps on
// any access, forcing trap-and-emulate through internal/mmio.
type unmapWindow struct {
	name       string
	start, end uintptr
}

// remapException is a sub-range inside an unmap window that is restored to
// a normal mapping because the guest needs it functional (spec §4.1 "Two
// explicit exceptions").
type remapException struct {
	name       string
	start, end uintptr
}

// Default device windows on Tegra X1, grounded on original_source's memory
// map constants (usbd/xusb device-controller block, USB PHY, one GPIO
// page) plus the two explicit re-map exceptions (EMC training registers,
// a misc I/O page).
var (
	defaultUnmapWindows = []unmapWindow{
		{"usb-device-controller", 0x7000_9000, 0x7000_A000},
		{"usb-phy", 0x7009_F000, 0x700A_0000},
		{"gpio-aperture", 0x6000_D000, 0x6000_E000},
	}
	defaultRemapExceptions = []remapException{
		{"emc-training", 0x7001_9000, 0x7001_A000},
		{"misc-io", 0x702E_C000, 0x702E_D000},
	}
)

// L3Table is one preallocated level-3 slab: 512 leaf entries covering 4 KiB
// each, 2 MiB total reach.
type L3Table struct {
	entries [L3Entries]entry
}

// L2Table is one preallocated level-2 slab: 512 entries, each either
// pointing at an L3Table or left as a direct block covering 2 MiB.
type L2Table struct {
	entries [L2Entries]entry
	l3      [L2Entries]*L3Table
}

// L1Table is the fixed 32-entry top level, one entry per populated 1 GiB
// region.
type L1Table struct {
	entries [L1Entries]entry
	l2      [L1Entries]*L2Table
}

// Pager owns the constructed stage-2 tables and the IPA-hiding bias. It is
// built once by core 0 at cold boot (spec §3.1 "Lifetime").
type Pager struct {
	l1       *L1Table
	built    bool
	unmap    []unmapWindow
	remapped []remapException
}

// New allocates an empty Pager. Construct populates it.
func New() *Pager {
	return &Pager{
		l1:       &L1Table{},
		unmap:    defaultUnmapWindows,
		remapped: defaultRemapExceptions,
	}
}

// IPAToPA implements the hypervisor's sole memory-hiding mechanism (spec
// §4.1 contract). Every subsystem that dereferences or programs a
// guest-supplied address must route it through here first.
func IPAToPA(ipa uintptr) uintptr {
	if ipa < hiddenBandStart {
		return ipa
	}
	pa := ipa + hideBias
	if pa >= maxPA {
		return 0
	}
	return pa
}

// PAToIPAInverse undoes the bias for the round-trip law spec §8 requires:
// IPAToPA(PAToIPAInverse(pa)) == pa for pa in the biased range. It exists
// only for that verification; no production subsystem needs the inverse.
func PAToIPAInverse(pa uintptr) uintptr {
	if pa < hiddenBandStart {
		return pa
	}
	return pa - hideBias
}

func inWindow(ipa uintptr, w unmapWindow) bool {
	return ipa >= w.start && ipa < w.end
}

func inException(ipa uintptr, e remapException) bool {
	return ipa >= e.start && ipa < e.end
}

// isUnmapped reports whether ipa falls in a window that must stay
// unmapped, after accounting for the explicit re-map exceptions.
func (p *Pager) isUnmapped(ipa uintptr) bool {
	for _, e := range p.remapped {
		if inException(ipa, e) {
			return false
		}
	}
	for _, w := range p.unmap {
		if inWindow(ipa, w) {
			return true
		}
	}
	return false
}

// Construct builds the full L1/L2/L3 tree, allocating one L2 per populated
// L1 slot and one L3 per L2 entry, per spec §4.1. populatedL1Slots bounds
// how many of the 32 L1 slots get a backing L2 (the guest's usable IPA
// space on Tegra X1 fits in the first few GiB; remaining slots stay zero,
// matching original_source's vttbr_construct which only populates i<=8).
func (p *Pager) Construct(populatedL1Slots int) error {
	if populatedL1Slots > L1Entries {
		return fmt.Errorf("stage2: construct: %d populated slots exceeds L1 capacity %d", populatedL1Slots, L1Entries)
	}
	for i := 0; i < populatedL1Slots; i++ {
		l2 := &L2Table{}
		p.l1.l2[i] = l2
		l1Base := uintptr(i) * l1RangeSize
		if err := p.populateL2(l2, l1Base); err != nil {
			return fmt.Errorf("stage2: construct: l1 slot %d: %w", i, err)
		}
		p.l1.entries[i].setTable(addrOfL2(l2))
	}
	p.built = true
	regs.FlushRange(addrOfL1(p.l1), L1Entries*8)
	return nil
}

func (p *Pager) populateL2(l2 *L2Table, l1Base uintptr) error {
	for j := 0; j < L2Entries; j++ {
		l2Base := l1Base + uintptr(j)*l2RangeSize
		l3 := &L3Table{}
		l2.l3[j] = l3
		p.populateL3(l3, l2Base)
		l2.entries[j].setTable(addrOfL3(l3))
	}
	return nil
}

func (p *Pager) populateL3(l3 *L3Table, l2Base uintptr) {
	for k := 0; k < L3Entries; k++ {
		ipa := l2Base + uintptr(k)*l3RangeSize
		if p.isUnmapped(ipa) {
			l3.entries[k].clear()
			continue
		}
		pa := IPAToPA(ipa)
		if pa == 0 {
			l3.entries[k].clear()
			continue
		}
		attr := AttrIO
		if ipa >= 0x8000_0000 {
			attr = AttrMem
		}
		l3.entries[k].setBlock(pa, uint32(attr))
	}
}

// VTTBR returns the physical base address to install into VTTBR_EL2. It is
// only valid after Construct.
func (p *Pager) VTTBR() (uintptr, error) {
	if !p.built {
		return 0, fmt.Errorf("stage2: vttbr requested before construct")
	}
	return addrOfL1(p.l1), nil
}

// AdoptOnSecondaryCore invalidates the table range before a secondary core
// installs the same VTTBR, per spec §3.1/§9 cross-core sharing contract.
func (p *Pager) AdoptOnSecondaryCore() error {
	if !p.built {
		return fmt.Errorf("stage2: adopt requested before construct")
	}
	regs.InvalidateRange(addrOfL1(p.l1), L1Entries*8)
	for i := range p.l1.l2 {
		if p.l1.l2[i] == nil {
			continue
		}
		regs.InvalidateRange(addrOfL2(p.l1.l2[i]), L2Entries*8)
		for j := range p.l1.l2[i].l3 {
			if p.l1.l2[i].l3[j] == nil {
				continue
			}
			regs.InvalidateRange(addrOfL3(p.l1.l2[i].l3[j]), L3Entries*8)
		}
	}
	return nil
}

// leafRun tracks a coalesced run of contiguous L3 leaf entries sharing a
// kind and attribute, so DumpTree reports ranges rather than one line per
// 4 KiB page (spec §6.3: "print... {IPA→PA ranges...}").
type leafRun struct {
	startIPA, startPA uintptr
	kind              EntryKind
	attr              uint32
	open              bool
}

// DumpTree renders the constructed L1/L2/L3 tree as the `ttbr` debug
// command's output: one header line per populated 1 GiB L1 slot (each
// backed by a full 512-entry L2 table of L3 subtables, per Construct),
// followed by the coalesced {IPA→PA, attr} leaf ranges spanning that
// slot's 512 L2 × 512 L3 leaves.
func (p *Pager) DumpTree() []string {
	if !p.built {
		return []string{"stage2: tree not constructed"}
	}
	var lines []string
	for i, l2 := range p.l1.l2 {
		if l2 == nil {
			continue
		}
		l1Base := uintptr(i) * l1RangeSize
		lines = append(lines, fmt.Sprintf("L1[%d] ipa=%#x..%#x table -> l2 (512 subtables)", i, l1Base, l1Base+l1RangeSize))

		var run leafRun
		flush := func(endIPA uintptr) {
			if !run.open {
				return
			}
			lines = append(lines, fmt.Sprintf("  ipa=%#x..%#x -> pa=%#x.. kind=%d attr=%#x", run.startIPA, endIPA, run.startPA, run.kind, run.attr))
			run.open = false
		}

		for j, l3 := range l2.l3 {
			l2Base := l1Base + uintptr(j)*l2RangeSize
			if l3 == nil {
				flush(l2Base)
				continue
			}
			for k := range l3.entries {
				e := &l3.entries[k]
				ipa := l2Base + uintptr(k)*l3RangeSize
				pa := uintptr(e.desc &^ 0xFFF)

				contiguous := run.open && e.kind == run.kind && e.attr == run.attr &&
					(e.kind == EntryUnmapped || pa == run.startPA+(ipa-run.startIPA))
				if !contiguous {
					flush(ipa)
					run = leafRun{startIPA: ipa, startPA: pa, kind: e.kind, attr: e.attr, open: true}
				}
			}
		}
		flush(l1Base + l1RangeSize)
	}
	return lines
}

// Lookup walks the constructed tree purely for diagnostics (the `ttbr`
// debug command, spec §6.3) without touching the hardware VTTBR. It
// returns the resolved kind and, for blocks, the output PA.
func (p *Pager) Lookup(ipa uintptr) (EntryKind, uintptr, error) {
	if !p.built {
		return EntryUnmapped, 0, fmt.Errorf("stage2: lookup before construct")
	}
	l1idx := ipa / l1RangeSize
	if l1idx >= L1Entries || p.l1.l2[l1idx] == nil {
		return EntryUnmapped, 0, nil
	}
	l2 := p.l1.l2[l1idx]
	l2idx := (ipa % l1RangeSize) / l2RangeSize
	if l2.l3[l2idx] == nil {
		return EntryUnmapped, 0, nil
	}
	l3 := l2.l3[l2idx]
	l3idx := (ipa % l2RangeSize) / l3RangeSize
	e := l3.entries[l3idx]
	if e.kind == EntryUnmapped {
		return EntryUnmapped, 0, nil
	}
	return e.kind, uintptr(e.desc &^ 0xFFF), nil
}
