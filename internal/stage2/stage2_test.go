package stage2

import "testing"

func TestIPAToPAIdentityBelowHiddenBand(t *testing.T) {
	cases := []uintptr{0, 0x1000, 0xC000_0000, hiddenBandStart - 1}
	for _, ipa := range cases {
		if got := IPAToPA(ipa); got != ipa {
			t.Errorf("IPAToPA(%#x) = %#x, want identity", ipa, got)
		}
	}
}

func TestIPAToPABiasAboveHiddenBand(t *testing.T) {
	ipa := uintptr(0xD000_1000)
	want := ipa + hideBias
	if got := IPAToPA(ipa); got != want {
		t.Fatalf("IPAToPA(%#x) = %#x, want %#x", ipa, got, want)
	}
}

func TestIPAToPAOutOfRangeReturnsZero(t *testing.T) {
	// An ipa whose biased result would exceed maxPA must map to 0 (unmapped).
	ipa := uintptr(maxPA - hideBias + 1)
	if got := IPAToPA(ipa); got != 0 {
		t.Fatalf("IPAToPA(%#x) = %#x, want 0", ipa, got)
	}
}

func TestIPAToPARoundTrip(t *testing.T) {
	// spec §8: IPAToPA(PAToIPAInverse(pa)) == pa for pa in range.
	cases := []uintptr{0, 0x1000, 0x7FFF_FFFF, 0xD800_0000, 0x1_0000_0000}
	for _, pa := range cases {
		if got := IPAToPA(PAToIPAInverse(pa)); got != pa {
			t.Errorf("round trip failed for pa=%#x: got %#x", pa, got)
		}
	}
}

func TestDumpTreeBeforeConstruct(t *testing.T) {
	p := New()
	lines := p.DumpTree()
	if len(lines) != 1 {
		t.Fatalf("DumpTree before Construct = %v, want a single not-constructed line", lines)
	}
}

func TestDumpTreeIsCoalescedAndBounded(t *testing.T) {
	p := New()
	if err := p.Construct(1); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	lines := p.DumpTree()
	if len(lines) < 2 {
		t.Fatalf("DumpTree for one populated L1 slot returned too few lines: %v", lines)
	}
	// One L1 slot covers 512*512 leaf entries; coalescing must keep the
	// report small (a handful of ranges plus the unmap-window splits),
	// not one line per leaf.
	if len(lines) > 50 {
		t.Fatalf("DumpTree did not coalesce: got %d lines for a single 1 GiB slot", len(lines))
	}
}

func TestConstructAndLookup(t *testing.T) {
	p := New()
	if err := p.Construct(2); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if _, err := p.VTTBR(); err != nil {
		t.Fatalf("VTTBR: %v", err)
	}

	kind, pa, err := p.Lookup(0x1000)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if kind != EntryBlock {
		t.Fatalf("Lookup(0x1000) kind = %v, want EntryBlock", kind)
	}
	if pa != 0x1000 {
		t.Fatalf("Lookup(0x1000) pa = %#x, want identity 0x1000", pa)
	}
}

func TestConstructUnmapWindowsStayUnmapped(t *testing.T) {
	p := New()
	if err := p.Construct(2); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	kind, _, err := p.Lookup(0x7000_9000)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if kind != EntryUnmapped {
		t.Fatalf("Lookup(usb-device-controller) kind = %v, want EntryUnmapped", kind)
	}
}

func TestConstructRemapExceptionIsMapped(t *testing.T) {
	p := New()
	if err := p.Construct(2); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	kind, _, err := p.Lookup(0x7001_9000)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if kind != EntryBlock {
		t.Fatalf("Lookup(emc-training) kind = %v, want EntryBlock (re-mapped)", kind)
	}
}

func TestConstructExceedsL1Capacity(t *testing.T) {
	p := New()
	if err := p.Construct(L1Entries + 1); err == nil {
		t.Fatal("expected error constructing beyond L1 capacity")
	}
}

func TestLookupBeforeConstruct(t *testing.T) {
	p := New()
	if _, _, err := p.Lookup(0); err == nil {
		t.Fatal("expected error looking up before construct")
	}
}

func TestAdoptOnSecondaryCore(t *testing.T) {
	p := New()
	if err := p.Construct(1); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if err := p.AdoptOnSecondaryCore(); err != nil {
		t.Fatalf("AdoptOnSecondaryCore: %v", err)
	}
}
