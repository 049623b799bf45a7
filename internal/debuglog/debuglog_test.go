package debuglog

import "testing"

func TestWritefAndDrainPreservesOrder(t *testing.T) {
	r := NewRing(2)
	seq := 0
	r.nowFunc = func() int64 { seq++; return int64(seq) }

	src := r.Source(0).WithTag("smc")
	src.Writef("first")
	src.Writef("second")

	if !r.Drain() {
		t.Fatal("Drain() = false, want true on uncontended lock")
	}
	entries, err := r.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].String() != "first" || entries[1].String() != "second" {
		t.Fatalf("entries = %v, want [first second] in push order", entries)
	}
}

func TestWithTagComposes(t *testing.T) {
	r := NewRing(1)
	src := r.Source(0).WithTag("smmu").WithTag("rwreg")
	if src.tag != "smmu.rwreg" {
		t.Fatalf("tag = %q, want %q", src.tag, "smmu.rwreg")
	}
}

func TestPerCoreIsolation(t *testing.T) {
	r := NewRing(2)
	r.Source(0).Writef("core0")
	r.Source(1).Writef("core1")
	if len(r.subs[0].pending) != 1 || len(r.subs[1].pending) != 1 {
		t.Fatal("expected one pending record per core before Drain")
	}
}

func TestDrainDefersOnContention(t *testing.T) {
	r := NewRing(1)
	r.mu.Lock()
	if r.Drain() {
		t.Fatal("Drain() = true while combined mutex held, want false (defer to next tick)")
	}
	r.mu.Unlock()
}

func TestRecordsTruncatedHeaderError(t *testing.T) {
	r := NewRing(1)
	r.buf = []byte{0x01, 0x02}
	if _, err := r.Records(); err == nil {
		t.Fatal("expected error decoding truncated header")
	}
}

func TestSetVerbosityFilterDropsUnmatchedTags(t *testing.T) {
	r := NewRing(1)
	r.SetVerbosityFilter("smc")

	r.Source(0).WithTag("smc").Writef("forwarded")
	r.Source(0).WithTag("smmu").Writef("dropped")

	if !r.Drain() {
		t.Fatal("Drain() = false, want true on uncontended lock")
	}
	entries, err := r.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(entries) != 1 || entries[0].Tag != "smc" {
		t.Fatalf("entries = %v, want exactly one smc-tagged entry", entries)
	}
}

func TestSetVerbosityFilterEmptyMeansAll(t *testing.T) {
	r := NewRing(1)
	r.Source(0).WithTag("anything").Writef("line")
	if !r.Drain() {
		t.Fatal("Drain() = false, want true")
	}
	entries, _ := r.Records()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1 with no filter set", len(entries))
	}
}
