package bringup

import (
	"encoding/binary"
	"testing"
)

// ARM64 encodings matching internal/svc's unexported trampoline constants,
// duplicated here since those names aren't exported.
const (
	insnDAIFClr2 = 0xD50342DF
	insnDAIFSet2 = 0xD50343DF
	insnBLRX11   = 0xD63F0160
)

func encodeTrampoline(blr uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], insnDAIFClr2)
	binary.LittleEndian.PutUint32(buf[4:8], blr)
	binary.LittleEndian.PutUint32(buf[8:12], insnDAIFSet2)
	return buf
}

type fakeGIC struct{}

func (fakeGIC) ReadLR(slot int) uint32             { return 0 }
func (fakeGIC) WriteLR(slot int, val uint32)       {}
func (fakeGIC) EISR0() uint32                      { return 0 }
func (fakeGIC) ELSR0() uint32                      { return 0xFFFF }
func (fakeGIC) SetDIR(val uint32)                  {}
func (fakeGIC) SetHCRUnderflowEnable(enabled bool) {}

func testImage() []byte {
	image := make([]byte, 32)
	copy(image[8:], encodeTrampoline(insnBLRX11))
	return image
}

func TestNewWiresEverySubsystem(t *testing.T) {
	var resetCalls []string
	h, err := New(Image{Kernel: testImage()}, Options{
		GIC:           fakeGIC{},
		AHBArbDisable: func(uint32) {},
		ResetAndHalt:  func(msg string) { resetCalls = append(resetCalls, msg) },
		NowNS:         func() uint64 { return 1000 },
		NumCores:      1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.Dispatcher() == nil {
		t.Fatal("expected a wired trap.Dispatcher")
	}
	if len(h.Patches()) != 1 {
		t.Fatalf("got %d patches, want 1", len(h.Patches()))
	}
	if h.GIC == nil {
		t.Fatal("expected a constructed GIC controller when Options.GIC is set")
	}
	if _, err := h.Pager.VTTBR(); err != nil {
		t.Fatalf("VTTBR: %v", err)
	}
}

func TestNewWithoutGICStillWires(t *testing.T) {
	h, err := New(Image{Kernel: testImage()}, Options{NumCores: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.GIC != nil {
		t.Fatal("expected nil GIC controller when Options.GIC is unset")
	}
	if h.Dispatcher() == nil {
		t.Fatal("expected a wired dispatcher even without a GIC")
	}
}

func TestNewRejectsImageWithNoTrampolines(t *testing.T) {
	if _, err := New(Image{Kernel: make([]byte, 16)}, Options{}); err == nil {
		t.Fatal("expected an error when no svc trampoline pattern is present")
	}
}

func TestNewRejectsMalformedPolicyBlob(t *testing.T) {
	img := Image{Kernel: testImage(), PolicyBlob: []byte("not: [valid: yaml")}
	if _, err := New(img, Options{}); err == nil {
		t.Fatal("expected an error for a malformed boot policy blob")
	}
}

func TestCommandProtocol(t *testing.T) {
	h, err := New(Image{Kernel: testImage()}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cmds := h.Commands()

	if got := cmds.Execute("help"); got != helpText {
		t.Fatalf("help = %q, want %q", got, helpText)
	}
	if got := cmds.Execute("proc list"); got != "no live processes" {
		t.Fatalf("proc list (empty) = %q", got)
	}

	h.RegisterProcess(7, "qlaunch")
	if got := cmds.Execute("proc list"); got == "no live processes" {
		t.Fatal("expected proc list to report the registered process")
	}
	if got := cmds.Execute("ttbr qlaunch"); got == "" {
		t.Fatal("expected non-empty ttbr output for a known process name")
	}
	if got := cmds.Execute("ttbr 7"); got == "" {
		t.Fatal("expected non-empty ttbr output for a known pid")
	}
	if got := cmds.Execute("ttbr nope"); got != `ttbr: no such process "nope"` {
		t.Fatalf("ttbr unknown = %q", got)
	}

	h.UnregisterProcess(7)
	if got := cmds.Execute("proc list"); got != "no live processes" {
		t.Fatalf("proc list after unregister = %q", got)
	}
}

func TestCommandProtocolRCM(t *testing.T) {
	var called string
	h, err := New(Image{Kernel: testImage()}, Options{
		ResetAndHalt: func(msg string) { called = msg },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := h.Commands().Execute("rcm"); got != "rebooting into recovery mode" {
		t.Fatalf("rcm = %q", got)
	}
	if called == "" {
		t.Fatal("expected ResetAndHalt to be invoked")
	}
}

func TestDialServiceHooksKnownService(t *testing.T) {
	h, err := New(Image{Kernel: testImage()}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.DialService(1, 3, "set:sys", 0x42)
	if _, ok := h.Registry.GetHandle(1, 0x42); !ok {
		t.Fatal("expected a handle hooked for a known bundled service")
	}
}
