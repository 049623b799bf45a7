package services

import (
	"encoding/binary"
	"testing"

	"github.com/tegra-hv/hbii/internal/config"
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/hipc"
	"github.com/tegra-hv/hbii/internal/ipc"
)

type memXlate struct {
	raw []byte
	mem map[uint64][]byte
}

func (m *memXlate) ReadBytes(addr uint64, n int) ([]byte, error) {
	if addr == 0 {
		if len(m.raw) < n {
			n = len(m.raw)
		}
		out := make([]byte, n)
		copy(out, m.raw)
		return out, nil
	}
	b := m.mem[addr]
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (m *memXlate) WriteBytes(addr uint64, data []byte) error {
	if m.mem == nil {
		m.mem = map[uint64][]byte{}
	}
	m.mem[addr] = append([]byte(nil), data...)
	return nil
}

// buildGetSettingsItemValueMessage constructs a HIPC buffer shaped like
// spec Scenario B: two static descriptors naming the category/key, and
// one recv descriptor for the 1-byte result.
func buildGetSettingsItemValueMessage(catAddr, keyAddr, recvAddr uint64) []byte {
	w0 := uint32(CmdGetSettingsItemValue)&0 | 4 /*type*/ | 2<<16 /*numStatic*/ | 1<<24 /*numRecv*/
	payloadWords := uint32(16 / 4)
	w1 := payloadWords & 0x3FF

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], w0)
	binary.LittleEndian.PutUint32(buf[4:8], w1)

	// Two static descriptors (8 bytes each): addr in lo32+hi nibble, size
	// in hi>>16.
	appendStatic := func(addr uint64, size uint32, idx uint8) {
		var b [8]byte
		lo := uint32(addr & 0xFFFFFFFF)
		hi := uint32(addr>>32) | uint32(idx)<<6 | size<<16
		binary.LittleEndian.PutUint32(b[0:4], lo)
		binary.LittleEndian.PutUint32(b[4:8], hi)
		buf = append(buf, b[:]...)
	}
	appendStatic(catAddr, 9, 0)
	appendStatic(keyAddr, 36, 1)

	appendBuf := func(addr uint64, size uint64) {
		var b [12]byte
		w0 := uint32(size & 0xFFFFFFFF)
		w1 := uint32(addr & 0xFFFFFFFF)
		w2 := uint32(addr>>32) & 0xF
		binary.LittleEndian.PutUint32(b[0:4], w0)
		binary.LittleEndian.PutUint32(b[4:8], w1)
		binary.LittleEndian.PutUint32(b[8:12], w2)
		buf = append(buf, b[:]...)
	}
	appendBuf(recvAddr, 1)

	for len(buf)%16 != 0 {
		buf = append(buf, 0)
	}

	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[0:4], hipc.MagicSFCI)
	binary.LittleEndian.PutUint32(payload[8:12], CmdGetSettingsItemValue)
	buf = append(buf, payload...)
	return buf
}

// TestSettingsHandlerForceRead is spec Scenario B.
func TestSettingsHandlerForceRead(t *testing.T) {
	const catAddr, keyAddr, recvAddr = 0x1000, 0x2000, 0x4000
	raw := buildGetSettingsItemValueMessage(catAddr, keyAddr, recvAddr)
	x := &memXlate{raw: raw, mem: map[uint64][]byte{
		catAddr: append([]byte("am.debug"), 0),
		keyAddr: append([]byte("force_disable_continuous_recording"), 0),
	}}

	msg, err := hipc.Parse(x, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	ring := debuglog.NewRing(1)
	h := NewSettingsHandler(ring.Source(0))
	sc := &SessionContext{Registry: ipc.New(), PID: 1, Handle: 5, Log: ring.Source(0)}
	if err := h.Handle(msg, sc); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := x.mem[recvAddr]
	if len(got) < 1 || got[0] != 1 {
		t.Fatalf("recv buffer = %v, want [1, ...]", got)
	}
}

// buildClkrstDomainMessage constructs a domain-wrapped call against
// objectID, with cmdID and a single inline u32 argument, per spec
// Scenario C. Used both for the OpenSessionCmd call that establishes
// objectID's device id and the SetClockRateCmd call that follows it.
func buildClkrstDomainMessage(objectID, cmdID, inlineArg uint32) []byte {
	w0 := uint32(4) // type
	payloadWords := uint32(48 / 4)
	w1 := payloadWords & 0x3FF

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], w0)
	binary.LittleEndian.PutUint32(buf[4:8], w1)
	for len(buf)%16 != 0 {
		buf = append(buf, 0)
	}

	payload := make([]byte, 48)
	payload[0] = hipc.DomainCommandSendMessage
	binary.LittleEndian.PutUint32(payload[4:8], objectID)
	// inner session header at offset 16
	binary.LittleEndian.PutUint32(payload[16:20], hipc.MagicSFCI)
	binary.LittleEndian.PutUint32(payload[24:28], cmdID)
	// inline argument at offset 32
	binary.LittleEndian.PutUint32(payload[32:36], inlineArg)

	buf = append(buf, payload...)
	return buf
}

// openClkrstSession runs an OpenSessionCmd call against objectID carrying
// deviceID, populating sc.Registry's domain object the way a real guest's
// prior OpenSession would before ever issuing SetClockRate.
func openClkrstSession(t *testing.T, h *ClkRstHandler, sc *SessionContext, objectID, deviceID uint32) {
	t.Helper()
	raw := buildClkrstDomainMessage(objectID, OpenSessionCmd, deviceID)
	x := &memXlate{raw: raw}
	msg, err := hipc.Parse(x, 0)
	if err != nil {
		t.Fatalf("Parse (OpenSession): %v", err)
	}
	if err := h.Handle(msg, sc); err != nil {
		t.Fatalf("Handle (OpenSession): %v", err)
	}
}

// TestClkRstHandlerOverclock is spec Scenario C.
func TestClkRstHandlerOverclock(t *testing.T) {
	const objectID = 1
	ring := debuglog.NewRing(1)
	h := NewClkRstHandler(ring.Source(0))
	sc := &SessionContext{Registry: ipc.New(), PID: 1, Handle: 1, Log: ring.Source(0)}
	openClkrstSession(t, h, sc, objectID, CPUClockDeviceID)

	raw := buildClkrstDomainMessage(objectID, SetClockRateCmd, 1_020_000_000)
	x := &memXlate{raw: raw}
	msg, err := hipc.Parse(x, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Domain() == nil {
		t.Fatal("expected a domain payload")
	}

	if err := h.Handle(msg, sc); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, err := msg.ReadU32(32)
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	if got != TargetOverclockHz {
		t.Fatalf("forced rate = %d, want %d", got, TargetOverclockHz)
	}
}

func TestClkRstHandlerIgnoresOtherDevices(t *testing.T) {
	const objectID = 1
	ring := debuglog.NewRing(1)
	h := NewClkRstHandler(ring.Source(0))
	sc := &SessionContext{Registry: ipc.New(), PID: 1, Handle: 1, Log: ring.Source(0)}
	openClkrstSession(t, h, sc, objectID, 0x99)

	raw := buildClkrstDomainMessage(objectID, SetClockRateCmd, 1_020_000_000)
	x := &memXlate{raw: raw}
	msg, err := hipc.Parse(x, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if err := h.Handle(msg, sc); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := msg.ReadU32(32)
	if got != 1_020_000_000 {
		t.Fatalf("non-CPU device rate mutated: got %d", got)
	}
}

// TestClkRstHandlerIgnoresObjectIDMismatch confirms the device id comes
// from the OpenSession-time extra payload, not from ObjectID itself: an
// object id numerically equal to CPUClockDeviceID must NOT be treated as
// the CPU clock unless a matching OpenSession actually registered it.
func TestClkRstHandlerIgnoresObjectIDMismatch(t *testing.T) {
	ring := debuglog.NewRing(1)
	h := NewClkRstHandler(ring.Source(0))
	sc := &SessionContext{Registry: ipc.New(), PID: 1, Handle: 1, Log: ring.Source(0)}

	raw := buildClkrstDomainMessage(CPUClockDeviceID, SetClockRateCmd, 1_020_000_000)
	x := &memXlate{raw: raw}
	msg, err := hipc.Parse(x, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if err := h.Handle(msg, sc); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := msg.ReadU32(32)
	if got != 1_020_000_000 {
		t.Fatalf("rate mutated without a prior OpenSession: got %d", got)
	}
}

func TestManagerNewReturnsNilForUnregisteredService(t *testing.T) {
	m := NewManager()
	ring := debuglog.NewRing(1)
	if h := m.New("not-a-real-service", ring.Source(0)); h != nil {
		t.Fatal("expected nil handler for unregistered service name")
	}
}

func TestManagerNewKnownServices(t *testing.T) {
	m := NewManager()
	ring := debuglog.NewRing(1)
	for _, name := range []string{"set:sys", "clkrst", "clkrst:i", "lm", "fsp-srv", "erpt:r", "fatal:u"} {
		if h := m.New(name, ring.Source(0)); h == nil {
			t.Fatalf("expected handler for %q", name)
		}
	}
}

// TestManagerSetPolicyOverridesOverclockTarget confirms the boot policy's
// cpu_overclock_hz actually reaches handlers the Manager constructs,
// rather than sitting unread once parsed (spec §6.4).
func TestManagerSetPolicyOverridesOverclockTarget(t *testing.T) {
	const target uint64 = 2_000_000_000
	m := NewManager()
	m.SetPolicy(config.BootPolicy{CPUOverclockHz: &target})
	ring := debuglog.NewRing(1)

	h, ok := m.New("clkrst", ring.Source(0)).(*ClkRstHandler)
	if !ok {
		t.Fatal("expected *ClkRstHandler")
	}

	const objectID = 1
	sc := &SessionContext{Registry: ipc.New(), PID: 1, Handle: 1, Log: ring.Source(0)}
	openClkrstSession(t, h, sc, objectID, CPUClockDeviceID)

	raw := buildClkrstDomainMessage(objectID, SetClockRateCmd, 1_020_000_000)
	x := &memXlate{raw: raw}
	msg, err := hipc.Parse(x, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := h.Handle(msg, sc); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, err := msg.ReadU32(32)
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	if uint64(got) != target {
		t.Fatalf("forced rate = %d, want policy target %d", got, target)
	}
}
