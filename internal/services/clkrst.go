package services

import (
	"github.com/tegra-hv/hbii/internal/config"
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/hipc"
	"github.com/tegra-hv/hbii/internal/ipc"
)

// clkrst domain command ids, grounded on original_source's pcv.rs
// handle_clkrst/handle_clksession cmd_id switches. OpenSessionCmd opens a
// per-device sub-object (the original reads the requested device id as
// `pkt.read_u32(0)` at this point and stashes it on the resulting
// object); SetClockRateCmd is issued against that sub-object afterward.
const (
	OpenSessionCmd  = 0
	SetClockRateCmd = 1
)

// CPUClockDeviceID is the device id Scenario C's GetClockRate/SetClockRate
// pair targets.
const CPUClockDeviceID = 0x40000001

// TargetOverclockHz is the forced CPU clock rate, matching spec Scenario C
// ("rewrites the payload's u32 at offset 0 to 1_785_000_000"). It is the
// default target a ClkRstHandler uses until ApplyPolicy overrides it from
// the boot policy's cpu_overclock_hz field.
const TargetOverclockHz = config.DefaultCPUOverclockHz

// inlineOffset is where the inline argument sits within a domain-wrapped
// session payload: 16-byte domain header + 16-byte inner session header
// (spec §4.9 domain payload layout).
const inlineOffset = 32

// ClkRstHandler implements spec Scenario C: it observes SetClockRate calls
// on the CPU clock domain and rewrites the requested rate to the
// overclock target before the guest's real clkrst service processes it
// (supplemented with the clkrst:i alias per original_source's pcv.rs).
//
// A domain object's actual device id is established once, at
// OpenSessionCmd, and stashed on the ipc.Registry's domain-object entry
// (ipc.ExtraPayload.U32) the same way the original stores it on the
// HObject's extra field; later SetClockRate calls look the device id up
// by domain object id rather than trusting the object id itself to be
// the device id (domain object ids are small session-scoped handles
// assigned by the domain dispatcher, not hardware device ids).
type ClkRstHandler struct {
	log       debuglog.Source
	deviceIDs map[uint32]bool
	targetHz  uint64
}

// NewClkRstHandler constructs a handler that overclocks CPUClockDeviceID
// only; other device ids pass through untouched. The target rate defaults
// to TargetOverclockHz until ApplyPolicy sets one from the boot policy.
func NewClkRstHandler(log debuglog.Source) *ClkRstHandler {
	return &ClkRstHandler{log: log.WithTag("clkrst"), deviceIDs: map[uint32]bool{CPUClockDeviceID: true}, targetHz: TargetOverclockHz}
}

func (c *ClkRstHandler) Name() string { return "clkrst" }

// ApplyPolicy overrides the overclock target from the boot policy's
// cpu_overclock_hz field (spec §6.4 ambient configuration; Scenario C's
// 1.785 GHz is this field's default, from config.DefaultCPUOverclockHz).
func (c *ClkRstHandler) ApplyPolicy(p config.BootPolicy) {
	c.targetHz = p.OverclockTargetHz()
}

func (c *ClkRstHandler) Handle(msg *hipc.Message, sc *SessionContext) error {
	dp := msg.Domain()
	if dp == nil || dp.Command != hipc.DomainCommandSendMessage {
		return nil
	}
	switch dp.Inner.CmdID {
	case OpenSessionCmd:
		return c.handleOpenSession(msg, dp, sc)
	case SetClockRateCmd:
		return c.handleSetClockRate(msg, dp, sc)
	}
	return nil
}

// handleOpenSession records the device id the guest is opening dp.ObjectID
// for, so a later SetClockRate on the same object can be checked against
// the real device id instead of the object id itself.
func (c *ClkRstHandler) handleOpenSession(msg *hipc.Message, dp *hipc.DomainPayload, sc *SessionContext) error {
	dev, err := msg.ReadU32(inlineOffset)
	if err != nil {
		return err
	}
	obj := &ipc.HObject{Kind: ipc.KindDomainSession, Extra: ipc.ExtraPayload{HasU32: true, U32: dev}}
	sc.Registry.PutDomainObject(sc.PID, sc.Handle, dp.ObjectID, obj)
	return nil
}

func (c *ClkRstHandler) handleSetClockRate(msg *hipc.Message, dp *hipc.DomainPayload, sc *SessionContext) error {
	obj, ok := sc.Registry.GetDomainObject(sc.PID, sc.Handle, dp.ObjectID)
	if !ok || !obj.Extra.HasU32 || !c.deviceIDs[obj.Extra.U32] {
		return nil
	}

	requested, err := msg.ReadU32(inlineOffset)
	if err != nil {
		return err
	}
	target := uint32(c.targetHz)
	if requested == target {
		return nil
	}
	if err := msg.WriteU32(inlineOffset, target); err != nil {
		return err
	}
	c.log.Writef("overclock: device=%#x requested=%d forced=%d", obj.Extra.U32, requested, target)
	return nil
}
