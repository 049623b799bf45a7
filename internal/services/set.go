package services

import (
	"github.com/tegra-hv/hbii/internal/config"
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/hipc"
)

// set:sys command ids relevant to force-reads (spec §4.9, Scenario B;
// GetDebugModeFlag supplemented from original_source's modules/set.rs).
const (
	CmdGetSettingsItemValue = 38
	CmdGetDebugModeFlag     = 62
)

// forcedSettingsCategory/forcedSettingsName name the one key spec Scenario
// B force-reads ("am.debug"/"force_disable_continuous_recording"); the
// forced value itself comes from the boot policy via ApplyPolicy.
const (
	forcedSettingsCategory = "am.debug"
	forcedSettingsName     = "force_disable_continuous_recording"
)

// SettingsHandler implements the settings-service force-read (spec §4.9
// "the settings service that force-reads certain keys"). It is driven
// across the SvcWait boundary by internal/svc's dispatch table entry for
// svcSendSyncRequest/svcReplyAndReceive; Handle itself only needs the
// already-resolved HIPC message since the caller supplies the post-SVC
// recv-buffer view.
type SettingsHandler struct {
	log                             debuglog.Source
	forceDebugMode                  bool
	forceDisableContinuousRecording bool
}

// NewSettingsHandler constructs a settings-service handler. Both forced
// values default to true, matching spec Scenario B/§4.5's described
// behavior, until ApplyPolicy overrides them from the boot policy.
func NewSettingsHandler(log debuglog.Source) *SettingsHandler {
	return &SettingsHandler{log: log.WithTag("set:sys"), forceDebugMode: true, forceDisableContinuousRecording: true}
}

// ApplyPolicy overrides the settings-handler's forced values from the
// boot policy (spec §6.4 ambient configuration).
func (s *SettingsHandler) ApplyPolicy(p config.BootPolicy) {
	s.forceDebugMode = p.ForceDebugModeEnabled()
	s.forceDisableContinuousRecording = p.ForceDisableContinuousRecordingEnabled()
}

func (s *SettingsHandler) Name() string { return "set:sys" }

func (s *SettingsHandler) Handle(msg *hipc.Message, sc *SessionContext) error {
	sp := msg.Session()
	if sp == nil {
		return nil
	}
	switch sp.CmdID {
	case CmdGetSettingsItemValue:
		return s.handleGetSettingsItemValue(msg, sc)
	case CmdGetDebugModeFlag:
		return s.handleGetDebugModeFlag(msg, sc)
	}
	return nil
}

func (s *SettingsHandler) handleGetSettingsItemValue(msg *hipc.Message, sc *SessionContext) error {
	if msg.NumStatic() < 2 || msg.NumRecv() < 1 {
		return nil
	}
	categoryView, err := msg.GetStatic(0)
	if err != nil {
		return nil
	}
	nameView, err := msg.GetStatic(1)
	if err != nil {
		return nil
	}
	category, err := categoryView.ReadStr()
	if err != nil {
		return nil
	}
	name, err := nameView.ReadStr()
	if err != nil {
		return nil
	}

	if category != forcedSettingsCategory || name != forcedSettingsName {
		return nil
	}
	forced := uint8(0)
	if s.forceDisableContinuousRecording {
		forced = 1
	}
	recv, err := msg.GetRecv(0)
	if err != nil {
		return err
	}
	if err := recv.WriteU8(0, forced); err != nil {
		return err
	}
	s.log.Writef("force-read %s::%s = %d", category, name, forced)
	return nil
}

// handleGetDebugModeFlag forces debug mode on (spec §4.9 supplemented
// feature: "GetDebugModeFlag (set:sys cmd 62) alongside
// GetSettingsItemValue").
func (s *SettingsHandler) handleGetDebugModeFlag(msg *hipc.Message, sc *SessionContext) error {
	if msg.NumRecv() < 1 {
		return nil
	}
	forced := uint8(0)
	if s.forceDebugMode {
		forced = 1
	}
	recv, err := msg.GetRecv(0)
	if err != nil {
		return err
	}
	if err := recv.WriteU8(0, forced); err != nil {
		return err
	}
	s.log.Writef("force debug-mode-flag = %d", forced)
	return nil
}
