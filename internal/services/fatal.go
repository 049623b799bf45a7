package services

import (
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/hipc"
)

// ThrowFatalCmd is the `fatal:u` service's error-report command (spec
// §4.9 "the fatal-error service"; supplemented from original_source's
// modules/fatal.rs).
const ThrowFatalCmd = 1

// FatalHandler logs guest-reported fatal errors without intercepting
// them — a pure log-and-pass-through observer, per spec §4.9's
// "Supplemented features" entry for erpt/fatal.
type FatalHandler struct {
	log debuglog.Source
}

// NewFatalHandler constructs a fatal:u observer.
func NewFatalHandler(log debuglog.Source) *FatalHandler {
	return &FatalHandler{log: log.WithTag("fatal:u")}
}

func (f *FatalHandler) Name() string { return "fatal:u" }

func (f *FatalHandler) Handle(msg *hipc.Message, sc *SessionContext) error {
	sp := msg.Session()
	if sp == nil || sp.CmdID != ThrowFatalCmd {
		return nil
	}
	errCode, err := msg.ReadU32(16)
	if err != nil {
		return nil
	}
	f.log.Writef("guest fatal: result=%#x pid=%d", errCode, sc.PID)
	return nil
}
