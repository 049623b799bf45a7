package services

import (
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/hipc"
)

// SubmitContextCmd is the `erpt:r` error-report service's context-submit
// command (spec §4.9 "the error-report service"; supplemented from
// original_source's modules/erpt.rs).
const SubmitContextCmd = 0

// ErrorReportHandler is a pure log-and-pass-through observer of the
// guest's error-report traffic, mirroring FatalHandler's shape.
type ErrorReportHandler struct {
	log debuglog.Source
}

// NewErrorReportHandler constructs an erpt:r observer.
func NewErrorReportHandler(log debuglog.Source) *ErrorReportHandler {
	return &ErrorReportHandler{log: log.WithTag("erpt:r")}
}

func (e *ErrorReportHandler) Name() string { return "erpt:r" }

func (e *ErrorReportHandler) Handle(msg *hipc.Message, sc *SessionContext) error {
	sp := msg.Session()
	if sp == nil || sp.CmdID != SubmitContextCmd {
		return nil
	}
	e.log.Writef("error report context submitted by pid=%d", sc.PID)
	return nil
}
