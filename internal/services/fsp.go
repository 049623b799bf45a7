package services

import (
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/hipc"
)

// fsp-srv command ids the pass-through observes (spec §4.9 "the
// filesystem pass-through that observes OpenCodeFileSystem and
// OpenFile").
const (
	CmdOpenCodeFileSystem = 201
	CmdOpenFile           = 8
)

// FSPHandler is a pure observer: it never mutates the guest's filesystem
// traffic, only logs which code-filesystem/program-id and which file path
// the guest opens, for introspection (spec §4.9).
type FSPHandler struct {
	log debuglog.Source
}

// NewFSPHandler constructs a filesystem-service pass-through observer.
func NewFSPHandler(log debuglog.Source) *FSPHandler {
	return &FSPHandler{log: log.WithTag("fsp-srv")}
}

func (f *FSPHandler) Name() string { return "fsp-srv" }

func (f *FSPHandler) Handle(msg *hipc.Message, sc *SessionContext) error {
	sp := msg.Session()
	if sp == nil {
		return nil
	}
	switch sp.CmdID {
	case CmdOpenCodeFileSystem:
		if len(sp.Inline) >= 16 {
			programID, err := msg.ReadU64(16)
			if err == nil {
				f.log.Writef("OpenCodeFileSystem program_id=%#x", programID)
			}
		}
	case CmdOpenFile:
		if msg.NumSend() > 0 {
			path, err := f.readPath(msg)
			if err == nil {
				f.log.Writef("OpenFile path=%q", path)
			}
		}
	}
	return nil
}

func (f *FSPHandler) readPath(msg *hipc.Message) (string, error) {
	send, err := msg.GetSend(0)
	if err != nil {
		return "", err
	}
	return send.ReadStr()
}
