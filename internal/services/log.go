package services

import (
	"fmt"

	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/hipc"
)

// LogCmd is the `lm` (log manager) service's structured-log-chunk command
// (spec §4.9 "the log service that decodes structured log chunks").
const LogCmd = 0

// Structured log packet field tags, grounded on original_source's
// modules/log.rs chunk format: a TLV stream of {tag:u8, len:varint}
// entries following a fixed severity/verbosity header.
const (
	logTagLine     = 0
	logTagFilename = 1
	logTagFunction = 2
	logTagModule   = 3
	logTagMessage  = 6
)

// LogHandler decodes the guest's structured log-manager chunks and
// re-emits them through the hypervisor's own debuglog ring, so guest log
// traffic is visible on the same host debug channel as hypervisor
// diagnostics (spec §4.9).
type LogHandler struct {
	log debuglog.Source
}

// NewLogHandler constructs a log-manager chunk decoder.
func NewLogHandler(log debuglog.Source) *LogHandler {
	return &LogHandler{log: log.WithTag("lm")}
}

func (l *LogHandler) Name() string { return "lm" }

func (l *LogHandler) Handle(msg *hipc.Message, sc *SessionContext) error {
	sp := msg.Session()
	if sp == nil || sp.CmdID != LogCmd {
		return nil
	}
	if msg.NumSend() == 0 {
		return nil
	}
	send, err := msg.GetSend(0)
	if err != nil {
		return nil
	}
	chunk, err := readDescriptorBytes(send)
	if err != nil {
		return err
	}
	text, err := decodeLogChunk(chunk)
	if err != nil {
		l.log.Writef("undecodable chunk: %v", err)
		return nil
	}
	l.log.Writef("guest: %s", text)
	return nil
}

func readDescriptorBytes(v hipc.DescriptorView) ([]byte, error) {
	s, err := v.ReadStr()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// decodeLogChunk walks the TLV stream and concatenates the message-tagged
// fields, skipping header bytes and non-message tags. This is a
// simplified decode relative to original_source's full metadata walk,
// sufficient for introspection logging (spec §4.9 scope).
func decodeLogChunk(chunk []byte) (string, error) {
	if len(chunk) < 1 {
		return "", fmt.Errorf("services: log chunk too short")
	}
	var out []byte
	i := 0
	for i+2 <= len(chunk) {
		tag := chunk[i]
		length := int(chunk[i+1])
		i += 2
		if i+length > len(chunk) {
			break
		}
		if tag == logTagMessage {
			out = append(out, chunk[i:i+length]...)
		}
		i += length
	}
	if len(out) == 0 {
		return "", fmt.Errorf("services: no message field in chunk")
	}
	return string(out), nil
}
