package debuglog

import (
	"bytes"
	"fmt"
	"io"

	"github.com/charmbracelet/x/ansi"
)

// Wire framing constants for the host-facing USB debug channel (spec §6.2),
// grounded on original_source's usbd/debug.rs DebugGadget wire protocol.
const (
	VendorID     = 0x057e
	ProductID    = 0x2000
	DeviceVers   = 0x0101
	BulkOutEP    = 0x01
	BulkInEP     = 0x81
	MaxPacket    = 64
	cmdPrefix    = 0x01
	maxCmdLen    = 62
	enumMagicLE  = 0x0FF00FF0
	connectAckLE = 0xF00FF00F
)

// Channel is the USB bulk debug channel: it decodes the out-of-band command
// framing and in-band log text cue bytes, and falls back to the on-chip
// UART when the channel is marked inactive (spec §7 error kind 5).
type Channel struct {
	ring   *Ring
	active bool
	attached bool

	cmdBuf   bytes.Buffer
	lineBuf  bytes.Buffer

	uartFallback io.Writer
	commands     CommandHandler
}

// CommandHandler executes one decoded command line and returns the text
// response to send back over the bulk-in endpoint.
type CommandHandler interface {
	Execute(line string) string
}

// NewChannel constructs a debug channel bound to ring for its log source
// and uartFallback as the last-resort sink when the USB channel goes
// inactive.
func NewChannel(ring *Ring, uartFallback io.Writer, commands CommandHandler) *Channel {
	return &Channel{ring: ring, uartFallback: uartFallback, commands: commands}
}

// HandleEnumeration processes the first bulk-out transfer: the host's
// enumeration handshake magic enables the channel, and the connect-ack
// marks that a human debugger has attached (spec §6.2).
func (c *Channel) HandleEnumeration(data []byte) {
	if len(data) == 4 {
		if u32LE(data) == enumMagicLE {
			c.active = true
			return
		}
		if u32LE(data) == connectAckLE {
			c.attached = true
			return
		}
	}
}

func u32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// HandleBulkOut decodes one bulk-out transfer per spec §6.2's wire framing:
// a leading 0x01 byte marks an out-of-band command (second byte = payload
// length 1..62, followed by the payload); anything else is in-band raw
// UTF-8 log text where CR cues a redraw flush and LF terminates a line.
func (c *Channel) HandleBulkOut(data []byte) (response string, hasResponse bool) {
	if len(data) >= 2 && data[0] == cmdPrefix {
		n := int(data[1])
		if n < 1 || n > maxCmdLen || len(data) < 2+n {
			return "", false
		}
		line := string(data[2 : 2+n])
		if c.commands == nil {
			return "", false
		}
		return c.commands.Execute(line), true
	}

	for _, b := range data {
		switch b {
		case '\r':
			c.lineBuf.Reset()
		case '\n':
			c.ring.Source(0).WithTag("debugchan").Writef("%s", c.lineBuf.String())
			c.lineBuf.Reset()
		default:
			c.lineBuf.WriteByte(b)
		}
	}
	return "", false
}

// Active reports whether the USB bulk channel has completed enumeration.
func (c *Channel) Active() bool { return c.active }

// Attached reports whether a human debugger's client has sent the
// connect-ack.
func (c *Channel) Attached() bool { return c.attached }

// MarkInactive transitions the channel to the UART fallback sink after the
// hardware-bounded retry loop in spec §7 kind 5 is exhausted.
func (c *Channel) MarkInactive() {
	c.active = false
}

// Emit writes text either to the bulk-in endpoint's backing writer (handled
// by the caller, who owns the actual endpoint) or, if the channel is
// inactive, to the UART fallback — the "log data spills to the on-chip
// UART as a last-resort sink" policy (spec §7).
func (c *Channel) Emit(bulkIn io.Writer, text string) error {
	if c.active && bulkIn != nil {
		_, err := io.WriteString(bulkIn, text)
		return err
	}
	if c.uartFallback == nil {
		return fmt.Errorf("debuglog: channel inactive and no uart fallback configured")
	}
	_, err := io.WriteString(c.uartFallback, text)
	return err
}

// StyleHeading applies the ANSI styling the host TUI client's `proc list`
// and `ttbr` output uses, via charmbracelet/x/ansi — the same dependency
// the teacher uses for its own terminal rendering (internal/term), scoped
// here to plain SGR sequences since the VT emulation itself belongs to the
// out-of-scope host client.
func StyleHeading(text string) string {
	return ansi.CSI + "1m" + text + ansi.CSI + "0m"
}
