// Package debuglog is the hypervisor's structured logger: a combined ring
// fed by one sub-ring per CPU core, modeled on the teacher's
// internal/debug package (binary header + offset-addressed writer) but
// generalized to the multi-core shared-resource contract spec §5 demands:
// "the logger's combined ring, protected by a mutex and a per-core
// sub-mutex; when a core observes contention it defers to the next tick
// rather than blocking."
package debuglog

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind distinguishes the payload encoding of one ring record, mirroring the
// teacher's debug.DebugKind (Invalid/Bytes/String).
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

// headerSize is the fixed 16-byte record header: 2B kind, 2B source-tag
// length, 4B data length, 8B nanosecond timestamp — the same layout as the
// teacher's debug.encodeHeader/decodeHeader.
const headerSize = 16

// record is one pushed log line, queued per-core before being drained into
// the combined ring.
type record struct {
	core int
	tag  string
	kind Kind
	data []byte
	ts   int64
}

func encodeHeader(kind Kind, tagLen int, dataLen int, ts int64) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(tagLen))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dataLen))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ts))
	return buf
}

func decodeHeader(buf []byte) (kind Kind, tagLen int, dataLen int, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(buf[0:2]))
	tagLen = int(binary.LittleEndian.Uint16(buf[2:4]))
	dataLen = int(binary.LittleEndian.Uint32(buf[4:8]))
	ts = int64(binary.LittleEndian.Uint64(buf[8:16]))
	return
}

// subRing is one CPU core's private queue of not-yet-combined records. Push
// never blocks: it appends under its own mutex only.
type subRing struct {
	mu      sync.Mutex
	pending []record
}

func (sr *subRing) push(r record) {
	sr.mu.Lock()
	sr.pending = append(sr.pending, r)
	sr.mu.Unlock()
}

func (sr *subRing) drain() []record {
	sr.mu.Lock()
	out := sr.pending
	sr.pending = nil
	sr.mu.Unlock()
	return out
}

// Ring is the combined logger. NumCores sub-rings feed one combined,
// mutex-protected byte buffer via Drain. No executor Task in this module
// calls Drain; it runs only when a caller invokes it directly.
type Ring struct {
	subs []subRing

	mu  sync.Mutex
	buf []byte

	nowFunc   func() int64
	verbosity atomic.Value // string
}

// NewRing constructs a combined ring with numCores independent sub-rings.
func NewRing(numCores int) *Ring {
	return &Ring{
		subs:    make([]subRing, numCores),
		nowFunc: func() int64 { return time.Now().UnixNano() },
	}
}

// Source is a per-subsystem, per-core log handle, the Go analogue of the
// teacher's debug.WithSource(source string). Every subsystem obtains one
// from its owning Ring and never touches the Ring directly.
type Source struct {
	ring *Ring
	core int
	tag  string
}

// Source returns a Source bound to one core with no tag. Callers chain
// WithTag to scope it to a subsystem.
func (r *Ring) Source(core int) Source {
	return Source{ring: r, core: core}
}

// WithTag returns a copy of s scoped to tag, composing with any existing
// tag the way nested subsystems (e.g. smmu under bringup) would want.
func (s Source) WithTag(tag string) Source {
	if s.tag != "" {
		tag = s.tag + "." + tag
	}
	return Source{ring: s.ring, core: s.core, tag: tag}
}

// Writef formats and pushes one log line to this source's per-core
// sub-ring. It never blocks on the combined ring's lock.
func (s Source) Writef(format string, args ...interface{}) {
	s.ring.push(s.core, s.tag, KindString, []byte(fmt.Sprintf(format, args...)))
}

// WriteBytes pushes a raw binary record, used by subsystems logging
// structured non-text payloads (e.g. a register dump).
func (s Source) WriteBytes(data []byte) {
	s.ring.push(s.core, s.tag, KindBytes, data)
}

// SetVerbosityFilter restricts which tagged sources reach the combined
// ring to those whose tag starts with one of prefixes (spec §6.4's
// log_verbosity boot-policy field). An empty prefix list means "all",
// the default a zero-value Ring already has. Meant to be called once
// during bringup before any concurrent Writef traffic starts; the
// atomic.Value lets push read it lock-free on the per-push hot path.
func (r *Ring) SetVerbosityFilter(prefixes ...string) {
	r.verbosity.Store(strings.Join(prefixes, ","))
}

func (r *Ring) tagAllowed(tag string) bool {
	v, _ := r.verbosity.Load().(string)
	if v == "" {
		return true
	}
	for _, prefix := range strings.Split(v, ",") {
		if strings.HasPrefix(tag, prefix) {
			return true
		}
	}
	return false
}

func (r *Ring) push(core int, tag string, kind Kind, data []byte) {
	if !r.tagAllowed(tag) {
		return
	}
	if core < 0 || core >= len(r.subs) {
		core = 0
	}
	r.subs[core].push(record{core: core, tag: tag, kind: kind, data: data, ts: r.nowFunc()})
}

// Drain moves every sub-ring's pending records into the combined buffer in
// per-core push order (spec §8 property 6: "bytes appear in per-core push
// order"), deferring to the next call rather than blocking if the combined
// mutex is contended — TryLock models the "defer to next tick" language in
// spec §5.
func (r *Ring) Drain() (drained bool) {
	if !r.mu.TryLock() {
		return false
	}
	defer r.mu.Unlock()
	for i := range r.subs {
		for _, rec := range r.subs[i].drain() {
			hdr := encodeHeader(rec.kind, len(rec.tag), len(rec.data), rec.ts)
			r.buf = append(r.buf, hdr...)
			r.buf = append(r.buf, rec.tag...)
			r.buf = append(r.buf, rec.data...)
		}
	}
	return true
}

// Snapshot returns a copy of the combined buffer accumulated so far, for
// the debug-channel bulk transfer and for tests.
func (r *Ring) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Records decodes Snapshot's byte form back into discrete entries, mirroring
// the teacher's debug.Reader stub but implemented concretely since this
// package is both writer and reader of its own wire format.
func (r *Ring) Records() ([]Entry, error) {
	buf := r.Snapshot()
	var entries []Entry
	for len(buf) > 0 {
		if len(buf) < headerSize {
			return entries, fmt.Errorf("debuglog: truncated header, %d bytes remain", len(buf))
		}
		kind, tagLen, dataLen, ts := decodeHeader(buf[:headerSize])
		buf = buf[headerSize:]
		if len(buf) < tagLen+dataLen {
			return entries, fmt.Errorf("debuglog: truncated record body")
		}
		tag := string(buf[:tagLen])
		data := buf[tagLen : tagLen+dataLen]
		entries = append(entries, Entry{Kind: kind, Tag: tag, Data: append([]byte(nil), data...), Timestamp: ts})
		buf = buf[tagLen+dataLen:]
	}
	return entries, nil
}

// Entry is one decoded ring record.
type Entry struct {
	Kind      Kind
	Tag       string
	Data      []byte
	Timestamp int64
}

func (e Entry) String() string {
	if e.Kind == KindString {
		return string(e.Data)
	}
	return fmt.Sprintf("% x", e.Data)
}
