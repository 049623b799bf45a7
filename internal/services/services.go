// Package services holds the per-service introspection handlers bundled
// in the core (spec §4.9): the service-manager dialer, filesystem
// pass-through, clkrst overclock, log-service chunk decode, settings
// force-read, fatal, and error-report. Each is a plain handler matching
// the executor contract described in spec §4.8, invoked when a hooked
// session handle's HIPC traffic passes through the svcSendSyncRequest
// dispatch-table entry (internal/svc, internal/ipc).
package services

import (
	"github.com/tegra-hv/hbii/internal/config"
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/hipc"
	"github.com/tegra-hv/hbii/internal/ipc"
)

// Handler is one bundled service's per-message hook. It is stored as the
// ipc.Handler pointer attached to a ClientSession/DomainSession HObject by
// HookFirstHandle, and invoked by Dispatch for every HIPC message
// addressed to that session.
type Handler interface {
	// Name identifies the handler for logging and for ipc.Handler.
	Name() string
	// Handle processes one parsed HIPC message for this session. It may
	// mutate msg's payload in place (e.g. rewriting a clock-rate argument)
	// before the guest's real service processes it.
	Handle(msg *hipc.Message, sc *SessionContext) error
}

// SessionContext is the narrow per-call context a Handler needs: which
// process/handle this message arrived on, the shared registry (for
// HookFirstHandle on a reply that creates a new object), and a log source.
type SessionContext struct {
	Registry *ipc.Registry
	PID      uint64
	Handle   uint32
	Log      debuglog.Source
}

// Manager owns the set of bundled handlers keyed by service name, used at
// name-resolution time (see ServiceManagerDialer) to decide which handler
// to hook onto a freshly dialed session.
type Manager struct {
	byName map[string]func(log debuglog.Source) Handler
	policy config.BootPolicy
}

// NewManager constructs a Manager pre-registered with every bundled
// handler constructor (spec §4.9's list), keyed by the service name the
// guest's sm: dialer resolves. Handlers constructed by New have the zero
// BootPolicy applied (matching each handler's own hardcoded defaults)
// until SetPolicy is called.
func NewManager() *Manager {
	m := &Manager{byName: make(map[string]func(debuglog.Source) Handler)}
	m.Register("set:sys", func(log debuglog.Source) Handler { return NewSettingsHandler(log) })
	m.Register("clkrst", func(log debuglog.Source) Handler { return NewClkRstHandler(log) })
	m.Register("clkrst:i", func(log debuglog.Source) Handler { return NewClkRstHandler(log) })
	m.Register("lm", func(log debuglog.Source) Handler { return NewLogHandler(log) })
	m.Register("fsp-srv", func(log debuglog.Source) Handler { return NewFSPHandler(log) })
	m.Register("erpt:r", func(log debuglog.Source) Handler { return NewErrorReportHandler(log) })
	m.Register("fatal:u", func(log debuglog.Source) Handler { return NewFatalHandler(log) })
	return m
}

// SetPolicy records the boot policy applied to every handler New
// constructs from this point on (spec §6.4 ambient configuration).
func (m *Manager) SetPolicy(p config.BootPolicy) {
	m.policy = p
}

// Register installs a constructor for name, overwriting any existing one.
func (m *Manager) Register(name string, ctor func(debuglog.Source) Handler) {
	m.byName[name] = ctor
}

// policyAware is implemented by handlers whose forced values are
// overridable by the boot policy (ClkRstHandler, SettingsHandler).
type policyAware interface {
	ApplyPolicy(config.BootPolicy)
}

// New constructs a fresh Handler instance for name, or nil if no bundled
// handler is registered for it (most named ports the guest resolves have
// no introspection hook attached; only the ones in spec §4.9's list do).
func (m *Manager) New(name string, log debuglog.Source) Handler {
	ctor, ok := m.byName[name]
	if !ok {
		return nil
	}
	h := ctor(log)
	if pa, ok := h.(policyAware); ok {
		pa.ApplyPolicy(m.policy)
	}
	return h
}

// Dispatch parses the HIPC message at tlsAddr and, if (pid, handle) names
// a hooked session, invokes its handler.
func Dispatch(reg *ipc.Registry, xlate hipc.Translator, tlsAddr uint64, pid uint64, handle uint32, log debuglog.Source) error {
	obj, ok := reg.GetHandle(pid, handle)
	if !ok || obj.Handler == nil {
		return nil
	}
	h, ok := obj.Handler.(Handler)
	if !ok {
		return nil
	}
	msg, err := hipc.Parse(xlate, tlsAddr)
	if err != nil {
		return err
	}
	sc := &SessionContext{Registry: reg, PID: pid, Handle: handle, Log: log.WithTag(h.Name())}
	return h.Handle(msg, sc)
}
