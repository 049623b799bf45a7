package services

import (
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/hipc"
)

// ServiceManagerDialerCmd is the `sm:` service's GetService command id,
// the point at which a client resolves a named port to a session handle
// (spec §4.9 "the service-manager dialer: adds handlers to sessions
// returned by name-resolution").
const ServiceManagerDialerCmd = 1

// ServiceManagerDialer observes `sm:`'s GetService replies and, when the
// resolved name has a bundled handler, hooks it onto the returned session
// handle via ipc.Registry.HookFirstHandle.
type ServiceManagerDialer struct {
	mgr *Manager
	log debuglog.Source
}

// NewServiceManagerDialer constructs a dialer backed by mgr's bundled
// handler registry.
func NewServiceManagerDialer(mgr *Manager, log debuglog.Source) *ServiceManagerDialer {
	return &ServiceManagerDialer{mgr: mgr, log: log.WithTag("sm")}
}

func (d *ServiceManagerDialer) Name() string { return "sm" }

// Handle inspects a GetService request's inline service-name argument; the
// actual hooking of the reply handle happens in ObserveReply, called by
// internal/bringup once the real sm: session hands back a handle (the
// dialer itself has no handle to hook until the guest's reply arrives).
func (d *ServiceManagerDialer) Handle(msg *hipc.Message, sc *SessionContext) error {
	sp := msg.Session()
	if sp == nil || sp.CmdID != ServiceManagerDialerCmd {
		return nil
	}
	name, err := msg.ReadStr(0)
	if err != nil {
		return nil
	}
	d.log.Writef("GetService request for %q", name)
	return nil
}

// ObserveReply is called with the service name that was requested and the
// handle the guest's real sm: returned for it; if a bundled handler
// exists for that name, it is hooked onto the new session.
func (d *ServiceManagerDialer) ObserveReply(sc *SessionContext, serviceName string, newHandle uint32) {
	h := d.mgr.New(serviceName, d.log)
	if h == nil {
		return
	}
	sc.Registry.HookFirstHandle(sc.PID, sc.Handle, newHandle, false, h)
	d.log.Writef("hooked %s onto handle %#x for pid %d", serviceName, newHandle, sc.PID)
}
