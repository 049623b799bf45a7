// Package ipc owns the hypervisor-side object graph that backs guest IPC
// introspection (spec §3.5): the (pid, handle) → HObject map, the domain
// object map, and the named-port registry, plus the purge operations that
// keep them consistent with guest handle-close and process-exit events.
package ipc

import (
	"sync"
)

// Kind tags an HObject's variant (spec §3.5 "tagged union").
type Kind int

const (
	KindNone Kind = iota
	KindClientSession
	KindDomainSession
	KindServerPort
)

// ExtraPayload is the optional per-object payload (spec §3.5: "string,
// u32, none").
type ExtraPayload struct {
	HasString bool
	String    string
	HasU32    bool
	U32       uint32
}

// Handler is the per-service introspection hook attached to a session
// object (spec §4.9's per-service handlers, §3.5's "optional
// service-handler pointer"). The concrete type lives in internal/services;
// ipc only needs to store and hand it back.
type Handler interface {
	Name() string
}

// HObject is one entry in the handle map: a tagged union over the three
// recognized object kinds.
type HObject struct {
	Kind    Kind
	Handler Handler
	Extra   ExtraPayload
}

// handleKey identifies one (pid, handle) pair.
type handleKey struct {
	pid    uint64
	handle uint32
}

// domainKey identifies one (pid, handle, object id) triple.
type domainKey struct {
	pid      uint64
	handle   uint32
	objectID uint32
}

// Registry owns the handle map, domain map, and named-port map (spec
// §3.5), each protected by its own spin-style mutex per spec §5's
// "IPC maps, under a spin-mutex per map; writers are short."
type Registry struct {
	handleMu sync.Mutex
	handles  map[handleKey]*HObject

	domainMu sync.Mutex
	domains  map[domainKey]*HObject

	portMu sync.Mutex
	ports  map[string]*HObject
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		handles: make(map[handleKey]*HObject),
		domains: make(map[domainKey]*HObject),
		ports:   make(map[string]*HObject),
	}
}

// PutHandle inserts or overwrites the object at (pid, handle).
func (r *Registry) PutHandle(pid uint64, handle uint32, obj *HObject) {
	r.handleMu.Lock()
	defer r.handleMu.Unlock()
	r.handles[handleKey{pid, handle}] = obj
}

// GetHandle looks up the object at (pid, handle).
func (r *Registry) GetHandle(pid uint64, handle uint32) (*HObject, bool) {
	r.handleMu.Lock()
	defer r.handleMu.Unlock()
	obj, ok := r.handles[handleKey{pid, handle}]
	return obj, ok
}

// CloseHandle removes the object at (pid, handle) and every domain object
// hanging off it (spec §3.5 invariant: "a handle close removes all domain
// objects hanging off it").
func (r *Registry) CloseHandle(pid uint64, handle uint32) {
	r.handleMu.Lock()
	delete(r.handles, handleKey{pid, handle})
	r.handleMu.Unlock()

	r.domainMu.Lock()
	for k := range r.domains {
		if k.pid == pid && k.handle == handle {
			delete(r.domains, k)
		}
	}
	r.domainMu.Unlock()
}

// PutDomainObject inserts or overwrites the domain object at
// (pid, handle, objectID).
func (r *Registry) PutDomainObject(pid uint64, handle uint32, objectID uint32, obj *HObject) {
	r.domainMu.Lock()
	defer r.domainMu.Unlock()
	r.domains[domainKey{pid, handle, objectID}] = obj
}

// GetDomainObject looks up the domain object at (pid, handle, objectID).
func (r *Registry) GetDomainObject(pid uint64, handle uint32, objectID uint32) (*HObject, bool) {
	r.domainMu.Lock()
	defer r.domainMu.Unlock()
	obj, ok := r.domains[domainKey{pid, handle, objectID}]
	return obj, ok
}

// RegisterPort publishes a ServerPort object under a service name,
// populated as the guest calls its name resolver (spec §3.5).
func (r *Registry) RegisterPort(name string, obj *HObject) {
	r.portMu.Lock()
	defer r.portMu.Unlock()
	r.ports[name] = obj
}

// LookupPort queries the named-port map, as a client dials a name.
func (r *Registry) LookupPort(name string) (*HObject, bool) {
	r.portMu.Lock()
	defer r.portMu.Unlock()
	obj, ok := r.ports[name]
	return obj, ok
}

// PurgeProcess removes every handle and domain object whose pid matches,
// on the owning process's exit (spec §3.5 invariant: "a client's address
// space purge removes every handle whose pid matches").
func (r *Registry) PurgeProcess(pid uint64) {
	r.handleMu.Lock()
	for k := range r.handles {
		if k.pid == pid {
			delete(r.handles, k)
		}
	}
	r.handleMu.Unlock()

	r.domainMu.Lock()
	for k := range r.domains {
		if k.pid == pid {
			delete(r.domains, k)
		}
	}
	r.domainMu.Unlock()
}

// HookFirstHandle registers the handle or domain object id a reply just
// created with the supplied per-service handler (spec §4.9:
// "hook_first_handle(parent_handle, handler): when a reply creates a new
// session object, register the returned handle or domain object id in the
// handle map with the supplied per-service handler"). When domainObjectID
// is non-zero the object is filed under the domain map scoped to
// parentHandle; otherwise it is a fresh top-level client session handle.
func (r *Registry) HookFirstHandle(pid uint64, parentHandle uint32, newHandleOrObjID uint32, domainObjectID bool, handler Handler) {
	obj := &HObject{Kind: KindClientSession, Handler: handler}
	if domainObjectID {
		obj.Kind = KindDomainSession
		r.PutDomainObject(pid, parentHandle, newHandleOrObjID, obj)
		return
	}
	r.PutHandle(pid, newHandleOrObjID, obj)
}
