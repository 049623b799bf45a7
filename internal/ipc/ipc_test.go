package ipc

import "testing"

type fakeHandler struct{ name string }

func (f fakeHandler) Name() string { return f.name }

func TestCloseHandleRemovesDomainObjects(t *testing.T) {
	r := New()
	r.PutHandle(1, 10, &HObject{Kind: KindClientSession})
	r.PutDomainObject(1, 10, 1, &HObject{Kind: KindDomainSession})
	r.PutDomainObject(1, 10, 2, &HObject{Kind: KindDomainSession})
	r.PutDomainObject(1, 11, 1, &HObject{Kind: KindDomainSession}) // different handle, must survive

	r.CloseHandle(1, 10)

	if _, ok := r.GetHandle(1, 10); ok {
		t.Fatal("handle 10 should be removed")
	}
	if _, ok := r.GetDomainObject(1, 10, 1); ok {
		t.Fatal("domain object (1,10,1) should be removed")
	}
	if _, ok := r.GetDomainObject(1, 10, 2); ok {
		t.Fatal("domain object (1,10,2) should be removed")
	}
	if _, ok := r.GetDomainObject(1, 11, 1); !ok {
		t.Fatal("domain object under a different handle must survive")
	}
}

func TestPurgeProcessRemovesEverythingForPid(t *testing.T) {
	r := New()
	r.PutHandle(1, 10, &HObject{})
	r.PutHandle(2, 20, &HObject{})
	r.PutDomainObject(1, 10, 1, &HObject{})

	r.PurgeProcess(1)

	if _, ok := r.GetHandle(1, 10); ok {
		t.Fatal("pid 1's handle should be purged")
	}
	if _, ok := r.GetHandle(2, 20); !ok {
		t.Fatal("pid 2's handle must survive pid 1's purge")
	}
	if _, ok := r.GetDomainObject(1, 10, 1); ok {
		t.Fatal("pid 1's domain object should be purged")
	}
}

func TestHookFirstHandleTopLevel(t *testing.T) {
	r := New()
	h := fakeHandler{"set:sys"}
	r.HookFirstHandle(1, 0, 99, false, h)

	obj, ok := r.GetHandle(1, 99)
	if !ok {
		t.Fatal("expected handle 99 to be registered")
	}
	if obj.Handler.Name() != "set:sys" {
		t.Fatalf("handler = %q, want set:sys", obj.Handler.Name())
	}
}

func TestHookFirstHandleDomain(t *testing.T) {
	r := New()
	h := fakeHandler{"clkrst"}
	r.HookFirstHandle(1, 5, 3, true, h)

	obj, ok := r.GetDomainObject(1, 5, 3)
	if !ok {
		t.Fatal("expected domain object (1,5,3) to be registered")
	}
	if obj.Kind != KindDomainSession {
		t.Fatalf("Kind = %v, want KindDomainSession", obj.Kind)
	}
}

func TestNamedPortRoundTrip(t *testing.T) {
	r := New()
	obj := &HObject{Kind: KindServerPort}
	r.RegisterPort("clkrst", obj)

	got, ok := r.LookupPort("clkrst")
	if !ok || got != obj {
		t.Fatal("expected to find registered port")
	}
	if _, ok := r.LookupPort("nope"); ok {
		t.Fatal("unregistered port should not be found")
	}
}
