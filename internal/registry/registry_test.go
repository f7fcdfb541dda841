package registry

import "testing"

func TestRegisterOrUpdateCreatesThenRefreshes(t *testing.T) {
	r := New("")

	r.RegisterOrUpdate(AgentInfo{Name: "alice", CLI: "claude"})
	first, ok := r.Get("alice")
	if !ok {
		t.Fatalf("expected alice to be registered")
	}
	if first.FirstSeen.IsZero() {
		t.Fatalf("expected FirstSeen to be set")
	}

	r.RegisterOrUpdate(AgentInfo{Name: "alice", CLI: "claude", Model: "opus"})
	second, _ := r.Get("alice")
	if second.FirstSeen != first.FirstSeen {
		t.Errorf("FirstSeen should survive re-registration: got %v want %v", second.FirstSeen, first.FirstSeen)
	}
	if second.Model != "opus" {
		t.Errorf("expected updated model, got %q", second.Model)
	}
}

func TestTouchUpdatesLastSeenOnly(t *testing.T) {
	r := New("")
	r.RegisterOrUpdate(AgentInfo{Name: "bob"})
	before, _ := r.Get("bob")

	r.Touch("bob")
	after, _ := r.Get("bob")

	if after.FirstSeen != before.FirstSeen {
		t.Errorf("Touch must not change FirstSeen")
	}
}

func TestTouchUnknownNameIsNoop(t *testing.T) {
	r := New("")
	r.Touch("ghost")
	if _, ok := r.Get("ghost"); ok {
		t.Errorf("Touch must not create a record for an unknown name")
	}
}

func TestUnregisterRemoves(t *testing.T) {
	r := New("")
	r.RegisterOrUpdate(AgentInfo{Name: "carol"})
	r.Unregister("carol")
	if _, ok := r.Get("carol"); ok {
		t.Errorf("expected carol to be removed")
	}
}

func TestNamesReflectsCurrentSet(t *testing.T) {
	r := New("")
	r.RegisterOrUpdate(AgentInfo{Name: "alice"})
	r.RegisterOrUpdate(AgentInfo{Name: "bob"})

	names := map[string]bool{}
	for _, n := range r.Names() {
		names[n] = true
	}
	if !names["alice"] || !names["bob"] {
		t.Errorf("expected both alice and bob in Names(), got %v", r.Names())
	}
}
