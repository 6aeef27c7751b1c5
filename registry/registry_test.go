package registry

import "testing"

func TestRegisterGetHas(t *testing.T) {
	r := New()
	if r.Has("charge") {
		t.Fatal("expected charge to be absent")
	}

	r.Register("charge", func(ExecContext) (Result, error) { return "ok", nil }, nil)

	if !r.Has("charge") {
		t.Fatal("expected charge to be registered")
	}
	def, ok := r.Get("charge")
	if !ok {
		t.Fatal("expected Get to find charge")
	}
	if def.Name != "charge" {
		t.Fatalf("got name %q, want charge", def.Name)
	}
	if def.Compensate != nil {
		t.Fatal("expected nil compensate")
	}
}

func TestRegisterReplacesLastWriterWins(t *testing.T) {
	r := New()
	r.Register("step", func(ExecContext) (Result, error) { return 1, nil }, nil)
	r.Register("step", func(ExecContext) (Result, error) { return 2, nil }, nil)

	def, _ := r.Get("step")
	got, err := def.Execute(ExecContext{})
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Fatalf("got %v, want 2 (last writer wins)", got)
	}
}

func TestUnregisterAndClear(t *testing.T) {
	r := New()
	r.Register("a", func(ExecContext) (Result, error) { return nil, nil }, nil)
	r.Register("b", func(ExecContext) (Result, error) { return nil, nil }, nil)

	r.Unregister("a")
	if r.Has("a") {
		t.Fatal("expected a to be removed")
	}
	if !r.Has("b") {
		t.Fatal("expected b to remain")
	}

	r.Clear()
	if len(r.List()) != 0 {
		t.Fatalf("expected empty registry after Clear, got %v", r.List())
	}
}

func TestListReturnsAllNames(t *testing.T) {
	r := New()
	names := []string{"validate", "charge", "notify"}
	for _, n := range names {
		r.Register(n, func(ExecContext) (Result, error) { return nil, nil }, nil)
	}

	got := r.List()
	if len(got) != len(names) {
		t.Fatalf("got %d names, want %d", len(got), len(names))
	}
	seen := make(map[string]bool)
	for _, n := range got {
		seen[n] = true
	}
	for _, n := range names {
		if !seen[n] {
			t.Fatalf("missing name %q in %v", n, got)
		}
	}
}
