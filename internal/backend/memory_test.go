package backend

import "testing"

func TestMemoryStagingInvisibleUntilCommit(t *testing.T) {
	m := NewMemory("t")

	if err := m.Put("k", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Same-batch reads see the staged write.
	v, ok, err := m.Get("k")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("expected staged read to see v1, got ok=%v v=%q err=%v", ok, v, err)
	}

	other := &Memory{name: m.name, data: m.data, staged: make(map[string]stagedEntry)}
	if _, ok, _ := other.Get("k"); ok {
		t.Fatalf("expected uncommitted write to be invisible to a fresh view")
	}

	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok, _ := other.Get("k"); !ok {
		t.Fatalf("expected committed write to be visible once applied to the shared map")
	}
}

func TestMemoryDelReturnsWhetherKeyExisted(t *testing.T) {
	m := NewMemory("t")
	existed, err := m.Del("missing")
	if err != nil || existed {
		t.Fatalf("expected existed=false for missing key, got %v err=%v", existed, err)
	}

	if err := m.Put("k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	existed, err = m.Del("k")
	if err != nil || !existed {
		t.Fatalf("expected existed=true, got %v err=%v", existed, err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ok, _ := m.Has("k"); ok {
		t.Fatalf("expected k to be gone after committed delete")
	}
}

func TestMemoryCloseRejectsFurtherOps(t *testing.T) {
	m := NewMemory("t")
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := m.Get("k"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Put("k", []byte("v")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
