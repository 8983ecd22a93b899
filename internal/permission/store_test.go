package permission

import (
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permissions.json")

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if _, ok := s.Get("os_control"); ok {
		t.Fatal("fresh store should have no decisions")
	}

	if err := s.Set("os_control", DecisionAllow); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set("clipboard", DecisionDeny); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Reload from disk.
	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if d, ok := s2.Get("os_control"); !ok || d != DecisionAllow {
		t.Errorf("os_control = %q,%v, want allow", d, ok)
	}
	if d, ok := s2.Get("clipboard"); !ok || d != DecisionDeny {
		t.Errorf("clipboard = %q,%v, want deny", d, ok)
	}
}

func TestStoreOverwrite(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "permissions.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := s.Set("os_control", DecisionDeny); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set("os_control", DecisionAllow); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if d, _ := s.Get("os_control"); d != DecisionAllow {
		t.Errorf("decision = %q, want allow after overwrite", d)
	}
}

func TestStoreRejectsInvalidDecision(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "permissions.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := s.Set("os_control", "maybe"); err == nil {
		t.Error("Set with invalid decision should fail")
	}
}

func TestStoreRemove(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "permissions.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := s.Set("os_control", DecisionAllow); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Remove("os_control"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := s.Get("os_control"); ok {
		t.Error("decision should be gone after Remove")
	}
}

func TestStoreClassesSorted(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "permissions.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	for _, c := range []string{"screen", "os_control", "clipboard"} {
		if err := s.Set(c, DecisionAllow); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	classes := s.Classes()
	want := []string{"clipboard", "os_control", "screen"}
	if len(classes) != len(want) {
		t.Fatalf("Classes = %v, want %v", classes, want)
	}
	for i := range want {
		if classes[i] != want[i] {
			t.Errorf("Classes[%d] = %q, want %q", i, classes[i], want[i])
		}
	}
}
