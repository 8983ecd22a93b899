package permission

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wardenhq/warden/internal/audit"
)

// fakePrompter returns scripted choices and counts invocations.
type fakePrompter struct {
	choices []Choice
	err     error
	calls   int
}

func (f *fakePrompter) Prompt(_ context.Context, _, _ string) (Choice, error) {
	defer func() { f.calls++ }()
	if f.err != nil {
		return ChoiceDeny, f.err
	}
	if f.calls < len(f.choices) {
		return f.choices[f.calls], nil
	}
	return ChoiceDeny, nil
}

func newTestGate(t *testing.T, p Prompter) (*Gate, *audit.Chain) {
	t.Helper()
	dir := t.TempDir()

	store, err := NewStore(filepath.Join(dir, "permissions.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	chain, err := audit.NewChain(
		filepath.Join(dir, "audit.ndjson"),
		filepath.Join(dir, "audit.pointer.json"),
	)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	return NewGate(store, chain, p), chain
}

func TestFreshClassPromptsEveryTime(t *testing.T) {
	p := &fakePrompter{choices: []Choice{ChoiceAllowOnce, ChoiceDeny}}
	g, _ := newTestGate(t, p)

	first := g.Request(context.Background(), "os_control", "arm autopilot")
	if !first.Allow || first.Cached || first.Mode != ModeOnce {
		t.Errorf("first = %+v, want allow-once", first)
	}

	// Allow Once is never persisted, so the second request prompts again.
	second := g.Request(context.Background(), "os_control", "arm autopilot")
	if second.Allow || second.Cached {
		t.Errorf("second = %+v, want fresh deny", second)
	}

	if p.calls != 2 {
		t.Errorf("prompter calls = %d, want 2", p.calls)
	}
}

func TestAlwaysAllowCachesDecision(t *testing.T) {
	p := &fakePrompter{choices: []Choice{ChoiceAlwaysAllow}}
	g, _ := newTestGate(t, p)

	first := g.Request(context.Background(), "os_control", "arm autopilot")
	if !first.Allow || first.Mode != ModeAlways {
		t.Fatalf("first = %+v, want always-allow", first)
	}

	second := g.Request(context.Background(), "os_control", "arm autopilot")
	if !second.Allow || !second.Cached || second.Mode != ModeCached {
		t.Errorf("second = %+v, want cached allow", second)
	}

	if p.calls != 1 {
		t.Errorf("prompter calls = %d, want 1 (cached resolution must not prompt)", p.calls)
	}
}

func TestAlwaysDenyCachesDecision(t *testing.T) {
	p := &fakePrompter{choices: []Choice{ChoiceAlwaysDeny}}
	g, _ := newTestGate(t, p)

	first := g.Request(context.Background(), "clipboard", "read clipboard")
	if first.Allow || first.Mode != ModeAlwaysDeny {
		t.Fatalf("first = %+v, want always-deny", first)
	}

	second := g.Request(context.Background(), "clipboard", "read clipboard")
	if second.Allow || !second.Cached {
		t.Errorf("second = %+v, want cached deny", second)
	}
	if p.calls != 1 {
		t.Errorf("prompter calls = %d, want 1", p.calls)
	}
}

func TestPrompterErrorFailsClosed(t *testing.T) {
	p := &fakePrompter{err: errors.New("terminal unavailable")}
	g, _ := newTestGate(t, p)

	d := g.Request(context.Background(), "os_control", "arm autopilot")
	if d.Allow {
		t.Error("prompter error must deny")
	}
	if d.Mode != ModeError {
		t.Errorf("mode = %q, want %q", d.Mode, ModeError)
	}
}

func TestNilPrompterDenies(t *testing.T) {
	g, _ := newTestGate(t, nil)

	d := g.Request(context.Background(), "os_control", "arm autopilot")
	if d.Allow {
		t.Error("nil prompter must deny")
	}
}

func TestResolutionsAreAudited(t *testing.T) {
	p := &fakePrompter{choices: []Choice{ChoiceAlwaysAllow}}
	g, chain := newTestGate(t, p)

	g.Request(context.Background(), "os_control", "arm autopilot")
	g.Request(context.Background(), "os_control", "arm autopilot") // cached

	records, err := audit.ReadAll(chain.LogPath())
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("audit records = %d, want 2 (cached resolutions are audited too)", len(records))
	}
	for i, rec := range records {
		if rec.Type != "permission_resolved" {
			t.Errorf("record %d type = %q", i, rec.Type)
		}
		if rec.Data["class"] != "os_control" {
			t.Errorf("record %d class = %v", i, rec.Data["class"])
		}
	}
	if records[0].Data["mode"] != ModeAlways {
		t.Errorf("first mode = %v, want %q", records[0].Data["mode"], ModeAlways)
	}
	if records[1].Data["mode"] != ModeCached {
		t.Errorf("second mode = %v, want %q", records[1].Data["mode"], ModeCached)
	}
}
