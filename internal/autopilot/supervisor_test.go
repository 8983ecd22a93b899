package autopilot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/permission"
	"github.com/wardenhq/warden/internal/runner"
)

type fakePointer struct {
	pos Point
	err error
}

func (f *fakePointer) Position() (Point, error) {
	return f.pos, f.err
}

type fakeHotkeys struct {
	failAll    bool
	failFirst  int
	registered []string
	released   []string
	fire       func()
}

func (f *fakeHotkeys) Register(acc string, fire func()) error {
	if f.failAll || len(f.registered) < f.failFirst {
		f.registered = append(f.registered, "")
		return errors.New("accelerator unavailable")
	}
	f.registered = append(f.registered, acc)
	f.fire = fire
	return nil
}

func (f *fakeHotkeys) Unregister(acc string) {
	f.released = append(f.released, acc)
}

type fakeRunner struct {
	pauses   int
	pauseErr error
}

func (f *fakeRunner) Pause() error {
	f.pauses++
	return f.pauseErr
}

// testClock is a manually advanced clock.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type env struct {
	sup     *Supervisor
	chain   *audit.Chain
	bus     *events.Bus
	pointer *fakePointer
	hotkeys *fakeHotkeys
	runner  *fakeRunner
	clock   *testClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	chain, err := audit.NewChain(filepath.Join(dir, "audit.ndjson"), filepath.Join(dir, "audit.ptr"))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	store, err := permission.NewStore(filepath.Join(dir, "permissions.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Set(CapabilityOSControl, permission.DecisionAllow); err != nil {
		t.Fatalf("Set: %v", err)
	}
	gate := permission.NewGate(store, chain, nil)

	e := &env{
		chain:   chain,
		bus:     events.NewBus(),
		pointer: &fakePointer{pos: Point{X: 100, Y: 100}},
		hotkeys: &fakeHotkeys{},
		runner:  &fakeRunner{},
		clock:   &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	e.sup = NewSupervisor(DefaultConfig(), gate, chain, e.bus, e.runner, e.pointer, e.hotkeys)
	e.sup.now = e.clock.Now
	return e
}

func (e *env) arm(t *testing.T) {
	t.Helper()
	if err := e.sup.Arm(context.Background(), "test"); err != nil {
		t.Fatalf("Arm: %v", err)
	}
}

// pastGrace moves the clock beyond the grace period and settles the baseline
// with a no-move sample.
func (e *env) pastGrace() {
	e.clock.Advance(1501 * time.Millisecond)
	e.sup.observe(e.pointer.pos)
}

func auditTypes(t *testing.T, chain *audit.Chain) []string {
	t.Helper()
	recs, err := audit.ReadAll(chain.LogPath())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	types := make([]string, len(recs))
	for i, rec := range recs {
		types[i] = rec.Type
	}
	return types
}

func countType(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

func TestArmDisarmLifecycle(t *testing.T) {
	e := newEnv(t)

	st := e.sup.State()
	if st.Armed {
		t.Fatal("new supervisor should be disarmed")
	}

	e.arm(t)
	st = e.sup.State()
	if !st.Armed {
		t.Fatal("supervisor should be armed")
	}
	if st.Hotkey != "Ctrl+Shift+Escape" {
		t.Errorf("hotkey = %q, want first accelerator", st.Hotkey)
	}

	if err := e.sup.Arm(context.Background(), "again"); !errors.Is(err, ErrAlreadyArmed) {
		t.Errorf("double arm error = %v, want ErrAlreadyArmed", err)
	}

	if err := e.sup.Disarm("done"); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if e.sup.State().Armed {
		t.Fatal("supervisor should be disarmed")
	}
	if len(e.hotkeys.released) != 1 || e.hotkeys.released[0] != "Ctrl+Shift+Escape" {
		t.Errorf("released = %v, want the registered accelerator", e.hotkeys.released)
	}
	if err := e.sup.Disarm("again"); !errors.Is(err, ErrNotArmed) {
		t.Errorf("double disarm error = %v, want ErrNotArmed", err)
	}

	types := auditTypes(t, e.chain)
	if countType(types, "autopilot_armed") != 1 || countType(types, "autopilot_disarmed") != 1 {
		t.Errorf("audit types = %v, want one armed and one disarmed", types)
	}
}

func TestArmDeniedWithoutCapability(t *testing.T) {
	e := newEnv(t)
	dir := t.TempDir()
	store, err := permission.NewStore(filepath.Join(dir, "permissions.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	// Empty store and nil prompter: the gate fails closed.
	gate := permission.NewGate(store, e.chain, nil)
	sup := NewSupervisor(DefaultConfig(), gate, e.chain, e.bus, e.runner, e.pointer, e.hotkeys)

	if err := sup.Arm(context.Background(), "test"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Arm error = %v, want ErrPermissionDenied", err)
	}
	if sup.State().Armed {
		t.Fatal("denied arm must leave supervisor disarmed")
	}
}

func TestMovementAtThresholdTriggersExactlyOneTakeover(t *testing.T) {
	e := newEnv(t)
	e.arm(t)
	e.pastGrace()

	// Manhattan delta of exactly 46 from the settled baseline.
	e.sup.observe(Point{X: 123, Y: 123})

	st := e.sup.State()
	if st.Armed {
		t.Fatal("takeover should disarm")
	}
	if !st.ManualOverride {
		t.Fatal("takeover should set the manual override flag")
	}
	if e.runner.pauses != 1 {
		t.Errorf("runner pauses = %d, want 1", e.runner.pauses)
	}

	// Further samples after disarm are inert.
	e.sup.observe(Point{X: 500, Y: 500})

	types := auditTypes(t, e.chain)
	if got := countType(types, "manual_takeover"); got != 1 {
		t.Errorf("manual_takeover records = %d, want exactly 1", got)
	}
	if got := countType(types, "autopilot_disarmed"); got != 1 {
		t.Errorf("autopilot_disarmed records = %d, want exactly 1", got)
	}
	if got := countType(types, "runner_paused"); got != 1 {
		t.Errorf("runner_paused records = %d, want 1", got)
	}
}

func TestMovementBelowThresholdDoesNotTrigger(t *testing.T) {
	e := newEnv(t)
	e.arm(t)
	e.pastGrace()

	// Delta 45: one unit under the threshold.
	e.sup.observe(Point{X: 122, Y: 123})

	if !e.sup.State().Armed {
		t.Fatal("delta below threshold must not trigger takeover")
	}
	if got := countType(auditTypes(t, e.chain), "manual_takeover"); got != 0 {
		t.Errorf("manual_takeover records = %d, want 0", got)
	}
}

func TestBaselineAdvancesPerSample(t *testing.T) {
	e := newEnv(t)
	e.arm(t)
	e.pastGrace()

	// Slow drift: each step is below threshold even though the total
	// displacement far exceeds it.
	for i := 1; i <= 10; i++ {
		e.sup.observe(Point{X: 100 + i*40, Y: 100})
	}
	if !e.sup.State().Armed {
		t.Fatal("sub-threshold steps must not accumulate into a trigger")
	}
}

func TestGraceSuppressesArbitrarilyLargeDeltas(t *testing.T) {
	e := newEnv(t)
	e.arm(t)

	// Inside the grace period: huge jumps never trigger.
	e.clock.Advance(100 * time.Millisecond)
	e.sup.observe(Point{X: 5000, Y: 5000})
	e.clock.Advance(1399 * time.Millisecond) // 1499ms after arming
	e.sup.observe(Point{X: 0, Y: 0})

	if !e.sup.State().Armed {
		t.Fatal("grace period must suppress movement takeover")
	}

	// The grace samples still advanced the baseline: a quiet sample right
	// after grace must not trigger off stale coordinates.
	e.clock.Advance(2 * time.Millisecond)
	e.sup.observe(Point{X: 0, Y: 0})
	if !e.sup.State().Armed {
		t.Fatal("baseline must advance during grace")
	}

	// And real movement after grace triggers.
	e.sup.observe(Point{X: 46, Y: 0})
	if e.sup.State().Armed {
		t.Fatal("movement after grace must trigger takeover")
	}
}

func TestIgnoreWindowSuppressesMovementOnly(t *testing.T) {
	e := newEnv(t)
	e.arm(t)
	e.pastGrace()

	until := e.sup.RequestIgnoreWindow(2 * time.Second)
	if want := e.clock.Now().Add(2 * time.Second); !until.Equal(want) {
		t.Errorf("ignore until = %v, want %v", until, want)
	}

	// Movement inside the window is suppressed.
	e.sup.observe(Point{X: 1000, Y: 1000})
	if !e.sup.State().Armed {
		t.Fatal("ignore window must suppress movement takeover")
	}

	// The hotkey is never suppressed.
	e.hotkeys.fire()
	if e.sup.State().Armed {
		t.Fatal("hotkey must trigger takeover inside an ignore window")
	}
	if got := countType(auditTypes(t, e.chain), "manual_takeover"); got != 1 {
		t.Errorf("manual_takeover records = %d, want 1", got)
	}
}

func TestIgnoreWindowClampedToMaximum(t *testing.T) {
	e := newEnv(t)
	e.arm(t)

	until := e.sup.RequestIgnoreWindow(time.Hour)
	if want := e.clock.Now().Add(4 * time.Second); !until.Equal(want) {
		t.Errorf("ignore until = %v, want clamp to %v", until, want)
	}

	// After the window (and grace) lapse, movement triggers again.
	e.clock.Advance(4001 * time.Millisecond)
	e.sup.observe(e.pointer.pos) // settle baseline
	e.sup.observe(Point{X: 1000, Y: 1000})
	if e.sup.State().Armed {
		t.Fatal("movement after the ignore window must trigger takeover")
	}
}

func TestIgnoreWindowWhileDisarmed(t *testing.T) {
	e := newEnv(t)
	if until := e.sup.RequestIgnoreWindow(time.Second); !until.IsZero() {
		t.Errorf("ignore window while disarmed = %v, want zero time", until)
	}
}

func TestHotkeyFallbackAndDegraded(t *testing.T) {
	t.Run("fallback accelerator", func(t *testing.T) {
		e := newEnv(t)
		e.hotkeys.failFirst = 1
		e.arm(t)
		if got := e.sup.State().Hotkey; got != "Ctrl+Alt+Escape" {
			t.Errorf("hotkey = %q, want fallback accelerator", got)
		}
	})

	t.Run("all registrations fail", func(t *testing.T) {
		e := newEnv(t)
		e.hotkeys.failAll = true
		e.arm(t)

		st := e.sup.State()
		if !st.Armed {
			t.Fatal("hotkey failure must not block arming")
		}
		if st.Hotkey != "" {
			t.Errorf("hotkey = %q, want empty when degraded", st.Hotkey)
		}
		if got := countType(auditTypes(t, e.chain), "hotkey_degraded"); got != 1 {
			t.Errorf("hotkey_degraded records = %d, want 1", got)
		}

		// Pointer watch still guards takeover.
		e.pastGrace()
		e.sup.observe(Point{X: 1000, Y: 1000})
		if e.sup.State().Armed {
			t.Fatal("pointer takeover must still work when hotkey is degraded")
		}
	})
}

func TestTakeoverPausesRunnerBestEffort(t *testing.T) {
	e := newEnv(t)
	e.runner.pauseErr = runner.ErrNotRunning
	e.arm(t)
	e.pastGrace()

	e.sup.observe(Point{X: 1000, Y: 1000})

	st := e.sup.State()
	if st.Armed || !st.ManualOverride {
		t.Fatal("takeover must complete even when the runner is idle")
	}
	recs, err := audit.ReadAll(e.chain.LogPath())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	found := false
	for _, rec := range recs {
		if rec.Type == "runner_paused" {
			found = true
			if rec.Data["result"] != "not_running" {
				t.Errorf("runner_paused result = %v, want not_running", rec.Data["result"])
			}
		}
	}
	if !found {
		t.Fatal("runner_paused record missing")
	}
}

func TestClearOverride(t *testing.T) {
	e := newEnv(t)
	e.arm(t)
	e.pastGrace()
	e.sup.observe(Point{X: 1000, Y: 1000})

	if !e.sup.State().ManualOverride {
		t.Fatal("takeover should set override")
	}
	e.sup.ClearOverride()
	if e.sup.State().ManualOverride {
		t.Fatal("ClearOverride should reset the flag")
	}
}
