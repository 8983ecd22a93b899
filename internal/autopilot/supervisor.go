// Package autopilot implements the dead-man-switch supervisor. While armed it
// watches for human input (a global takeover hotkey and raw pointer movement)
// and on any sign of it halts automated control: the hotkey is released, the
// pointer poll stops, the task runner is paused, and the whole sequence is
// audited.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/permission"
	"github.com/wardenhq/warden/internal/runner"
)

// CapabilityOSControl is the permission class required to arm the supervisor.
// Arming grants the system OS-level input control, so it is gated.
const CapabilityOSControl = "os_control"

var (
	// ErrAlreadyArmed is returned by Arm when the supervisor is armed.
	ErrAlreadyArmed = errors.New("ALREADY_ARMED")
	// ErrNotArmed is returned by Disarm when the supervisor is disarmed.
	ErrNotArmed = errors.New("NOT_ARMED")
	// ErrPermissionDenied is returned by Arm when the os_control capability
	// is refused.
	ErrPermissionDenied = errors.New("PERMISSION_DENIED")
)

// Supervisor is the autopilot dead-man switch. It has two states, disarmed
// and armed. Arming requires the os_control capability, snapshots a pointer
// baseline, registers a takeover hotkey, and starts the pointer poll. Any
// takeover trigger tears all of that down exactly once.
type Supervisor struct {
	cfg     *Config
	gate    *permission.Gate
	chain   *audit.Chain
	bus     *events.Bus
	runner  RunnerCommander
	pointer PointerSource
	hotkeys Hotkeys
	log     *slog.Logger

	mu             sync.Mutex
	armed          bool
	armedAt        time.Time
	lastPos        Point
	graceUntil     time.Time
	ignoreUntil    time.Time
	hotkey         string
	manualOverride bool
	stopPoll       chan struct{}

	// now is a clock hook for tests.
	now func() time.Time
}

// NewSupervisor creates a disarmed supervisor. The hotkeys source may be nil
// on platforms without global accelerators; arming then proceeds degraded
// with only the pointer watch.
func NewSupervisor(cfg *Config, gate *permission.Gate, chain *audit.Chain, bus *events.Bus, rc RunnerCommander, pointer PointerSource, hotkeys Hotkeys) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Supervisor{
		cfg:     cfg,
		gate:    gate,
		chain:   chain,
		bus:     bus,
		runner:  rc,
		pointer: pointer,
		hotkeys: hotkeys,
		log:     logging.WithComponent("autopilot"),
		now:     time.Now,
	}
}

// Arm transitions to the armed state. It requests the os_control capability,
// snapshots the pointer baseline, opens the grace period, registers the
// takeover hotkey, and starts the pointer poll.
func (s *Supervisor) Arm(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.armed {
		s.mu.Unlock()
		return ErrAlreadyArmed
	}
	s.mu.Unlock()

	// Resolve the capability outside the state lock; the prompt can block on
	// user interaction for an arbitrary time.
	if d := s.gate.Request(ctx, CapabilityOSControl, reason); !d.Allow {
		s.log.Warn("arm refused", slog.String("mode", d.Mode))
		return ErrPermissionDenied
	}

	s.mu.Lock()
	if s.armed {
		s.mu.Unlock()
		return ErrAlreadyArmed
	}

	now := s.now()
	s.armed = true
	s.armedAt = now
	s.manualOverride = false
	s.graceUntil = now.Add(s.cfg.Grace())
	s.ignoreUntil = time.Time{}
	s.lastPos = s.samplePointer()
	s.hotkey = s.registerHotkeyLocked()
	if s.pointer != nil {
		s.stopPoll = make(chan struct{})
		go s.pollLoop(s.stopPoll)
	}

	s.chain.Append("autopilot_armed", map[string]any{
		"reason": reason,
		"hotkey": s.hotkey,
	})
	s.mu.Unlock()

	s.log.Info("autopilot armed",
		slog.String("hotkey", s.hotkey),
		slog.Duration("grace", s.cfg.Grace()))
	s.publishState()
	return nil
}

// Disarm tears down the armed state without setting the manual override flag.
func (s *Supervisor) Disarm(reason string) error {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return ErrNotArmed
	}
	s.teardownLocked()
	s.chain.Append("autopilot_disarmed", map[string]any{
		"trigger": "explicit",
		"reason":  reason,
	})
	s.mu.Unlock()

	s.log.Info("autopilot disarmed", slog.String("reason", reason))
	s.publishState()
	return nil
}

// RequestIgnoreWindow suppresses the movement trigger for the given duration,
// clamped to the configured maximum. Components about to perform a
// programmatic pointer action call this so their own motion is not read as
// human input. The hotkey trigger is never suppressed. Returns the instant
// the window ends, or the zero time when disarmed.
func (s *Supervisor) RequestIgnoreWindow(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return time.Time{}
	}
	if limit := s.cfg.MaxIgnore(); d > limit {
		d = limit
	}
	until := s.now().Add(d)
	if until.After(s.ignoreUntil) {
		s.ignoreUntil = until
	}
	return s.ignoreUntil
}

// State returns a snapshot of the supervisor.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Armed:          s.armed,
		ArmedAt:        s.armedAt,
		Hotkey:         s.hotkey,
		ManualOverride: s.manualOverride,
		IgnoreUntil:    s.ignoreUntil,
	}
}

// ClearOverride resets the manual override flag once the user hands control
// back.
func (s *Supervisor) ClearOverride() {
	s.mu.Lock()
	s.manualOverride = false
	s.mu.Unlock()
	s.publishState()
}

// Shutdown disarms the supervisor if armed. Safe to call when disarmed.
func (s *Supervisor) Shutdown() {
	if err := s.Disarm("shutdown"); err != nil && !errors.Is(err, ErrNotArmed) {
		s.log.Warn("disarm on shutdown failed", slog.String("error", err.Error()))
	}
}

// registerHotkeyLocked tries the accelerator preference list in order and
// returns the first one that registers, or "" when none do. Total failure is
// non-fatal but audited: the pointer watch still guards takeover.
func (s *Supervisor) registerHotkeyLocked() string {
	if s.hotkeys == nil {
		s.chain.Append("hotkey_degraded", map[string]any{
			"reason": "no hotkey source on this platform",
		})
		return ""
	}
	var lastErr error
	for _, acc := range s.cfg.Accelerators {
		if err := s.hotkeys.Register(acc, s.hotkeyFired); err != nil {
			lastErr = err
			s.log.Debug("hotkey registration failed",
				slog.String("accelerator", acc),
				slog.String("error", err.Error()))
			continue
		}
		return acc
	}
	reason := "no accelerators configured"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	s.chain.Append("hotkey_degraded", map[string]any{"reason": reason})
	s.log.Warn("all hotkey registrations failed, pointer watch only",
		slog.String("error", reason))
	return ""
}

func (s *Supervisor) hotkeyFired() {
	s.takeover("hotkey")
}

// pollLoop samples the pointer every poll interval until stopped.
func (s *Supervisor) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if pos, err := s.pointer.Position(); err == nil {
				s.observe(pos)
			}
		}
	}
}

// observe processes one pointer sample. The baseline advances on every sample
// regardless of suppression, so detection keys on instantaneous movement
// between consecutive polls, not on drift from the arming position.
func (s *Supervisor) observe(pos Point) {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return
	}
	prev := s.lastPos
	s.lastPos = pos

	now := s.now()
	if now.Before(s.graceUntil) || now.Before(s.ignoreUntil) {
		s.mu.Unlock()
		return
	}
	delta := pos.Manhattan(prev)
	s.mu.Unlock()

	if delta >= s.cfg.MoveThreshold {
		s.takeover(fmt.Sprintf("pointer moved %d", delta))
	}
}

// takeover executes the manual-takeover sequence exactly once per armed
// session: set the override flag, audit, tear down the hotkey and poll, pause
// the runner, and notify observers. The armed check under the lock makes
// concurrent triggers (hotkey racing a pointer poll) collapse to one.
func (s *Supervisor) takeover(reason string) {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return
	}
	s.manualOverride = true
	s.chain.Append("manual_takeover", map[string]any{"reason": reason})
	s.teardownLocked()
	s.chain.Append("autopilot_disarmed", map[string]any{
		"trigger": "takeover",
		"reason":  reason,
	})
	s.mu.Unlock()

	s.log.Info("manual takeover", slog.String("reason", reason))

	pauseResult := "paused"
	if err := s.runner.Pause(); err != nil {
		if errors.Is(err, runner.ErrNotRunning) {
			pauseResult = "not_running"
		} else {
			pauseResult = "error: " + err.Error()
			s.log.Warn("pause on takeover failed", slog.String("error", err.Error()))
		}
	}
	s.chain.Append("runner_paused", map[string]any{
		"cause":  "manual_takeover",
		"result": pauseResult,
	})

	s.publishState()
	s.bus.Emit(events.TypeNotify, "Manual takeover: "+reason)
}

// teardownLocked releases the hotkey and stops the pointer poll. Caller holds
// the lock.
func (s *Supervisor) teardownLocked() {
	s.armed = false
	if s.hotkey != "" && s.hotkeys != nil {
		s.hotkeys.Unregister(s.hotkey)
	}
	s.hotkey = ""
	if s.stopPoll != nil {
		close(s.stopPoll)
		s.stopPoll = nil
	}
	s.graceUntil = time.Time{}
	s.ignoreUntil = time.Time{}
}

func (s *Supervisor) samplePointer() Point {
	if s.pointer == nil {
		return Point{}
	}
	pos, err := s.pointer.Position()
	if err != nil {
		s.log.Warn("pointer baseline unavailable", slog.String("error", err.Error()))
		return Point{}
	}
	return pos
}

func (s *Supervisor) publishState() {
	s.bus.Emit(events.TypeState, s.State())
}
