package autopilot

import "time"

// Config holds supervisor tuning. Intervals are plain milliseconds so the
// YAML config stays integer-valued.
type Config struct {
	// GraceMs is the window after arming during which pointer deltas update
	// the baseline but never trigger takeover. Arming involves programmatic
	// focus changes that must not self-trigger.
	GraceMs int `yaml:"grace_ms"`

	// PollIntervalMs is how often the pointer position is sampled.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// MoveThreshold is the Manhattan-distance delta between consecutive
	// samples that counts as human input.
	MoveThreshold int `yaml:"move_threshold"`

	// MaxIgnoreMs caps a self-injected-action ignore window.
	MaxIgnoreMs int `yaml:"max_ignore_ms"`

	// Accelerators is the takeover hotkey preference list; the first one
	// that registers wins.
	Accelerators []string `yaml:"accelerators"`
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() *Config {
	return &Config{
		GraceMs:        1500,
		PollIntervalMs: 90,
		MoveThreshold:  46,
		MaxIgnoreMs:    4000,
		Accelerators: []string{
			"Ctrl+Shift+Escape",
			"Ctrl+Alt+Escape",
			"F13",
		},
	}
}

// Grace returns the grace period as a duration.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.GraceMs) * time.Millisecond
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// MaxIgnore returns the ignore-window cap as a duration.
func (c *Config) MaxIgnore() time.Duration {
	return time.Duration(c.MaxIgnoreMs) * time.Millisecond
}

// Point is a pointer position sample in screen coordinates.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Manhattan returns the Manhattan distance to another point.
func (p Point) Manhattan(o Point) int {
	return abs(p.X-o.X) + abs(p.Y-o.Y)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// PointerSource provides the current pointer position. OS adapters live in
// the packaging layer; tests inject fakes.
type PointerSource interface {
	Position() (Point, error)
}

// Hotkeys registers global accelerators and fires the callback when pressed.
type Hotkeys interface {
	// Register binds the accelerator. Returns an error when the accelerator
	// is unavailable (already taken, unsupported on this platform).
	Register(accelerator string, fire func()) error
	// Unregister releases a previously registered accelerator.
	Unregister(accelerator string)
}

// RunnerCommander is the slice of the task runner the supervisor commands on
// takeover. The supervisor commands the runner; it does not own it.
type RunnerCommander interface {
	Pause() error
}

// State is an observable snapshot of the supervisor.
type State struct {
	Armed          bool      `json:"armed"`
	ArmedAt        time.Time `json:"armed_at,omitzero"`
	Hotkey         string    `json:"hotkey,omitempty"`
	ManualOverride bool      `json:"manual_override"`
	IgnoreUntil    time.Time `json:"ignore_until,omitzero"`
}
