// Package permission implements the capability-gated permission system. Each
// privileged action belongs to a capability class (e.g. "os_control"); the
// gate resolves requests from the persisted decision map or by prompting the
// user, and audits every resolution.
package permission

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/logging"
)

// Choice is the user's answer to a permission prompt.
type Choice int

const (
	// ChoiceDeny rejects this request only; nothing is persisted.
	ChoiceDeny Choice = iota
	// ChoiceAllowOnce grants this request only; nothing is persisted.
	ChoiceAllowOnce
	// ChoiceAlwaysAllow grants this and all future requests for the class.
	ChoiceAlwaysAllow
	// ChoiceAlwaysDeny rejects this and all future requests for the class.
	// Not offered by the interactive prompt; programmatic prompters may use it.
	ChoiceAlwaysDeny
)

// Prompter presents a permission request to the user and returns their choice.
// Any error is treated as a denial (fail-closed).
type Prompter interface {
	Prompt(ctx context.Context, class, reason string) (Choice, error)
}

// Resolution modes recorded in the audit trail.
const (
	ModeCached     = "cached"
	ModeOnce       = "once"
	ModeAlways     = "always"
	ModeAlwaysDeny = "always_deny"
	ModeDenied     = "denied"
	ModeError      = "error"
)

// Decision is the outcome of a permission request.
type Decision struct {
	// Allow is true when the request is granted.
	Allow bool `json:"allow"`
	// Cached is true when the decision came from the persisted map with no
	// user interaction.
	Cached bool `json:"cached"`
	// Mode records how the decision was reached (audit vocabulary above).
	Mode string `json:"mode"`
}

// Gate resolves capability requests against the persisted decision map,
// falling back to the prompter, and writes every resolution to the audit
// chain. Safe for concurrent use; concurrent requests are serialized so the
// user never sees overlapping prompts.
type Gate struct {
	mu       sync.Mutex
	store    *Store
	chain    *audit.Chain
	prompter Prompter
	log      *slog.Logger
}

// NewGate creates a permission gate. The prompter may be nil, in which case
// undecided requests are denied.
func NewGate(store *Store, chain *audit.Chain, prompter Prompter) *Gate {
	return &Gate{
		store:    store,
		chain:    chain,
		prompter: prompter,
		log:      logging.WithComponent("permission"),
	}
}

// Request resolves a permission request for the given capability class.
// A persisted decision is returned immediately with Cached=true and no user
// interaction; otherwise the prompter decides. The default on any failed or
// ambiguous interaction is deny.
func (g *Gate) Request(ctx context.Context, class, reason string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cached, ok := g.store.Get(class); ok {
		d := Decision{Allow: cached == DecisionAllow, Cached: true, Mode: ModeCached}
		g.auditResolution(class, d)
		return d
	}

	if g.prompter == nil {
		g.log.Warn("no prompter configured, denying", slog.String("class", class))
		d := Decision{Allow: false, Mode: ModeError}
		g.auditResolution(class, d)
		return d
	}

	choice, err := g.prompter.Prompt(ctx, class, reason)
	if err != nil {
		g.log.Warn("permission prompt failed, denying",
			slog.String("class", class),
			slog.Any("error", err))
		d := Decision{Allow: false, Mode: ModeError}
		g.auditResolution(class, d)
		return d
	}

	var d Decision
	switch choice {
	case ChoiceAllowOnce:
		d = Decision{Allow: true, Mode: ModeOnce}
	case ChoiceAlwaysAllow:
		d = Decision{Allow: true, Mode: ModeAlways}
		if err := g.store.Set(class, DecisionAllow); err != nil {
			// Persistence failure downgrades to a one-time grant.
			g.log.Error("failed to persist allow decision", slog.Any("error", err))
			d.Mode = ModeOnce
		}
	case ChoiceAlwaysDeny:
		d = Decision{Allow: false, Mode: ModeAlwaysDeny}
		if err := g.store.Set(class, DecisionDeny); err != nil {
			g.log.Error("failed to persist deny decision", slog.Any("error", err))
			d.Mode = ModeDenied
		}
	default:
		d = Decision{Allow: false, Mode: ModeDenied}
	}

	g.auditResolution(class, d)

	g.log.Info("permission resolved",
		slog.String("class", class),
		slog.Bool("allow", d.Allow),
		slog.String("mode", d.Mode))
	return d
}

// auditResolution journals a resolution; audit writes are best-effort.
func (g *Gate) auditResolution(class string, d Decision) {
	if g.chain == nil {
		return
	}
	decision := DecisionDeny
	if d.Allow {
		decision = DecisionAllow
	}
	g.chain.Append("permission_resolved", map[string]any{
		"class":    class,
		"decision": decision,
		"mode":     d.Mode,
		"cached":   d.Cached,
	})
}
