// Package warden wires the control plane together: audit chain, permission
// gate, task runner, autopilot supervisor, run history, housekeeping, and the
// gateway that exposes it all.
package warden

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/autopilot"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/history"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/permission"
	"github.com/wardenhq/warden/internal/runner"
)

// App is the main application.
type App struct {
	config     *config.Config
	chain      *audit.Chain
	permStore  *permission.Store
	gate       *permission.Gate
	bus        *events.Bus
	runner     *runner.Runner
	supervisor *autopilot.Supervisor
	hist       *history.Store
	gateway    *gateway.Server
	keeper     *Housekeeper
	log        *slog.Logger

	credential string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the App.
type Option func(*App)

// WithCredential overrides the backend credential read from the environment.
func WithCredential(cred string) Option {
	return func(a *App) { a.credential = cred }
}

// New creates the application. The backend executes tasks; the prompter,
// pointer source, and hotkeys are platform collaborators and may be nil,
// degrading the corresponding feature (permission prompts deny, autopilot
// arms without a baseline or hotkey).
func New(cfg *config.Config, backend runner.Backend, prompter permission.Prompter, pointer autopilot.PointerSource, hotkeys autopilot.Hotkeys, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.WithComponent("warden"),
	}

	for _, dir := range []string{
		filepath.Dir(cfg.Audit.LogPath),
		filepath.Dir(cfg.Permissions.Path),
		filepath.Dir(cfg.History.Path),
		cfg.Runner.WorkingRoot,
		cfg.Runner.ArtifactsRoot,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	chain, err := audit.NewChain(cfg.Audit.LogPath, cfg.Audit.PointerPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open audit chain: %w", err)
	}
	a.chain = chain

	store, err := permission.NewStore(cfg.Permissions.Path)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open permission store: %w", err)
	}
	a.permStore = store
	a.gate = permission.NewGate(store, chain, prompter)

	hist, err := history.NewStoreFromPath(cfg.History.Path)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	a.hist = hist

	a.bus = events.NewBus()
	a.runner = runner.NewRunner(backend, a.bus, chain,
		runner.WithJournal(hist),
		runner.WithRoots(cfg.Runner.WorkingRoot, cfg.Runner.ArtifactsRoot),
		runner.WithReportSteps(cfg.Runner.ReportSteps),
	)
	a.supervisor = autopilot.NewSupervisor(cfg.Autopilot, a.gate, chain, a.bus, a.runner, pointer, hotkeys)

	a.gateway = gateway.NewServer(cfg.Gateway, a, hist, &busEventSource{bus: a.bus})
	a.keeper = NewHousekeeper(chain, hist, cfg.Housekeeping)

	a.credential = os.Getenv(cfg.Runner.CredentialEnv)
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Start starts the gateway and housekeeping. It returns immediately; use
// Wait to block until shutdown.
func (a *App) Start() error {
	a.log.Info("starting warden")

	if err := a.keeper.Start(a.ctx); err != nil {
		a.log.Warn("housekeeping failed to start", slog.Any("error", err))
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.gateway.Start(a.ctx); err != nil {
			a.log.Error("gateway error", slog.Any("error", err))
		}
	}()

	a.log.Info("warden started",
		slog.String("host", a.config.Gateway.Host),
		slog.Int("port", a.config.Gateway.Port))
	return nil
}

// Stop shuts everything down: supervisor disarmed, running task stopped,
// gateway drained, stores closed.
func (a *App) Stop() error {
	a.log.Info("stopping warden")

	a.cancel()
	a.supervisor.Shutdown()
	a.runner.Stop("shutdown")
	a.keeper.Stop()
	_ = a.gateway.Shutdown()
	a.wg.Wait()
	_ = a.hist.Close()

	a.log.Info("warden stopped")
	return nil
}

// Wait blocks until the app has stopped.
func (a *App) Wait() {
	a.wg.Wait()
}

// Bus exposes the event bus for in-process observers.
func (a *App) Bus() *events.Bus { return a.bus }

// Chain exposes the audit chain.
func (a *App) Chain() *audit.Chain { return a.chain }

// RunnerState implements gateway.Controller.
func (a *App) RunnerState() runner.State { return a.runner.State() }

// AutopilotState implements gateway.Controller.
func (a *App) AutopilotState() autopilot.State { return a.supervisor.State() }

// AuditDegraded implements gateway.Controller.
func (a *App) AuditDegraded() (bool, string) { return a.chain.Degraded() }

// Arm implements gateway.Controller.
func (a *App) Arm(ctx context.Context, reason string) error {
	return a.supervisor.Arm(ctx, reason)
}

// Disarm implements gateway.Controller.
func (a *App) Disarm(reason string) error {
	return a.supervisor.Disarm(reason)
}

// RequestPermission implements gateway.Controller. It lets the frontend
// resolve a capability class ahead of the privileged action that needs it.
func (a *App) RequestPermission(ctx context.Context, class, reason string) permission.Decision {
	return a.gate.Request(ctx, class, reason)
}

// StartTask implements gateway.Controller.
func (a *App) StartTask(ctx context.Context, taskText string) error {
	return a.runner.Start(ctx, runner.StartRequest{
		TaskText:   taskText,
		Credential: a.credential,
		History:    a.recentHistory(),
		RulesText:  a.rulesText(),
	})
}

// recentHistory summarizes the last few runs for the backend's context.
func (a *App) recentHistory() string {
	runs, err := a.hist.RecentRuns(5)
	if err != nil {
		a.log.Warn("history summary failed", slog.Any("error", err))
		return ""
	}
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Phase, r.TaskText)
	}
	return b.String()
}

// rulesText loads the user's standing rules file, if present.
func (a *App) rulesText() string {
	if a.config.Runner.RulesPath == "" {
		return ""
	}
	data, err := os.ReadFile(a.config.Runner.RulesPath)
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.Warn("rules file unreadable", slog.Any("error", err))
		}
		return ""
	}
	return string(data)
}

// PauseTask implements gateway.Controller.
func (a *App) PauseTask() error { return a.runner.Pause() }

// ResumeTask implements gateway.Controller.
func (a *App) ResumeTask() error { return a.runner.Resume() }

// StopTask implements gateway.Controller.
func (a *App) StopTask(reason string) error {
	a.runner.Stop(reason)
	return nil
}

// busEventSource adapts the in-process bus to the gateway's wire events.
type busEventSource struct {
	bus *events.Bus

	mu   sync.Mutex
	subs map[chan gateway.Event]chan struct{}
}

func (b *busEventSource) Subscribe() chan gateway.Event {
	src := b.bus.Subscribe()
	out := make(chan gateway.Event, 64)
	stop := make(chan struct{})

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan gateway.Event]chan struct{})
	}
	b.subs[out] = stop
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer b.bus.Unsubscribe(src)
		for {
			select {
			case evt, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- gateway.Event{
					Type:      string(evt.Type),
					Timestamp: evt.Timestamp,
					Payload:   evt.Payload,
				}:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return out
}

func (b *busEventSource) Unsubscribe(ch chan gateway.Event) {
	b.mu.Lock()
	stop, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		close(stop)
	}
}
