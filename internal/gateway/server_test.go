package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/autopilot"
	"github.com/wardenhq/warden/internal/history"
	"github.com/wardenhq/warden/internal/permission"
	"github.com/wardenhq/warden/internal/runner"
)

// mockController implements Controller with scripted results.
type mockController struct {
	runnerState    runner.State
	autopilotState autopilot.State
	degraded       bool
	degradedReason string

	armErr     error
	disarmErr  error
	startErr   error
	pauseErr   error
	resumeErr  error
	stopErr    error
	decision   permission.Decision
	lastTask   string
	lastClass  string
	lastReason string
}

func (m *mockController) RunnerState() runner.State         { return m.runnerState }
func (m *mockController) AutopilotState() autopilot.State   { return m.autopilotState }
func (m *mockController) AuditDegraded() (bool, string)     { return m.degraded, m.degradedReason }
func (m *mockController) Disarm(reason string) error        { m.lastReason = reason; return m.disarmErr }
func (m *mockController) PauseTask() error                  { return m.pauseErr }
func (m *mockController) ResumeTask() error                 { return m.resumeErr }
func (m *mockController) StopTask(reason string) error      { m.lastReason = reason; return m.stopErr }

func (m *mockController) Arm(_ context.Context, reason string) error {
	m.lastReason = reason
	return m.armErr
}

func (m *mockController) StartTask(_ context.Context, taskText string) error {
	m.lastTask = taskText
	return m.startErr
}

func (m *mockController) RequestPermission(_ context.Context, class, reason string) permission.Decision {
	m.lastClass = class
	m.lastReason = reason
	return m.decision
}

// mockHistory implements HistoryReader.
type mockHistory struct {
	runs []*history.Run
	logs []history.LogLine
}

func (m *mockHistory) RecentRuns(limit int) ([]*history.Run, error) {
	if limit < len(m.runs) {
		return m.runs[:limit], nil
	}
	return m.runs, nil
}

func (m *mockHistory) Logs(runID string) ([]history.LogLine, error) { return m.logs, nil }

// mockEvents implements EventSource. Subscribe happens on the server
// goroutine, publish on the test goroutine, so access is locked.
type mockEvents struct {
	mu   sync.Mutex
	subs []chan Event
}

func (m *mockEvents) Subscribe() chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 64)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *mockEvents) Unsubscribe(ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}
	close(ch)
}

func (m *mockEvents) publish(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func newTestServer(ctrl *mockController) (*Server, *mockEvents) {
	events := &mockEvents{}
	hist := &mockHistory{
		runs: []*history.Run{
			{RunID: "run-1", TaskText: "newest", Phase: "done"},
			{RunID: "run-0", TaskText: "older", Phase: "failed"},
		},
		logs: []history.LogLine{{RunID: "run-1", Line: "Task accepted: newest"}},
	}
	srv := NewServer(&Config{Host: "127.0.0.1", Port: 0}, ctrl, hist, events)
	return srv, events
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(&mockController{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStateEndpoint(t *testing.T) {
	ctrl := &mockController{
		runnerState:    runner.State{Phase: runner.PhaseRunning, Running: true, RunID: "run-9"},
		autopilotState: autopilot.State{Armed: true, Hotkey: "F13"},
		degraded:       true,
		degradedReason: "disk full",
	}
	srv, _ := newTestServer(ctrl)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/state")
	if err != nil {
		t.Fatalf("GET /api/v1/state: %v", err)
	}
	defer resp.Body.Close()

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snap.Runner.Running || snap.Runner.RunID != "run-9" {
		t.Errorf("runner snapshot = %+v", snap.Runner)
	}
	if !snap.Autopilot.Armed || snap.Autopilot.Hotkey != "F13" {
		t.Errorf("autopilot snapshot = %+v", snap.Autopilot)
	}
	if !snap.AuditDegraded || snap.AuditReason != "disk full" {
		t.Errorf("audit snapshot = %v %q", snap.AuditDegraded, snap.AuditReason)
	}
}

func TestRunsEndpoint(t *testing.T) {
	srv, _ := newTestServer(&mockController{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runs?limit=1")
	if err != nil {
		t.Fatalf("GET /api/v1/runs: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Runs []*history.Run `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].RunID != "run-1" {
		t.Errorf("runs = %+v, want [run-1]", body.Runs)
	}

	bad, err := http.Get(ts.URL + "/api/v1/runs?limit=zero")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d, want 400", bad.StatusCode)
	}
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		setup      func(*mockController)
		wantStatus int
	}{
		{"arm ok", "/api/v1/autopilot/arm", `{"reason":"night shift"}`, func(c *mockController) {}, http.StatusOK},
		{"arm denied", "/api/v1/autopilot/arm", `{}`, func(c *mockController) { c.armErr = autopilot.ErrPermissionDenied }, http.StatusForbidden},
		{"arm twice", "/api/v1/autopilot/arm", `{}`, func(c *mockController) { c.armErr = autopilot.ErrAlreadyArmed }, http.StatusConflict},
		{"disarm idle", "/api/v1/autopilot/disarm", `{}`, func(c *mockController) { c.disarmErr = autopilot.ErrNotArmed }, http.StatusConflict},
		{"start ok", "/api/v1/task/start", `{"task":"collect invoices"}`, func(c *mockController) {}, http.StatusOK},
		{"start empty", "/api/v1/task/start", `{}`, func(c *mockController) { c.startErr = runner.ErrEmptyTask }, http.StatusBadRequest},
		{"start no key", "/api/v1/task/start", `{"task":"x"}`, func(c *mockController) { c.startErr = runner.ErrNoAPIKey }, http.StatusBadRequest},
		{"start busy", "/api/v1/task/start", `{"task":"x"}`, func(c *mockController) { c.startErr = runner.ErrAlreadyRunning }, http.StatusConflict},
		{"pause idle", "/api/v1/task/pause", ``, func(c *mockController) { c.pauseErr = runner.ErrNotRunning }, http.StatusConflict},
		{"resume ok", "/api/v1/task/resume", ``, func(c *mockController) {}, http.StatusOK},
		{"stop ok", "/api/v1/task/stop", `{"reason":"user asked"}`, func(c *mockController) {}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &mockController{}
			tt.setup(ctrl)
			srv, _ := newTestServer(ctrl)
			ts := httptest.NewServer(srv.Handler())
			defer ts.Close()

			resp, err := http.Post(ts.URL+tt.path, "application/json", bytes.NewReader([]byte(tt.body)))
			if err != nil {
				t.Fatalf("POST %s: %v", tt.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestPermissionEndpoint(t *testing.T) {
	ctrl := &mockController{
		decision: permission.Decision{Allow: true, Cached: true, Mode: permission.ModeCached},
	}
	srv, _ := newTestServer(ctrl)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"class":"os_control","reason":"arming autopilot"}`
	resp, err := http.Post(ts.URL+"/api/v1/permission", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST /api/v1/permission: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var d permission.Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !d.Allow || !d.Cached || d.Mode != permission.ModeCached {
		t.Errorf("decision = %+v", d)
	}
	if ctrl.lastClass != "os_control" || ctrl.lastReason != "arming autopilot" {
		t.Errorf("controller saw class=%q reason=%q", ctrl.lastClass, ctrl.lastReason)
	}

	// Class is mandatory; a denial is still 200, but a missing class is not
	// a resolvable request.
	missing, err := http.Post(ts.URL+"/api/v1/permission", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Errorf("missing class status = %d, want 400", missing.StatusCode)
	}
}

func TestCommandsRejectGet(t *testing.T) {
	srv, _ := newTestServer(&mockController{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/task/start")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	ctrl := &mockController{}
	events := &mockEvents{}
	cfg := &Config{
		Host: "127.0.0.1",
		Auth: &AuthConfig{Type: AuthTypeAPIToken, Token: "sekrit"},
	}
	srv := NewServer(cfg, ctrl, &mockHistory{}, events)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Health stays public.
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	// API requires the token.
	resp, err = http.Get(ts.URL + "/api/v1/state")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/state", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	ctrl := &mockController{
		runnerState: runner.State{Phase: runner.PhaseIdle},
	}
	srv, events := newTestServer(ctrl)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Initial snapshot arrives first.
	var initial Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if initial.Type != "state" {
		t.Errorf("initial type = %q, want state", initial.Type)
	}

	// A published bus event is relayed.
	events.publish(Event{Type: "notify", Timestamp: time.Now().UTC(), Payload: "Run complete"})

	var relayed Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&relayed); err != nil {
		t.Fatalf("read relayed: %v", err)
	}
	if relayed.Type != "notify" || relayed.Payload != "Run complete" {
		t.Errorf("relayed = %+v", relayed)
	}
}
