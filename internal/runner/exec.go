package runner

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/logging"
)

// CommandBackend executes tasks by shelling out to an agent command. The task
// text goes in on stdin; emitted lines stream back as run logs. Lines
// prefixed "STEP:" become proof steps. The full transcript is written under
// the artifacts root.
type CommandBackend struct {
	command string
	args    []string
	log     *slog.Logger
}

// stepPrefix marks an output line the agent wants surfaced as a report step.
const stepPrefix = "STEP:"

// NewCommandBackend creates a backend running the given command.
func NewCommandBackend(command string, args ...string) *CommandBackend {
	return &CommandBackend{
		command: command,
		args:    args,
		log:     logging.WithComponent("backend"),
	}
}

// Name returns the backend name.
func (b *CommandBackend) Name() string {
	return filepath.Base(b.command)
}

// Execute runs the agent command to completion.
func (b *CommandBackend) Execute(ctx context.Context, opts ExecuteOptions) (*Result, error) {
	cmd := exec.CommandContext(ctx, b.command, b.args...)
	cmd.Dir = opts.WorkingRoot
	cmd.Stdin = strings.NewReader(buildAgentInput(opts))
	cmd.Env = append(os.Environ(), "WARDEN_API_KEY="+opts.Credential)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	b.log.Debug("agent started",
		slog.String("command", b.command),
		slog.Int("pid", cmd.Process.Pid))

	var (
		transcript strings.Builder
		lastLine   string
		stderrTail strings.Builder
		mu         sync.Mutex
		wg         sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			transcript.WriteString(line)
			transcript.WriteByte('\n')
			if strings.TrimSpace(line) != "" {
				lastLine = line
			}
			mu.Unlock()

			if title, ok := strings.CutPrefix(line, stepPrefix); ok {
				if opts.OnStep != nil {
					opts.OnStep(strings.TrimSpace(title), StepOK, "")
				}
				continue
			}
			if opts.OnLog != nil {
				opts.OnLog(line)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			stderrTail.WriteString(line)
			stderrTail.WriteByte('\n')
			mu.Unlock()
			if opts.OnLog != nil {
				opts.OnLog(line)
			}
		}
	}()

	wg.Wait()
	runErr := cmd.Wait()

	mu.Lock()
	defer mu.Unlock()

	artifactPath := ""
	if opts.ArtifactsRoot != "" && transcript.Len() > 0 {
		artifactPath = filepath.Join(opts.ArtifactsRoot,
			fmt.Sprintf("run-%d.log", time.Now().UnixNano()))
		if err := os.WriteFile(artifactPath, []byte(transcript.String()), 0644); err != nil {
			b.log.Warn("artifact write failed", slog.Any("error", err))
			artifactPath = ""
		}
	}

	if runErr != nil {
		detail := strings.TrimSpace(stderrTail.String())
		if detail == "" {
			detail = runErr.Error()
		}
		return &Result{
			OK:           false,
			ArtifactPath: artifactPath,
			Err:          "agent failed: " + detail,
		}, nil
	}

	return &Result{
		OK:           true,
		Answer:       lastLine,
		ArtifactPath: artifactPath,
	}, nil
}

// buildAgentInput assembles the stdin document: rules, prior context, then
// the task itself.
func buildAgentInput(opts ExecuteOptions) string {
	var sb strings.Builder
	if opts.RulesText != "" {
		sb.WriteString(opts.RulesText)
		sb.WriteString("\n\n")
	}
	if opts.History != "" {
		sb.WriteString(opts.History)
		sb.WriteString("\n\n")
	}
	sb.WriteString(opts.TaskText)
	sb.WriteString("\n")
	return sb.String()
}
