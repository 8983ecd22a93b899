package runner

import (
	"context"
	"strings"
	"testing"
)

func TestCommandBackendSuccess(t *testing.T) {
	backend := NewCommandBackend("sh", "-c", `
cat >/dev/null
echo "working on it"
echo "STEP: gathered inputs"
echo "final answer"`)

	var logs []string
	var steps []string
	res, err := backend.Execute(context.Background(), ExecuteOptions{
		TaskText:      "do the thing",
		Credential:    "key",
		ArtifactsRoot: t.TempDir(),
		OnLog:         func(line string) { logs = append(logs, line) },
		OnStep:        func(title string, _ StepStatus, _ string) { steps = append(steps, title) },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("result not OK: %+v", res)
	}
	if res.Answer != "final answer" {
		t.Errorf("answer = %q, want last line", res.Answer)
	}
	if len(steps) != 1 || steps[0] != "gathered inputs" {
		t.Errorf("steps = %v", steps)
	}
	for _, l := range logs {
		if strings.HasPrefix(l, stepPrefix) {
			t.Errorf("step line leaked into logs: %q", l)
		}
	}
	if res.ArtifactPath == "" {
		t.Error("artifact path should be set")
	}
}

func TestCommandBackendFailure(t *testing.T) {
	backend := NewCommandBackend("sh", "-c", `cat >/dev/null; echo "bad credentials" >&2; exit 3`)

	res, err := backend.Execute(context.Background(), ExecuteOptions{
		TaskText:   "do the thing",
		Credential: "key",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK {
		t.Fatal("result should not be OK")
	}
	if !strings.Contains(res.Err, "bad credentials") {
		t.Errorf("err = %v, want stderr detail", res.Err)
	}
}

func TestCommandBackendStdinDocument(t *testing.T) {
	got := buildAgentInput(ExecuteOptions{
		TaskText:  "the task",
		RulesText: "rule one",
		History:   "earlier context",
	})
	want := "rule one\n\nearlier context\n\nthe task\n"
	if got != want {
		t.Errorf("input = %q, want %q", got, want)
	}
}
