package loop

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *ProcessManager {
	t.Helper()
	m := NewProcessManager(t.TempDir(), nil)
	m.grace = 500 * time.Millisecond
	t.Cleanup(m.StopAll)
	return m
}

func TestStartAndStop(t *testing.T) {
	m := newTestManager(t)

	ready, err := m.Start(context.Background(), "sleeper", "sleep 100", StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !ready {
		t.Error("start without a ready pattern should report ready")
	}
	if !m.IsRunning("sleeper") {
		t.Fatal("process should be running")
	}

	if err := m.Stop("sleeper"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.IsRunning("sleeper") {
		t.Error("process should be gone after stop")
	}
	if err := m.Stop("sleeper"); err == nil {
		t.Error("stopping twice should report the missing name")
	}
}

func TestStartInvalidCommand(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Start(context.Background(), "bad", "", StartOptions{}); err == nil {
		t.Error("empty command should fail")
	}
	if _, err := m.Start(context.Background(), "", "sleep 1", StartOptions{}); err == nil {
		t.Error("empty name should fail")
	}
}

func TestReadyPattern(t *testing.T) {
	m := newTestManager(t)

	ready, err := m.Start(context.Background(), "server",
		`sh -c "echo listening on :8080; sleep 100"`,
		StartOptions{ReadyPattern: `listening on :\d+`})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !ready {
		t.Error("expected ready once the pattern appeared")
	}

	out, err := m.Output("server", 0)
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if !strings.Contains(out, "listening on :8080") {
		t.Errorf("output missing ready line: %q", out)
	}
}

func TestReadyTimeoutIsNotAnError(t *testing.T) {
	m := newTestManager(t)

	ready, err := m.Start(context.Background(), "quiet", "sleep 100",
		StartOptions{ReadyPattern: "never printed", ReadyTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ready {
		t.Error("expected ready=false on timeout")
	}
	// The process keeps running; the timeout only ends the wait.
	if !m.IsRunning("quiet") {
		t.Error("process should survive a ready timeout")
	}
}

func TestExitBeforeReady(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Start(context.Background(), "flash", "true",
		StartOptions{ReadyPattern: "never", ReadyTimeout: 5 * time.Second})
	if err == nil {
		t.Error("expected an error when the process exits before the pattern")
	}
}

func TestReplaceOnStart(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, "svc", "sleep 100", StartOptions{}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	first := m.procs["svc"].PID

	if _, err := m.Start(ctx, "svc", "sleep 100", StartOptions{}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	second := m.procs["svc"].PID

	if first == second {
		t.Error("replacement should spawn a new process")
	}
	if names := m.Names(); len(names) != 1 || names[0] != "svc" {
		t.Errorf("expected exactly one tracked process, got %v", names)
	}
}

func TestStopAllIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, "a", "sleep 100", StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, "b", "sleep 100", StartOptions{}); err != nil {
		t.Fatal(err)
	}

	m.StopAll()
	if len(m.Names()) != 0 {
		t.Errorf("expected no tracked processes, got %v", m.Names())
	}
	m.StopAll() // second call is a no-op
}

func TestOutputCapturesBothStreams(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Start(context.Background(), "chatty",
		`sh -c "echo out; echo err >&2; echo done; sleep 100"`,
		StartOptions{ReadyPattern: "done"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	out, err := m.Output("chatty", 0)
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	for _, want := range []string{"out", "err"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestLineRing(t *testing.T) {
	r := newLineRing(3)
	if r.Len() != 0 {
		t.Errorf("empty ring len = %d", r.Len())
	}

	r.Append("1")
	r.Append("2")
	got := r.Last(0)
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("partial ring: %v", got)
	}

	r.Append("3")
	r.Append("4") // evicts "1"
	got = r.Last(0)
	if len(got) != 3 || got[0] != "2" || got[2] != "4" {
		t.Errorf("wrapped ring: %v", got)
	}

	got = r.Last(2)
	if len(got) != 2 || got[0] != "3" || got[1] != "4" {
		t.Errorf("last 2: %v", got)
	}

	if r.Len() != 3 {
		t.Errorf("full ring len = %d", r.Len())
	}
}

func TestReadyMatcherLiteralFallback(t *testing.T) {
	// "[ready]" is an invalid regex; it must still match as a substring.
	ch := make(chan struct{})
	m := newReadyMatcher("server [ready](", ch)
	m.Check("startup: server [ready]( on port 80")
	select {
	case <-ch:
	default:
		t.Error("literal fallback did not match")
	}
}
