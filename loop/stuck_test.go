package loop

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mwestbrook/gyre/llm"
)

func llmUsage(in, out int) llm.Usage {
	return llm.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

func inv(name, args string) ToolInvocation {
	return ToolInvocation{ID: "call_1", Name: name, Arguments: json.RawMessage(args)}
}

func iterWith(n int, calls ...ToolInvocation) IterationRecord {
	outcomes := make([]ToolOutcome, len(calls))
	for i, c := range calls {
		outcomes[i] = ToolOutcome{Tool: c.Name, Success: true}
	}
	return IterationRecord{Number: n, Calls: calls, Outcomes: outcomes}
}

func failingIter(n int, tool, errMsg string) IterationRecord {
	return IterationRecord{
		Number:   n,
		Calls:    []ToolInvocation{inv(tool, `{"command":"make test"}`)},
		Outcomes: []ToolOutcome{{Tool: tool, Success: false, Error: errMsg}},
	}
}

func TestSignatureIgnoresKeyOrder(t *testing.T) {
	a := inv("bash", `{"command":"ls","timeout_ms":1000}`)
	b := inv("bash", `{"timeout_ms":1000,"command":"ls"}`)
	if a.Signature() != b.Signature() {
		t.Errorf("signatures differ for equivalent arguments: %q vs %q", a.Signature(), b.Signature())
	}
	c := inv("bash", `{"command":"pwd"}`)
	if a.Signature() == c.Signature() {
		t.Error("different arguments produced the same signature")
	}
}

func TestDetectEmptyHistory(t *testing.T) {
	if v := Detect(nil, DefaultStuckConfig()); v.Reason != StuckNone {
		t.Errorf("expected none on empty history, got %s", v.Reason)
	}
}

func TestDetectRepetitive(t *testing.T) {
	var history []IterationRecord
	for i := 1; i <= 3; i++ {
		history = append(history, iterWith(i, inv("bash", `{"command":"ls"}`)))
	}

	v := Detect(history, DefaultStuckConfig())
	if v.Reason != StuckRepetitive {
		t.Fatalf("expected repetitive, got %s (%s)", v.Reason, v.Details)
	}
	if v.FirstIteration != 1 || v.LastIteration != 3 {
		t.Errorf("expected range 1..3, got %d..%d", v.FirstIteration, v.LastIteration)
	}
}

func TestDetectRepetitiveBrokenRun(t *testing.T) {
	history := []IterationRecord{
		iterWith(1, inv("bash", `{"command":"ls"}`)),
		iterWith(2, inv("bash", `{"command":"ls"}`)),
		iterWith(3, inv("bash", `{"command":"pwd"}`)), // breaks the run
		iterWith(4, inv("bash", `{"command":"ls"}`)),
		iterWith(5, inv("bash", `{"command":"ls"}`)),
	}
	if v := Detect(history, DefaultStuckConfig()); v.Reason != StuckNone {
		t.Errorf("expected none for a broken run, got %s", v.Reason)
	}
}

func TestDetectRepetitiveRequiresSoleCall(t *testing.T) {
	var history []IterationRecord
	for i := 1; i <= 4; i++ {
		history = append(history, iterWith(i,
			inv("bash", `{"command":"ls"}`),
			inv("readFile", fmt.Sprintf(`{"path":"f%d.txt"}`, i)),
		))
	}
	if v := Detect(history, DefaultStuckConfig()); v.Reason == StuckRepetitive {
		t.Error("iterations with multiple distinct calls should not count as repetitive")
	}
}

func TestDetectErrorLoop(t *testing.T) {
	// Same tool, same error modulo line numbers, three iterations apart.
	history := []IterationRecord{
		failingIter(1, "bash", "main.go:17: undefined: frobnicate"),
		iterWith(2, inv("readFile", `{"path":"main.go"}`)),
		failingIter(3, "bash", "main.go:19: undefined: frobnicate"),
		failingIter(4, "bash", "main.go:22: undefined: frobnicate"),
	}

	v := Detect(history, DefaultStuckConfig())
	if v.Reason != StuckErrorLoop {
		t.Fatalf("expected error_loop, got %s (%s)", v.Reason, v.Details)
	}
	if v.FirstIteration != 1 || v.LastIteration != 4 {
		t.Errorf("expected range 1..4, got %d..%d", v.FirstIteration, v.LastIteration)
	}
}

func TestDetectErrorLoopDistinctErrors(t *testing.T) {
	history := []IterationRecord{
		failingIter(1, "bash", "no such file or directory"),
		failingIter(2, "bash", "permission denied"),
		failingIter(3, "bash", "connection refused"),
	}
	if v := Detect(history, DefaultStuckConfig()); v.Reason == StuckErrorLoop {
		t.Error("distinct errors should not count as an error loop")
	}
}

func TestDetectOscillation(t *testing.T) {
	a := inv("writeFile", `{"path":"a.go","content":"x"}`)
	b := inv("bash", `{"command":"go test"}`)
	var history []IterationRecord
	for i := 1; i <= 6; i++ {
		if i%2 == 1 {
			history = append(history, iterWith(i, a))
		} else {
			history = append(history, iterWith(i, b))
		}
	}

	v := Detect(history, DefaultStuckConfig())
	if v.Reason != StuckOscillation {
		t.Fatalf("expected oscillation, got %s (%s)", v.Reason, v.Details)
	}
	if v.FirstIteration != 1 || v.LastIteration != 6 {
		t.Errorf("expected range 1..6, got %d..%d", v.FirstIteration, v.LastIteration)
	}
}

func TestDetectOscillationNeedsDistinctSignatures(t *testing.T) {
	// A pure repeat must classify as repetitive, never as a degenerate cycle.
	var history []IterationRecord
	for i := 1; i <= 6; i++ {
		history = append(history, iterWith(i, inv("bash", `{"command":"ls"}`)))
	}
	v := Detect(history, DefaultStuckConfig())
	if v.Reason != StuckRepetitive {
		t.Errorf("expected repetitive for identical signatures, got %s", v.Reason)
	}
}

func TestDetectNoProgress(t *testing.T) {
	var history []IterationRecord
	for i := 1; i <= 5; i++ {
		rec := iterWith(i, inv("readFile", fmt.Sprintf(`{"path":"doc%d.md"}`, i)))
		rec.Usage = llmUsage(4000, 2000)
		rec.FilesModified = 0 // nothing modified across the window
		history = append(history, rec)
	}

	v := Detect(history, DefaultStuckConfig())
	if v.Reason != StuckNoProgress {
		t.Fatalf("expected no_progress, got %s (%s)", v.Reason, v.Details)
	}
}

// The comparison baseline is the modified-file count just before the window,
// so a stall that began before the window still counts as no progress.
func TestDetectNoProgressWithPreWindowBaseline(t *testing.T) {
	var history []IterationRecord
	for i := 1; i <= 14; i++ {
		rec := iterWith(i, inv("readFile", fmt.Sprintf(`{"path":"doc%d.md"}`, i)))
		rec.Usage = llmUsage(4000, 2000)
		rec.FilesModified = 2 // stalled at 2 since before the window
		history = append(history, rec)
	}

	v := Detect(history, DefaultStuckConfig())
	if v.Reason != StuckNoProgress {
		t.Fatalf("expected no_progress, got %s (%s)", v.Reason, v.Details)
	}
}

// A file modified during the window's first iteration is progress, even
// though the count never moves within the window itself.
func TestDetectNoProgressCountsFirstIterationWork(t *testing.T) {
	var history []IterationRecord
	for i := 1; i <= 5; i++ {
		rec := iterWith(i, inv("readFile", fmt.Sprintf(`{"path":"doc%d.md"}`, i)))
		rec.Usage = llmUsage(4000, 2000)
		rec.FilesModified = 1 // written in iteration 1, before that: zero
		history = append(history, rec)
	}
	if v := Detect(history, DefaultStuckConfig()); v.Reason == StuckNoProgress {
		t.Error("work done in the window's first iteration should count as progress")
	}
}

func TestDetectNoProgressResetByNewFile(t *testing.T) {
	var history []IterationRecord
	for i := 1; i <= 5; i++ {
		rec := iterWith(i, inv("readFile", fmt.Sprintf(`{"path":"doc%d.md"}`, i)))
		rec.Usage = llmUsage(4000, 2000)
		rec.FilesModified = i // growing
		history = append(history, rec)
	}
	if v := Detect(history, DefaultStuckConfig()); v.Reason == StuckNoProgress {
		t.Error("growing modified-file set should not count as no progress")
	}
}

// Priority: a specific pattern must win over no_progress even when the token
// threshold is crossed with no new files.
func TestDetectPriorityOverNoProgress(t *testing.T) {
	var history []IterationRecord
	for i := 1; i <= 4; i++ {
		rec := iterWith(i, inv("bash", `{"command":"go test"}`))
		rec.Usage = llmUsage(10000, 5000)
		rec.FilesModified = 0
		history = append(history, rec)
	}

	v := Detect(history, DefaultStuckConfig())
	if v.Reason != StuckRepetitive {
		t.Errorf("expected repetitive to outrank no_progress, got %s", v.Reason)
	}
}

// Priority: error_loop outranks repetitive when the same call both repeats
// and fails identically.
func TestDetectPriorityErrorLoopFirst(t *testing.T) {
	var history []IterationRecord
	for i := 1; i <= 4; i++ {
		history = append(history, failingIter(i, "bash", "exit status 2: tests failed"))
	}

	v := Detect(history, DefaultStuckConfig())
	if v.Reason != StuckErrorLoop {
		t.Errorf("expected error_loop to outrank repetitive, got %s", v.Reason)
	}
}

func TestDetectWindowBoundsLookback(t *testing.T) {
	// Three identical calls followed by enough distinct ones to push them out
	// of a 10-iteration window.
	var history []IterationRecord
	for i := 1; i <= 3; i++ {
		history = append(history, iterWith(i, inv("bash", `{"command":"ls"}`)))
	}
	for i := 4; i <= 14; i++ {
		history = append(history, iterWith(i, inv("bash", fmt.Sprintf(`{"command":"cmd%d"}`, i))))
	}
	if v := Detect(history, DefaultStuckConfig()); v.Reason != StuckNone {
		t.Errorf("expected none once the pattern left the window, got %s", v.Reason)
	}
}

func TestNormalizeError(t *testing.T) {
	a := normalizeError("main.go:17: undefined: Frobnicate")
	b := normalizeError("main.go:42:  undefined: frobnicate")
	if a != b {
		t.Errorf("expected equal normalized errors, got %q vs %q", a, b)
	}
	if normalizeError("permission denied") == normalizeError("connection refused") {
		t.Error("distinct errors normalized to the same form")
	}
}
