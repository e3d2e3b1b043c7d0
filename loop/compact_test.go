package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mwestbrook/gyre/llm"
)

func stubSummarizer(summary string) Summarizer {
	return func(ctx context.Context, transcript string) (string, error) {
		return summary, nil
	}
}

// bigConversation builds a system message plus n user/assistant pairs with
// enough text to blow past small token ceilings.
func bigConversation(n int) []llm.Message {
	msgs := []llm.Message{llm.SystemMessage("You are an agent.")}
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			llm.UserMessage(fmt.Sprintf("step %d: %s", i, strings.Repeat("alpha beta gamma ", 50))),
			llm.AssistantMessage(fmt.Sprintf("reply %d: %s", i, strings.Repeat("delta epsilon ", 50))),
		)
	}
	return msgs
}

func TestCompactUnderCeilingIsNoOp(t *testing.T) {
	c := NewCompactor(CompactConfig{MaxContextTokens: 1 << 20, KeepRecent: 2}, stubSummarizer("s"))
	msgs := bigConversation(3)

	out, summarized, stats, err := c.Compact(context.Background(), msgs, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats != nil {
		t.Error("expected nil stats for a no-op pass")
	}
	if summarized != 0 || len(out) != len(msgs) {
		t.Errorf("no-op pass changed the conversation: %d msgs, summarized=%d", len(out), summarized)
	}
}

func TestCompactFoldsOldMessages(t *testing.T) {
	cfg := CompactConfig{MaxContextTokens: 200, KeepRecent: 4}
	c := NewCompactor(cfg, stubSummarizer("the agent set up the project"))
	msgs := bigConversation(10)

	out, summarized, stats, err := c.Compact(context.Background(), msgs, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats == nil {
		t.Fatal("expected a compaction to happen")
	}
	if summarized != 1 {
		t.Errorf("expected 1 summary message, got %d", summarized)
	}
	if len(out) != 2+cfg.KeepRecent {
		t.Errorf("expected system prompt + summary + %d recent messages, got %d", cfg.KeepRecent, len(out))
	}
	if out[0].TextContent() != "You are an agent." {
		t.Errorf("system prompt displaced: %q", out[0].TextContent())
	}
	if !strings.HasPrefix(out[1].TextContent(), summaryPrefix) {
		t.Errorf("second message is not a summary: %q", out[1].TextContent())
	}
	if !strings.Contains(out[1].TextContent(), "set up the project") {
		t.Error("summary text missing from summary message")
	}
	if stats.MessagesBefore != len(msgs) || stats.MessagesAfter != len(out) {
		t.Errorf("stats mismatch: %+v", stats)
	}
}

// The system prompt carries the task, rules, and context files; it must
// survive every compaction pass verbatim.
func TestCompactNeverFoldsSystemPrompt(t *testing.T) {
	const marker = "TASK: carve the initials into the oak door"
	cfg := CompactConfig{MaxContextTokens: 100, KeepRecent: 2}
	c := NewCompactor(cfg, stubSummarizer("s"))

	msgs := []llm.Message{llm.SystemMessage(marker)}
	msgs = append(msgs, bigConversation(6)[1:]...)

	summarized := 0
	for pass := 0; pass < 3; pass++ {
		var err error
		msgs, summarized, _, err = c.Compact(context.Background(), msgs, summarized)
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if !strings.Contains(msgs[0].TextContent(), marker) {
			t.Fatalf("pass %d folded the system prompt: %q", pass, msgs[0].TextContent())
		}
		// Grow the tail so later passes have something new to fold.
		msgs = append(msgs,
			llm.UserMessage(strings.Repeat("more work ", 100)),
			llm.AssistantMessage(strings.Repeat("more output ", 100)),
		)
	}
}

// The most recent KeepRecent messages must survive compaction untouched.
func TestCompactPreservesRecentTail(t *testing.T) {
	cfg := CompactConfig{MaxContextTokens: 200, KeepRecent: 3}
	c := NewCompactor(cfg, stubSummarizer("s"))
	msgs := bigConversation(8)
	tail := msgs[len(msgs)-cfg.KeepRecent:]

	out, _, _, err := c.Compact(context.Background(), msgs, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotTail := out[len(out)-cfg.KeepRecent:]
	for i := range tail {
		if gotTail[i].TextContent() != tail[i].TextContent() {
			t.Errorf("recent message %d changed: %q", i, gotTail[i].TextContent())
		}
	}
}

// Running the compactor again without new messages must change nothing, even
// when the compacted conversation is still over the ceiling. Summaries are
// never re-summarized.
func TestCompactTwiceIsStable(t *testing.T) {
	cfg := CompactConfig{MaxContextTokens: 100, KeepRecent: 4}
	c := NewCompactor(cfg, stubSummarizer(strings.Repeat("long summary ", 100)))
	msgs := bigConversation(10)

	once, summarized, stats, err := c.Compact(context.Background(), msgs, 0)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if stats == nil {
		t.Fatal("expected the first pass to compact")
	}

	twice, summarized2, stats2, err := c.Compact(context.Background(), once, summarized)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats2 != nil {
		t.Error("second pass without new messages should be a no-op")
	}
	if summarized2 != summarized || len(twice) != len(once) {
		t.Errorf("second pass changed state: %d msgs, summarized=%d", len(twice), summarized2)
	}
}

func TestCompactSummarizerFailure(t *testing.T) {
	c := NewCompactor(CompactConfig{MaxContextTokens: 100, KeepRecent: 2},
		func(ctx context.Context, transcript string) (string, error) {
			return "", errors.New("model unavailable")
		})
	msgs := bigConversation(6)

	out, summarized, _, err := c.Compact(context.Background(), msgs, 0)
	if err == nil {
		t.Fatal("expected the summarizer error to propagate")
	}
	// The original conversation must come back intact so the run continues.
	if len(out) != len(msgs) || summarized != 0 {
		t.Errorf("failed pass mutated the conversation: %d msgs, summarized=%d", len(out), summarized)
	}
}

func TestEstimateTokensGrowsWithContent(t *testing.T) {
	c := NewCompactor(DefaultCompactConfig(), stubSummarizer("s"))
	small := c.EstimateTokens([]llm.Message{llm.UserMessage("hi")})
	large := c.EstimateTokens(bigConversation(5))
	if small <= 0 {
		t.Errorf("small estimate = %d", small)
	}
	if large <= small {
		t.Errorf("expected larger conversation to estimate more tokens: %d <= %d", large, small)
	}
}
