package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/mwestbrook/gyre/llm"
)

// Summarizer condenses a conversation transcript into a short summary. The
// engine wires one backed by the run's model transport.
type Summarizer func(ctx context.Context, transcript string) (string, error)

// CompactStats records one compaction pass for the trace.
type CompactStats struct {
	MessagesBefore int `json:"messagesBefore"`
	MessagesAfter  int `json:"messagesAfter"`
	TokensBefore   int `json:"tokensBefore"`
	TokensAfter    int `json:"tokensAfter"`
}

// Compactor keeps a conversation within a token budget by folding the
// oldest unsummarized run of messages into one synthetic summary message.
// The leading message is the run's system prompt and is never folded, the
// most recent KeepRecent messages are never touched, and a summary message
// is never summarized again.
type Compactor struct {
	cfg       CompactConfig
	summarize Summarizer
	enc       *tiktoken.Tiktoken // nil falls back to chars/4
}

// NewCompactor builds a compactor. Token counting uses tiktoken's cl100k
// encoding when it is available and a chars/4 estimate otherwise (the
// encoding data may be unavailable offline).
func NewCompactor(cfg CompactConfig, summarize Summarizer) *Compactor {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Compactor{cfg: cfg.withDefaults(), summarize: summarize, enc: enc}
}

// EstimateTokens estimates the token size of the conversation.
func (c *Compactor) EstimateTokens(msgs []llm.Message) int {
	total := 0
	for i := range msgs {
		total += c.countTokens(messageText(&msgs[i]))
	}
	return total
}

func (c *Compactor) countTokens(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// messageText flattens a message to text for counting and summarizing.
func messageText(msg *llm.Message) string {
	var sb strings.Builder
	for _, part := range msg.Content {
		switch part.Kind {
		case llm.ContentText:
			sb.WriteString(part.Text)
		case llm.ContentToolCall:
			if part.ToolCall != nil {
				fmt.Fprintf(&sb, "%s(%s)", part.ToolCall.Name, string(part.ToolCall.Arguments))
			}
		case llm.ContentToolResult:
			if part.ToolResult != nil {
				sb.WriteString(part.ToolResult.Content)
			}
		}
	}
	return sb.String()
}

// summaryPrefix marks compactor-produced messages.
const summaryPrefix = "[Conversation summary]\n"

// Compact folds the oldest unsummarized messages into one summary message
// when the conversation exceeds the token ceiling. summarized is the count
// of summary messages left after the system prompt by earlier passes; the
// returned count
// reflects any new summary. A pass with nothing new to fold is a no-op, so
// running Compact twice in a row without new messages changes nothing.
func (c *Compactor) Compact(ctx context.Context, msgs []llm.Message, summarized int) ([]llm.Message, int, *CompactStats, error) {
	tokensBefore := c.EstimateTokens(msgs)
	if tokensBefore <= c.cfg.MaxContextTokens {
		return msgs, summarized, nil, nil
	}

	// The foldable region excludes the system prompt at index 0, prior
	// summaries after it, and the KeepRecent tail. Losing the system prompt
	// would strip the task and rules from every later model request.
	pinned := 0
	if len(msgs) > 0 {
		pinned = 1
	}
	foldStart := pinned + summarized
	foldEnd := len(msgs) - c.cfg.KeepRecent
	if foldEnd <= foldStart {
		return msgs, summarized, nil, nil
	}
	fold := msgs[foldStart:foldEnd]

	var transcript strings.Builder
	for i := range fold {
		fmt.Fprintf(&transcript, "[%s] %s\n", fold[i].Role, messageText(&fold[i]))
	}

	summary, err := c.summarize(ctx, transcript.String())
	if err != nil {
		return msgs, summarized, nil, fmt.Errorf("summarize conversation: %w", err)
	}

	out := make([]llm.Message, 0, foldStart+1+c.cfg.KeepRecent)
	out = append(out, msgs[:foldStart]...)
	out = append(out, llm.SystemMessage(summaryPrefix+summary))
	out = append(out, msgs[foldEnd:]...)

	stats := &CompactStats{
		MessagesBefore: len(msgs),
		MessagesAfter:  len(out),
		TokensBefore:   tokensBefore,
		TokensAfter:    c.EstimateTokens(out),
	}
	return out, summarized + 1, stats, nil
}
