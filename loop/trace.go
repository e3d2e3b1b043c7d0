package loop

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType is the closed vocabulary of trace event types.
type EventType string

const (
	EventAgentStart        EventType = "agent_start"
	EventAgentConfig       EventType = "agent_config"
	EventSystemPrompt      EventType = "system_prompt"
	EventIterationStart    EventType = "iteration_start"
	EventIterationEnd      EventType = "iteration_end"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventToolError         EventType = "tool_error"
	EventModelResponse     EventType = "model_response"
	EventMessage           EventType = "message"
	EventStuckDetected     EventType = "stuck_detected"
	EventNudgeInjected     EventType = "nudge_injected"
	EventContextSummarized EventType = "context_summarized"
	EventContextAnalysis   EventType = "context_analysis"
	EventAgentComplete     EventType = "agent_complete"
	EventAgentError        EventType = "agent_error"
	EventSummary           EventType = "summary"
)

// eventTypes is the set of valid types, for readers that validate.
var eventTypes = map[EventType]bool{
	EventAgentStart: true, EventAgentConfig: true, EventSystemPrompt: true,
	EventIterationStart: true, EventIterationEnd: true, EventToolCall: true,
	EventToolResult: true, EventToolError: true, EventModelResponse: true,
	EventMessage: true, EventStuckDetected: true, EventNudgeInjected: true,
	EventContextSummarized: true, EventContextAnalysis: true,
	EventAgentComplete: true, EventAgentError: true, EventSummary: true,
}

// ValidEventType reports whether t is in the closed trace vocabulary.
func ValidEventType(t string) bool {
	return eventTypes[EventType(t)]
}

// Recorder is a durable, append-only sink for structured execution events.
// One NDJSON line per event, written and flushed immediately so the file is
// tail-able while the run is live. A nil Recorder discards all events, which
// is how tracing is disabled.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
}

// NewRecorder opens (creating if needed) the trace file in append mode.
func NewRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("trace dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &Recorder{f: f, path: path}, nil
}

// Path returns the trace file path.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Append writes one event line. iter < 0 omits the iter field. Extra fields
// must be JSON-marshalable; events that fail to marshal are dropped rather
// than corrupting the file.
func (r *Recorder) Append(typ EventType, iter int, fields map[string]interface{}) {
	if r == nil {
		return
	}
	obj := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		obj[k] = v
	}
	obj["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	obj["type"] = string(typ)
	if iter >= 0 {
		obj["iter"] = iter
	}

	line, err := json.Marshal(obj)
	if err != nil {
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// One Write call per line keeps lines whole even under a crash.
	_, _ = r.f.Write(line)
}

// Close closes the file. Safe to call twice; events after Close are dropped.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

// ReadTrace parses a trace file back into one object per line, skipping
// malformed lines (a crash can leave a partial final line).
func ReadTrace(path string) ([]map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []map[string]interface{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(line, &obj); err != nil {
			continue
		}
		events = append(events, obj)
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}
