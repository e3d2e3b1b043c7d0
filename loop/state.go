package loop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mwestbrook/gyre/llm"
)

// ToolInvocation is one tool call issued by the model.
type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Signature returns a content-addressable digest of the invocation (tool
// name plus normalized argument hash), used for repetition and oscillation
// comparisons.
func (t ToolInvocation) Signature() string {
	h := sha256.Sum256(canonicalArgs(t.Arguments))
	return fmt.Sprintf("%s:%x", t.Name, h[:8])
}

// canonicalArgs re-marshals JSON arguments so that key order does not affect
// the signature. Unparseable arguments hash as-is.
func canonicalArgs(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v) // map keys marshal sorted
	if err != nil {
		return raw
	}
	return out
}

// ToolOutcome is the recorded result of executing one tool call.
type ToolOutcome struct {
	Tool     string        `json:"tool"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// IterationRecord captures one loop iteration for the stuck detector and
// the history query surface.
type IterationRecord struct {
	Number   int              `json:"number"`
	Calls    []ToolInvocation `json:"calls"`
	Outcomes []ToolOutcome    `json:"outcomes"`
	Usage    llm.Usage        `json:"usage"`
	Cost     float64          `json:"cost"`
	Duration time.Duration    `json:"duration"`
	// FilesModified is the size of the run's modified-file set when this
	// iteration ended.
	FilesModified int `json:"files_modified"`
}

// Status is a point-in-time snapshot of a run, safe to read from other
// goroutines.
type Status struct {
	Iteration     int           `json:"iteration"`
	Usage         llm.Usage     `json:"usage"`
	Cost          float64       `json:"cost"`
	Elapsed       time.Duration `json:"elapsed"`
	FilesModified []string      `json:"files_modified"`
	StuckCount    int           `json:"stuck_count"`
	Running       bool          `json:"running"`
}

// Snapshot is the read-only view of loop state handed to custom completion
// predicates.
type Snapshot struct {
	Iteration     int
	Usage         llm.Usage
	Cost          float64
	Elapsed       time.Duration
	FilesModified []string
	History       []IterationRecord
	// DoneSummary holds the argument of the most recent done tool call.
	DoneSummary string
}

// runState is the mutable loop state, owned by the engine and guarded by
// its mutex. Iteration, usage, and cost only ever increase; the
// conversation only shrinks through the compactor.
type runState struct {
	iteration    int
	usage        llm.Usage
	cost         float64
	modified     map[string]struct{}
	conversation []llm.Message
	// summarized counts leading summary messages the compactor produced, so
	// the same message is never summarized twice.
	summarized   int
	pendingNudge string
	history      []IterationRecord
	historyCap   int
	stuckCount   int
	doneSummary  string
	errorCount   int
	toolCalls    map[string]int
	startedAt    time.Time
}

func newRunState(historyCap int) *runState {
	return &runState{
		modified:   make(map[string]struct{}),
		toolCalls:  make(map[string]int),
		historyCap: historyCap,
		startedAt:  time.Now(),
	}
}

// pushHistory appends a record, evicting the oldest past the cap.
func (s *runState) pushHistory(rec IterationRecord) {
	s.history = append(s.history, rec)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
}

// modifiedFiles returns the modified-path set sorted.
func (s *runState) modifiedFiles() []string {
	paths := make([]string, 0, len(s.modified))
	for p := range s.modified {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s *runState) historyCopy() []IterationRecord {
	h := make([]IterationRecord, len(s.history))
	copy(h, s.history)
	return h
}
