package loop

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/mwestbrook/gyre/llm"
)

// Limits bounds a run. Zero values mean unlimited.
type Limits struct {
	MaxIterations int           `json:"max_iterations"`
	MaxCost       float64       `json:"max_cost"` // dollars
	Timeout       time.Duration `json:"timeout"`
}

// StuckConfig holds per-pattern thresholds for the stuck detector. Zero
// fields are filled from the defaults at run start.
type StuckConfig struct {
	// WindowSize is how many recent iterations the detector examines.
	// Default 10.
	WindowSize int `json:"window_size"`
	// RepetitiveThreshold is the number of consecutive iterations whose
	// only tool call shares one signature. Default 3.
	RepetitiveThreshold int `json:"repetitive_threshold"`
	// ErrorLoopThreshold is the number of iterations within the window in
	// which the same tool fails with the same normalized error. Default 3.
	ErrorLoopThreshold int `json:"error_loop_threshold"`
	// OscillationThreshold is the number of full short cycles (period two
	// or longer) of dominant signatures. Default 3.
	OscillationThreshold int `json:"oscillation_threshold"`
	// NoProgressTokenThreshold is the window token spend above which a run
	// with no new modified files counts as stuck. Default 25000.
	NoProgressTokenThreshold int `json:"no_progress_token_threshold"`
}

// DefaultStuckConfig returns the default detection thresholds.
func DefaultStuckConfig() StuckConfig {
	return StuckConfig{
		WindowSize:               10,
		RepetitiveThreshold:      3,
		ErrorLoopThreshold:       3,
		OscillationThreshold:     3,
		NoProgressTokenThreshold: 25000,
	}
}

// withDefaults fills zero fields from DefaultStuckConfig.
func (c StuckConfig) withDefaults() StuckConfig {
	d := DefaultStuckConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.RepetitiveThreshold <= 0 {
		c.RepetitiveThreshold = d.RepetitiveThreshold
	}
	if c.ErrorLoopThreshold <= 0 {
		c.ErrorLoopThreshold = d.ErrorLoopThreshold
	}
	if c.OscillationThreshold <= 0 {
		c.OscillationThreshold = d.OscillationThreshold
	}
	if c.NoProgressTokenThreshold <= 0 {
		c.NoProgressTokenThreshold = d.NoProgressTokenThreshold
	}
	return c
}

// CompactConfig bounds the conversation size.
type CompactConfig struct {
	// MaxContextTokens is the estimated token ceiling above which the
	// compactor runs. Default 80000.
	MaxContextTokens int `json:"max_context_tokens"`
	// KeepRecent is the number of most recent messages the compactor never
	// touches. Default 10.
	KeepRecent int `json:"keep_recent"`
}

// DefaultCompactConfig returns the default compaction settings.
func DefaultCompactConfig() CompactConfig {
	return CompactConfig{
		MaxContextTokens: 80000,
		KeepRecent:       10,
	}
}

func (c CompactConfig) withDefaults() CompactConfig {
	d := DefaultCompactConfig()
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = d.MaxContextTokens
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
	return c
}

// TraceConfig controls the NDJSON execution trace.
type TraceConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ContextFile is a static file merged into the system prompt.
type ContextFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Hooks are callbacks invoked synchronously from the loop. A slow hook
// stalls the whole run; none may block indefinitely.
type Hooks struct {
	// OnUpdate runs after every iteration with a status snapshot.
	OnUpdate func(Status)
	// OnStuck runs when the detector reports a verdict. Its return value is
	// injected as a nudge for the next iteration; returning "" terminates
	// the run with reason "stuck". A nil hook uses a built-in nudge.
	OnStuck func(Verdict) string
	// OnComplete runs once with the final result, on every termination path.
	OnComplete func(Result)
	// OnError runs when a model call fails fatally.
	OnError func(error)
}

// Config describes one run. It is immutable once the run starts; the only
// mid-run surface is Engine.Stop, Engine.Nudge, and the read-only queries.
type Config struct {
	// Model is the model identifier, resolved against the llm catalog.
	Model string
	// Task is the task description given to the agent.
	Task string
	// Rules are behavioral rule texts injected into the system prompt.
	Rules []string
	// WorkDir is the working directory for tools. Defaults to the current
	// directory.
	WorkDir string

	Limits     Limits
	Completion CompletionSpec
	Stuck      StuckConfig
	Compact    CompactConfig
	Trace      TraceConfig

	// ContextFiles are merged into the system prompt verbatim.
	ContextFiles []ContextFile
	// ExtraTools are registered alongside the core tool set.
	ExtraTools []RegisteredTool

	Hooks Hooks

	// Caller overrides the model transport. Defaults to a client built from
	// provider API keys in the environment.
	Caller llm.Caller
	// Logger overrides the default logger.
	Logger *log.Logger
}

// Run termination reasons.
const (
	ReasonCompleted     = "completed"
	ReasonMaxIterations = "max_iterations"
	ReasonMaxCost       = "max_cost"
	ReasonTimeout       = "timeout"
	ReasonStuck         = "stuck"
	ReasonStopped       = "stopped"
	ReasonError         = "error"
)

// Result is the final outcome of a run.
type Result struct {
	Reason        string        `json:"reason"`
	Success       bool          `json:"success"`
	Err           error         `json:"-"`
	Iterations    int           `json:"iterations"`
	Usage         llm.Usage     `json:"usage"`
	Cost          float64       `json:"cost"`
	Elapsed       time.Duration `json:"elapsed"`
	FilesModified []string      `json:"files_modified"`
	// Summary is the text the agent passed to the done tool, if any.
	Summary string `json:"summary,omitempty"`
}
