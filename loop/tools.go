package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/mwestbrook/gyre/llm"
)

// Runtime is the resource surface tools execute against: the working
// directory plus the managers whose artifacts persist across iterations.
type Runtime struct {
	WorkDir string
	Procs   *ProcessManager
	Browser *Browser
	Log     *log.Logger

	mu          sync.Mutex
	done        bool
	doneSummary string
	screenshot  []byte
}

// MarkDone records that the done tool ran, with the agent's summary.
func (rt *Runtime) MarkDone(summary string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.done = true
	rt.doneSummary = summary
}

// Done reports whether the done tool ran and returns its summary.
func (rt *Runtime) Done() (bool, string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.done, rt.doneSummary
}

// SetScreenshot stages image bytes for attachment to the current tool
// result.
func (rt *Runtime) SetScreenshot(data []byte) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.screenshot = data
}

// TakeScreenshot returns and clears any staged screenshot bytes.
func (rt *Runtime) TakeScreenshot() []byte {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	data := rt.screenshot
	rt.screenshot = nil
	return data
}

// ToolFunc executes one tool call against the runtime.
type ToolFunc func(ctx context.Context, args json.RawMessage, rt *Runtime) (string, error)

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition llm.ToolDefinition
	Execute    ToolFunc
	// WritesPathArg names the argument whose value the engine records as a
	// modified file when the call succeeds. Empty for read-only tools.
	WritesPathArg string
}

// Registry manages tool registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*RegisteredTool
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*RegisteredTool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Definition.Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = &tool
}

// Get returns a registered tool by name, or nil.
func (r *Registry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns tool definitions in registration order, for the model
// request.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// parseArgs unmarshals tool call arguments into a map.
func parseArgs(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// stringArg extracts a string argument.
func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// intArg extracts an integer argument.
func intArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
