package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/mwestbrook/gyre/llm"
)

// stuckCooldown is how many iterations after a nudge the detector stays
// quiet, so the nudge has a chance to change behavior before the same
// pattern triggers again.
const stuckCooldown = 3

// historyFactor sizes the in-memory iteration history relative to the
// detection window.
const historyFactor = 4

// Engine drives one agent run: it calls the model, executes tool calls,
// checks completion and limits, watches for stuck patterns, and compacts the
// conversation when it grows past the ceiling.
type Engine struct {
	cfg      Config
	caller   llm.Caller
	registry *Registry
	rt       *Runtime
	compact  *Compactor
	trace    *Recorder
	log      *log.Logger
	runID    string

	stop atomic.Bool

	mu       sync.Mutex
	state    *runState
	running  bool
	finished bool
}

// New validates the configuration, fills defaults, and builds an engine. The
// engine is single-use: one Run per Engine.
func New(cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("loop: model is required")
	}
	if strings.TrimSpace(cfg.Task) == "" {
		return nil, fmt.Errorf("loop: task is required")
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("loop: resolve working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	cfg.Stuck = cfg.Stuck.withDefaults()
	cfg.Compact = cfg.Compact.withDefaults()
	if cfg.Completion.Kind == "" {
		cfg.Completion = CompleteOnTool("done")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "loop",
		})
	}

	caller := cfg.Caller
	if caller == nil {
		caller = llm.NewClientFromEnv(llm.WithRetryLogging(logger))
	}

	reg := NewRegistry()
	RegisterCoreTools(reg)
	for _, t := range cfg.ExtraTools {
		reg.Register(t)
	}

	e := &Engine{
		cfg:      cfg,
		caller:   caller,
		registry: reg,
		log:      logger,
		runID:    uuid.New().String(),
	}
	e.rt = &Runtime{
		WorkDir: cfg.WorkDir,
		Procs:   NewProcessManager(cfg.WorkDir, logger),
		Browser: NewBrowser(logger),
		Log:     logger,
	}
	e.compact = NewCompactor(cfg.Compact, newSummarizer(caller, cfg.Model))
	return e, nil
}

// RunID returns the unique identifier of this run.
func (e *Engine) RunID() string { return e.runID }

// Stop requests a cooperative stop. The current iteration finishes its tool
// calls; the loop then terminates with reason "stopped".
func (e *Engine) Stop() {
	e.stop.Store(true)
}

// Nudge queues a message that is injected into the conversation before the
// next model call.
func (e *Engine) Nudge(msg string) {
	e.mu.Lock()
	if e.state == nil || msg == "" {
		e.mu.Unlock()
		return
	}
	e.state.pendingNudge = msg
	iter := e.state.iteration
	e.mu.Unlock()
	e.trace.Append(EventNudgeInjected, iter, map[string]interface{}{"message": msg})
}

// Status returns a point-in-time snapshot of the run.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return Status{}
	}
	return Status{
		Iteration:     e.state.iteration,
		Usage:         e.state.usage,
		Cost:          e.state.cost,
		Elapsed:       time.Since(e.state.startedAt),
		FilesModified: e.state.modifiedFiles(),
		StuckCount:    e.state.stuckCount,
		Running:       e.running,
	}
}

// History returns a copy of the retained iteration records.
func (e *Engine) History() []IterationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	return e.state.historyCopy()
}

// Run executes the loop until completion, a limit, a fatal stuck verdict, a
// stop request, or an unrecoverable error. Background processes and the
// browser session are torn down on every termination path, and the trace
// ends with summary data no matter how the run ends.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.running || e.finished {
		e.mu.Unlock()
		return nil, fmt.Errorf("loop: engine already used")
	}
	e.running = true
	e.state = newRunState(e.cfg.Stuck.WindowSize * historyFactor)
	e.mu.Unlock()

	if e.cfg.Trace.Enabled {
		path := e.cfg.Trace.Path
		if path == "" {
			path = filepath.Join(e.cfg.WorkDir, "trace.ndjson")
		}
		rec, err := NewRecorder(path)
		if err != nil {
			e.mu.Lock()
			e.running = false
			e.finished = true
			e.mu.Unlock()
			return nil, err
		}
		e.trace = rec
	}

	result := e.runWithTeardown(ctx)

	if e.cfg.Hooks.OnComplete != nil {
		e.cfg.Hooks.OnComplete(*result)
	}
	return result, result.Err
}

// runWithTeardown installs teardown as a deferred cleanup before entering the
// loop, so background processes and the browser are released exactly once on
// every termination path, including a panic escaping a user hook.
func (e *Engine) runWithTeardown(ctx context.Context) (result *Result) {
	result = &Result{Reason: ReasonError}
	defer func() {
		e.rt.Procs.StopAll()
		e.rt.Browser.Dispose()

		e.mu.Lock()
		e.writeSummaryLocked(result)
		e.running = false
		e.finished = true
		e.mu.Unlock()
		_ = e.trace.Close()
	}()
	return e.run(ctx)
}

func (e *Engine) run(ctx context.Context) *Result {
	e.trace.Append(EventAgentStart, -1, map[string]interface{}{
		"runId": e.runID,
		"model": e.cfg.Model,
		"task":  e.cfg.Task,
	})
	e.trace.Append(EventAgentConfig, -1, map[string]interface{}{
		"maxIterations": e.cfg.Limits.MaxIterations,
		"maxCost":       e.cfg.Limits.MaxCost,
		"timeoutMs":     e.cfg.Limits.Timeout.Milliseconds(),
		"stuck":         e.cfg.Stuck,
		"compact":       e.cfg.Compact,
		"tools":         e.registry.Count(),
	})

	prompt := BuildSystemPrompt(e.cfg)
	e.trace.Append(EventSystemPrompt, -1, map[string]interface{}{"prompt": prompt})

	e.mu.Lock()
	e.state.conversation = []llm.Message{
		llm.SystemMessage(prompt),
		llm.UserMessage("Begin working on the task now."),
	}
	e.mu.Unlock()

	e.log.Info("run started", "run_id", e.runID, "model", e.cfg.Model)

	lastStuck := -stuckCooldown
	for {
		if e.stop.Load() {
			return e.finish(ReasonStopped, nil)
		}
		if e.cfg.Limits.Timeout > 0 && e.elapsed() >= e.cfg.Limits.Timeout {
			return e.finish(ReasonTimeout, nil)
		}

		e.maybeCompact(ctx)

		iter, req := e.beginIteration()
		e.trace.Append(EventIterationStart, iter, nil)
		iterStart := time.Now()

		resp, err := e.caller.Complete(ctx, req)
		if err != nil {
			if e.cfg.Hooks.OnError != nil {
				e.cfg.Hooks.OnError(err)
			}
			e.trace.Append(EventAgentError, iter, map[string]interface{}{"error": err.Error()})
			return e.finish(ReasonError, err)
		}

		cost := llm.CostOf(e.cfg.Model, resp.Usage)
		calls := e.recordResponse(resp, cost)
		e.trace.Append(EventModelResponse, iter, map[string]interface{}{
			"text":      clip(resp.Text(), 2000),
			"toolCalls": len(calls),
			"usage":     resp.Usage,
		})

		invocations, outcomes := e.executeCalls(ctx, iter, calls)

		rec := IterationRecord{
			Number:   iter,
			Calls:    invocations,
			Outcomes: outcomes,
			Usage:    resp.Usage,
			Cost:     cost,
			Duration: time.Since(iterStart),
		}
		status := e.endIteration(rec)
		e.trace.Append(EventIterationEnd, iter, map[string]interface{}{
			"durationMs":    rec.Duration.Milliseconds(),
			"tokens":        map[string]int{"input": resp.Usage.InputTokens, "output": resp.Usage.OutputTokens},
			"cost":          cost,
			"toolCallCount": len(invocations),
			"filesModified": len(status.FilesModified),
		})
		if e.cfg.Hooks.OnUpdate != nil {
			e.cfg.Hooks.OnUpdate(status)
		}

		done, err := e.cfg.Completion.Satisfied(ctx, e.cfg.WorkDir, e.snapshot(), invocations)
		if err != nil {
			e.log.Warn("completion check failed", "error", err)
		}
		if done {
			return e.finish(ReasonCompleted, nil)
		}

		if e.cfg.Limits.MaxIterations > 0 && iter >= e.cfg.Limits.MaxIterations {
			return e.finish(ReasonMaxIterations, nil)
		}
		if e.cfg.Limits.MaxCost > 0 && status.Cost >= e.cfg.Limits.MaxCost {
			return e.finish(ReasonMaxCost, nil)
		}

		if iter-lastStuck >= stuckCooldown {
			if v := Detect(e.History(), e.cfg.Stuck); v.Reason != StuckNone {
				lastStuck = iter
				if !e.handleStuck(iter, v) {
					return e.finish(ReasonStuck, nil)
				}
			}
		}
	}
}

// beginIteration advances the iteration counter and builds the model request,
// consuming any pending nudge.
func (e *Engine) beginIteration() (int, llm.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.pendingNudge != "" {
		nudge := e.state.pendingNudge
		e.state.pendingNudge = ""
		e.state.conversation = append(e.state.conversation, llm.SystemMessage(nudge))
	}

	e.state.iteration++
	msgs := make([]llm.Message, len(e.state.conversation))
	copy(msgs, e.state.conversation)
	return e.state.iteration, llm.Request{
		Model:    e.cfg.Model,
		Messages: msgs,
		ToolDefs: e.registry.Definitions(),
	}
}

// recordResponse appends the assistant message, accrues usage and cost, and
// returns the tool calls to execute.
func (e *Engine) recordResponse(resp *llm.Response, cost float64) []llm.ToolCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.conversation = append(e.state.conversation, resp.Message)
	e.state.usage = e.state.usage.Add(resp.Usage)
	e.state.cost += cost
	return resp.ToolCallsFromResponse()
}

// executeCalls runs the iteration's tool calls sequentially, appending one
// tool result message per call. A model turn with no tool calls gets a
// reminder instead.
func (e *Engine) executeCalls(ctx context.Context, iter int, calls []llm.ToolCall) ([]ToolInvocation, []ToolOutcome) {
	if len(calls) == 0 {
		reminder := "You responded without calling any tool. Every turn must act through tools; call done if the task is finished."
		e.appendMessage(llm.UserMessage(reminder))
		e.trace.Append(EventMessage, iter, map[string]interface{}{"text": reminder})
		return nil, nil
	}

	invocations := make([]ToolInvocation, 0, len(calls))
	outcomes := make([]ToolOutcome, 0, len(calls))

	for _, call := range calls {
		inv := ToolInvocation{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
		invocations = append(invocations, inv)
		e.trace.Append(EventToolCall, iter, map[string]interface{}{
			"tool": call.Name,
			"args": json.RawMessage(call.Arguments),
		})

		outcome := e.executeCall(ctx, call)
		outcomes = append(outcomes, outcome)

		e.mu.Lock()
		e.state.toolCalls[call.Name]++
		if !outcome.Success {
			e.state.errorCount++
		}
		e.mu.Unlock()

		if outcome.Success {
			e.trace.Append(EventToolResult, iter, map[string]interface{}{
				"tool":          outcome.Tool,
				"durationMs":    outcome.Duration.Milliseconds(),
				"success":       true,
				"resultSummary": clip(outcome.Output, 4000),
			})
		} else {
			e.trace.Append(EventToolError, iter, map[string]interface{}{
				"tool":       outcome.Tool,
				"durationMs": outcome.Duration.Milliseconds(),
				"error":      outcome.Error,
			})
		}
	}
	return invocations, outcomes
}

// executeCall runs one tool call and appends its result message to the
// conversation. Tool failures are reported back to the model, never
// propagated as loop errors.
func (e *Engine) executeCall(ctx context.Context, call llm.ToolCall) ToolOutcome {
	start := time.Now()
	tool := e.registry.Get(call.Name)
	if tool == nil {
		msg := fmt.Sprintf("unknown tool %q", call.Name)
		e.appendMessage(llm.ToolResultMessage(call.ID, msg, true))
		return ToolOutcome{Tool: call.Name, Success: false, Duration: time.Since(start), Error: msg}
	}

	output, err := tool.Execute(ctx, call.Arguments, e.rt)
	duration := time.Since(start)
	if err != nil {
		e.appendMessage(llm.ToolResultMessage(call.ID, "Error: "+err.Error(), true))
		return ToolOutcome{Tool: call.Name, Success: false, Duration: duration, Error: err.Error()}
	}

	if tool.WritesPathArg != "" {
		e.markModified(call.Arguments, tool.WritesPathArg)
	}

	truncated := TruncateToolOutput(output, call.Name)
	msg := llm.ToolResultMessage(call.ID, truncated, false)
	if img := e.rt.TakeScreenshot(); img != nil {
		msg.Content[0].ToolResult.ImageData = img
		msg.Content[0].ToolResult.ImageMediaType = "image/jpeg"
	}
	e.appendMessage(msg)
	return ToolOutcome{Tool: call.Name, Success: true, Duration: duration, Output: truncated}
}

// markModified records the path argument of a writing tool in the run's
// modified-file set.
func (e *Engine) markModified(raw json.RawMessage, pathArg string) {
	args, err := parseArgs(raw)
	if err != nil {
		return
	}
	path, ok := stringArg(args, pathArg)
	if !ok || path == "" {
		return
	}
	e.mu.Lock()
	e.state.modified[path] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) appendMessage(msg llm.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.conversation = append(e.state.conversation, msg)
}

// endIteration saves the iteration record with the current modified-file
// count and returns a status snapshot for the OnUpdate hook.
func (e *Engine) endIteration(rec IterationRecord) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec.FilesModified = len(e.state.modified)
	e.state.pushHistory(rec)
	return Status{
		Iteration:     e.state.iteration,
		Usage:         e.state.usage,
		Cost:          e.state.cost,
		Elapsed:       time.Since(e.state.startedAt),
		FilesModified: e.state.modifiedFiles(),
		StuckCount:    e.state.stuckCount,
		Running:       true,
	}
}

// handleStuck traces the verdict, consults the OnStuck hook, and queues the
// resulting nudge. It reports false when the run should terminate.
func (e *Engine) handleStuck(iter int, v Verdict) bool {
	e.mu.Lock()
	e.state.stuckCount++
	e.mu.Unlock()

	e.trace.Append(EventStuckDetected, iter, map[string]interface{}{
		"reason":         string(v.Reason),
		"details":        v.Details,
		"firstIteration": v.FirstIteration,
		"lastIteration":  v.LastIteration,
	})
	e.log.Warn("stuck pattern detected", "reason", v.Reason, "details", v.Details)

	nudge := defaultStuckNudge(v)
	if e.cfg.Hooks.OnStuck != nil {
		nudge = e.cfg.Hooks.OnStuck(v)
	}
	if nudge == "" {
		return false
	}
	e.mu.Lock()
	e.state.pendingNudge = nudge
	e.mu.Unlock()
	// Recorded at queue time so the verdict and its intervention always
	// appear together, even when the run ends before another iteration.
	e.trace.Append(EventNudgeInjected, iter, map[string]interface{}{"message": nudge})
	return true
}

// defaultStuckNudge is the built-in intervention used when no OnStuck hook is
// configured.
func defaultStuckNudge(v Verdict) string {
	switch v.Reason {
	case StuckErrorLoop:
		return "The same tool keeps failing with the same error (" + v.Details + "). Stop retrying it. Read the error carefully, inspect the relevant files, and fix the underlying cause before running it again."
	case StuckOscillation:
		return "You are cycling between the same actions without progress (" + v.Details + "). Step back, state what you have learned so far with the think tool, and try a different approach."
	case StuckRepetitive:
		return "You have repeated the same action several times (" + v.Details + "). Its result will not change. Take a different action that moves the task forward."
	default:
		return "You have spent significant effort without modifying any new files. Reassess the task, decide the single next concrete change, and make it."
	}
}

// maybeCompact folds old conversation messages into a summary when the
// estimated token count crosses the ceiling.
func (e *Engine) maybeCompact(ctx context.Context) {
	e.mu.Lock()
	msgs := make([]llm.Message, len(e.state.conversation))
	copy(msgs, e.state.conversation)
	summarized := e.state.summarized
	iter := e.state.iteration
	e.mu.Unlock()

	compacted, summarized, stats, err := e.compact.Compact(ctx, msgs, summarized)
	if err != nil {
		e.log.Warn("compaction failed, continuing with full context", "error", err)
		return
	}
	if stats == nil {
		return
	}

	e.mu.Lock()
	e.state.conversation = compacted
	e.state.summarized = summarized
	e.mu.Unlock()

	e.trace.Append(EventContextSummarized, iter, map[string]interface{}{
		"messagesBefore": stats.MessagesBefore,
		"messagesAfter":  stats.MessagesAfter,
		"tokensBefore":   stats.TokensBefore,
		"tokensAfter":    stats.TokensAfter,
	})
	e.log.Info("conversation compacted",
		"messages_before", stats.MessagesBefore, "messages_after", stats.MessagesAfter,
		"tokens_before", stats.TokensBefore, "tokens_after", stats.TokensAfter)
}

// finish assembles the final result and emits the terminal trace event.
func (e *Engine) finish(reason string, err error) *Result {
	e.mu.Lock()
	_, summary := e.rt.Done()
	res := &Result{
		Reason:        reason,
		Success:       reason == ReasonCompleted,
		Err:           err,
		Iterations:    e.state.iteration,
		Usage:         e.state.usage,
		Cost:          e.state.cost,
		Elapsed:       time.Since(e.state.startedAt),
		FilesModified: e.state.modifiedFiles(),
		Summary:       summary,
	}
	e.mu.Unlock()

	fields := map[string]interface{}{
		"reason":     reason,
		"success":    res.Success,
		"iterations": res.Iterations,
		"cost":       res.Cost,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	e.trace.Append(EventAgentComplete, -1, fields)
	e.log.Info("run finished", "reason", reason, "iterations", res.Iterations,
		"cost", fmt.Sprintf("%.4f", res.Cost), "elapsed", res.Elapsed.Round(time.Millisecond))
	return res
}

// writeSummaryLocked emits the final aggregate summary event. Caller holds
// e.mu.
func (e *Engine) writeSummaryLocked(res *Result) {
	counts := make(map[string]int, len(e.state.toolCalls))
	total := 0
	for name, n := range e.state.toolCalls {
		counts[name] = n
		total += n
	}
	e.trace.Append(EventSummary, -1, map[string]interface{}{
		"totalIterations": res.Iterations,
		"totalToolCalls":  total,
		"totalTokens": map[string]int{
			"input":  res.Usage.InputTokens,
			"output": res.Usage.OutputTokens,
		},
		"totalCost":         res.Cost,
		"elapsedMs":         res.Elapsed.Milliseconds(),
		"result":            res.Reason,
		"toolCallCounts":    counts,
		"filesModified":     res.FilesModified,
		"errorsEncountered": e.state.errorCount,
		"stuckCount":        e.state.stuckCount,
	})
}

// snapshot builds the read-only view handed to completion predicates.
func (e *Engine) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, summary := e.rt.Done()
	return Snapshot{
		Iteration:     e.state.iteration,
		Usage:         e.state.usage,
		Cost:          e.state.cost,
		Elapsed:       time.Since(e.state.startedAt),
		FilesModified: e.state.modifiedFiles(),
		History:       e.state.historyCopy(),
		DoneSummary:   summary,
	}
}

func (e *Engine) elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.state.startedAt)
}

// newSummarizer builds the compactor's summarizer on top of the run's model
// transport.
func newSummarizer(caller llm.Caller, model string) Summarizer {
	return func(ctx context.Context, transcript string) (string, error) {
		req := llm.Request{
			Model: model,
			Messages: []llm.Message{
				llm.SystemMessage("Summarize the following agent transcript. Preserve: the task state, decisions made and why, files created or modified, commands run and their key results, and any unresolved errors. Be dense and factual."),
				llm.UserMessage(transcript),
			},
		}
		resp, err := caller.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
