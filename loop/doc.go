// Package loop implements the gyre iteration engine: it drives an
// LLM-directed coding agent through repeated observe / call model / execute
// tools / check done cycles until the task completes, a resource limit is
// hit, or the agent is judged stuck.
//
// The package is organized around these core pieces:
//
//   - Engine: the loop controller. Builds the prompt, calls the model,
//     executes returned tool calls sequentially, and evaluates completion,
//     limits, and stuck-ness after every iteration.
//   - Detect: a pure function over recent iteration history that recognizes
//     unproductive patterns (repetition, error loops, oscillation, token
//     spend without file changes).
//   - ProcessManager: lifecycle of named background OS processes started by
//     tools, each in its own process group with ring-buffered output.
//   - Browser: a lazily started chromedp session shared across iterations.
//   - Compactor: keeps the conversation under a token ceiling by folding
//     old messages into a synthetic summary.
//   - Recorder: the append-only NDJSON execution trace, tail-able in real
//     time and replayable after a crash.
//
// # Quick start
//
//	eng, err := loop.New(loop.Config{
//	    Model: "claude-opus-4-6",
//	    Task:  "Fix the failing tests in ./pkg/parser",
//	    Limits: loop.Limits{MaxIterations: 50, MaxCost: 5.0},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := eng.Run(ctx)
//	fmt.Println(result.Reason)
package loop
