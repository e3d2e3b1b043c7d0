package loop

import (
	"fmt"
	"strings"
)

// StuckReason identifies the detected unproductive pattern.
type StuckReason string

const (
	StuckNone        StuckReason = "none"
	StuckRepetitive  StuckReason = "repetitive"
	StuckErrorLoop   StuckReason = "error_loop"
	StuckOscillation StuckReason = "oscillation"
	StuckNoProgress  StuckReason = "no_progress"
)

// Verdict is the stuck detector's output: a reason, a human-readable
// detail, and the iteration range that triggered it.
type Verdict struct {
	Reason         StuckReason `json:"reason"`
	Details        string      `json:"details,omitempty"`
	FirstIteration int         `json:"first_iteration,omitempty"`
	LastIteration  int         `json:"last_iteration,omitempty"`
}

// Detect evaluates the stuck patterns over the last cfg.WindowSize
// iterations of history. It is a pure function: same inputs, same verdict.
//
// When several patterns trigger in one check exactly one verdict is
// reported, in fixed priority order: error_loop > oscillation > repetitive
// > no_progress. Error loops are the most actionable signal; no-progress is
// the weakest and must not mask a more specific one.
func Detect(history []IterationRecord, cfg StuckConfig) Verdict {
	cfg = cfg.withDefaults()
	if len(history) == 0 {
		return Verdict{Reason: StuckNone}
	}
	window := history
	baseline := 0 // modified-file count just before the window
	if len(window) > cfg.WindowSize {
		baseline = history[len(history)-cfg.WindowSize-1].FilesModified
		window = window[len(window)-cfg.WindowSize:]
	}

	if v := detectErrorLoop(window, cfg.ErrorLoopThreshold); v.Reason != StuckNone {
		return v
	}
	if v := detectOscillation(window, cfg.OscillationThreshold); v.Reason != StuckNone {
		return v
	}
	if v := detectRepetitive(window, cfg.RepetitiveThreshold); v.Reason != StuckNone {
		return v
	}
	if v := detectNoProgress(window, cfg.NoProgressTokenThreshold, baseline); v.Reason != StuckNone {
		return v
	}
	return Verdict{Reason: StuckNone}
}

// detectRepetitive looks for the same invocation signature as the only tool
// call in threshold or more consecutive trailing iterations.
func detectRepetitive(window []IterationRecord, threshold int) Verdict {
	run := 0
	sig := ""
	for i := len(window) - 1; i >= 0; i-- {
		rec := window[i]
		if len(rec.Calls) != 1 {
			break
		}
		s := rec.Calls[0].Signature()
		if sig == "" {
			sig = s
		} else if s != sig {
			break
		}
		run++
	}
	if run >= threshold {
		first := window[len(window)-run]
		last := window[len(window)-1]
		return Verdict{
			Reason:         StuckRepetitive,
			Details:        fmt.Sprintf("%s repeated as the only tool call for %d consecutive iterations", window[len(window)-1].Calls[0].Name, run),
			FirstIteration: first.Number,
			LastIteration:  last.Number,
		}
	}
	return Verdict{Reason: StuckNone}
}

// detectErrorLoop looks for the same (tool, normalized error) failing pair
// in threshold or more iterations anywhere in the window.
func detectErrorLoop(window []IterationRecord, threshold int) Verdict {
	type span struct {
		count, first, last int
		tool               string
	}
	pairs := make(map[string]*span)
	for _, rec := range window {
		seen := make(map[string]bool) // count each iteration once per pair
		for _, out := range rec.Outcomes {
			if out.Success {
				continue
			}
			key := out.Tool + "\x00" + normalizeError(out.Error)
			if seen[key] {
				continue
			}
			seen[key] = true
			sp := pairs[key]
			if sp == nil {
				sp = &span{first: rec.Number, tool: out.Tool}
				pairs[key] = sp
			}
			sp.count++
			sp.last = rec.Number
		}
	}
	for _, sp := range pairs {
		if sp.count >= threshold {
			return Verdict{
				Reason:         StuckErrorLoop,
				Details:        fmt.Sprintf("%s failed with the same error in %d iterations", sp.tool, sp.count),
				FirstIteration: sp.first,
				LastIteration:  sp.last,
			}
		}
	}
	return Verdict{Reason: StuckNone}
}

// detectOscillation looks for a trailing cycle of dominant signatures with
// period two or longer, repeated at least threshold full times. A cycle of
// identical signatures is repetition, not oscillation, and is left for
// detectRepetitive.
func detectOscillation(window []IterationRecord, threshold int) Verdict {
	sigs := make([]string, 0, len(window))
	for _, rec := range window {
		s := dominantSignature(rec)
		if s == "" {
			sigs = sigs[:0] // an iteration with no calls breaks any cycle
			continue
		}
		sigs = append(sigs, s)
	}

	maxPeriod := len(sigs) / threshold
	for period := 2; period <= maxPeriod; period++ {
		need := period * threshold
		tail := sigs[len(sigs)-need:]
		cycle := tail[:period]
		if allEqual(cycle) {
			continue
		}
		match := true
		for i := period; i < need && match; i++ {
			if tail[i] != cycle[i%period] {
				match = false
			}
		}
		if match {
			covered := window[len(window)-need:]
			names := make([]string, 0, period)
			for _, rec := range covered[:period] {
				names = append(names, rec.Calls[0].Name)
			}
			return Verdict{
				Reason:         StuckOscillation,
				Details:        fmt.Sprintf("tool calls oscillate in a period-%d cycle (%s) repeated %d times", period, strings.Join(names, ", "), threshold),
				FirstIteration: covered[0].Number,
				LastIteration:  covered[len(covered)-1].Number,
			}
		}
	}
	return Verdict{Reason: StuckNone}
}

// detectNoProgress fires when window token spend crosses the threshold while
// the modified-file set has not grown past baseline, the count just before
// the window started. Comparing against the window's first record would hide
// a file modified during that first iteration.
func detectNoProgress(window []IterationRecord, tokenThreshold, baseline int) Verdict {
	if len(window) < 2 {
		return Verdict{Reason: StuckNone}
	}
	tokens := 0
	for _, rec := range window {
		tokens += rec.Usage.InputTokens + rec.Usage.OutputTokens
	}
	first := window[0]
	last := window[len(window)-1]
	if tokens >= tokenThreshold && last.FilesModified <= baseline {
		return Verdict{
			Reason:         StuckNoProgress,
			Details:        fmt.Sprintf("%d tokens consumed over %d iterations with no new files modified", tokens, len(window)),
			FirstIteration: first.Number,
			LastIteration:  last.Number,
		}
	}
	return Verdict{Reason: StuckNone}
}

// dominantSignature returns the most frequent invocation signature of an
// iteration, or "" when the iteration issued no tool calls. Ties go to the
// earliest call.
func dominantSignature(rec IterationRecord) string {
	if len(rec.Calls) == 0 {
		return ""
	}
	if len(rec.Calls) == 1 {
		return rec.Calls[0].Signature()
	}
	counts := make(map[string]int, len(rec.Calls))
	order := make([]string, 0, len(rec.Calls))
	for _, c := range rec.Calls {
		s := c.Signature()
		if counts[s] == 0 {
			order = append(order, s)
		}
		counts[s]++
	}
	best := order[0]
	for _, s := range order {
		if counts[s] > counts[best] {
			best = s
		}
	}
	return best
}

func allEqual(sigs []string) bool {
	for _, s := range sigs[1:] {
		if s != sigs[0] {
			return false
		}
	}
	return true
}

// normalizeError reduces an error message to a comparable form: lowercase,
// digits stripped, whitespace collapsed, bounded length. Line numbers and
// addresses vary between otherwise identical failures.
func normalizeError(msg string) string {
	var sb strings.Builder
	lastSpace := false
	for _, r := range strings.ToLower(msg) {
		switch {
		case r >= '0' && r <= '9':
			continue
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
		default:
			sb.WriteRune(r)
			lastSpace = false
		}
		if sb.Len() >= 160 {
			break
		}
	}
	return strings.TrimSpace(sb.String())
}
