package loop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how oversized tool output is trimmed before it is
// appended to the conversation.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Character limits per tool. Tools not listed fall back to 30000.
var defaultToolCharLimits = map[string]int{
	"bash":         30000,
	"readFile":     50000,
	"writeFile":    1000,
	"startProcess": 10000,
	"stopProcess":  2000,
	"navigate":     5000,
	"screenshot":   2000,
}

var defaultTruncationModes = map[string]TruncationMode{
	"bash":         TruncateHeadTail,
	"readFile":     TruncateHeadTail,
	"writeFile":    TruncateTail,
	"startProcess": TruncateTail,
}

// Line limits per tool, applied after character truncation.
var defaultToolLineLimits = map[string]int{
	"bash":         256,
	"startProcess": 100,
}

// TruncateOutput applies character-based truncation.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[Output truncated: first %d characters removed. "+
			"Re-run with more targeted parameters to see them.]\n\n", removed) +
			output[len(output)-maxChars:]
	default:
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n\n[Output truncated: %d characters removed from the middle. "+
				"Re-run with more targeted parameters if you need them.]\n\n", removed) +
			output[len(output)-half:]
	}
}

// TruncateLines applies line-based truncation with a head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput runs the full pipeline for a tool: character truncation
// first, then line truncation where a line limit applies.
func TruncateToolOutput(output, toolName string) string {
	maxChars, ok := defaultToolCharLimits[toolName]
	if !ok {
		maxChars = 30000
	}
	mode, ok := defaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)

	if maxLines, ok := defaultToolLineLimits[toolName]; ok {
		result = TruncateLines(result, maxLines)
	}
	return result
}
