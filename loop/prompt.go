package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxContextFileBytes = 32 * 1024 // 32KB across all context files

const baseInstructions = `You are an autonomous coding agent working toward a single task. You work in
iterations: each iteration you receive the conversation so far and respond with
tool calls. Keep going until the task is done, then call the done tool with a
short summary.

Guidelines:
- Make concrete progress every iteration. Prefer small verifiable steps.
- Verify your work: run commands, read files back, check process output.
- If an approach fails twice, change the approach instead of repeating it.
- Use startProcess for long-running commands like dev servers, never bash.
- Call done exactly once, only after the task is complete and verified.`

// BuildSystemPrompt assembles the system prompt from the base instructions,
// the task, the caller's rules, and any context files.
func BuildSystemPrompt(cfg Config) string {
	var sb strings.Builder
	sb.WriteString(baseInstructions)

	sb.WriteString("\n\n<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", cfg.WorkDir)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if cfg.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", cfg.Model)
	}
	sb.WriteString("</environment>")

	sb.WriteString("\n\n<task>\n")
	sb.WriteString(strings.TrimSpace(cfg.Task))
	sb.WriteString("\n</task>")

	if len(cfg.Rules) > 0 {
		sb.WriteString("\n\n<rules>\n")
		for i, rule := range cfg.Rules {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, rule)
		}
		sb.WriteString("</rules>")
	}

	if docs := loadContextFiles(cfg.WorkDir, cfg.ContextFiles); docs != "" {
		sb.WriteString("\n\n<context>\n")
		sb.WriteString(docs)
		sb.WriteString("\n</context>")
	}

	return sb.String()
}

// loadContextFiles gathers the configured context files, capped at 32KB
// total. Files with inline content are used as-is; the rest are read from
// disk, and unreadable files are noted so the model knows one was expected.
func loadContextFiles(workDir string, files []ContextFile) string {
	var docs []string
	totalBytes := 0

	for _, cf := range files {
		text := cf.Content
		if text == "" {
			path := cf.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(workDir, path)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				docs = append(docs, fmt.Sprintf("[Context file %s could not be read: %v]", cf.Path, err))
				continue
			}
			text = string(content)
		}

		remaining := maxContextFileBytes - totalBytes
		if remaining <= 0 {
			docs = append(docs, "[Context files truncated at 32KB]")
			break
		}

		if len(text) > remaining {
			text = text[:remaining] + "\n[... truncated ...]"
		}
		totalBytes += len(text)
		docs = append(docs, fmt.Sprintf("--- %s ---\n%s", cf.Path, strings.TrimSpace(text)))
	}

	return strings.Join(docs, "\n\n")
}
