package loop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// CompletionKind discriminates the completion spec variants.
type CompletionKind string

const (
	// CompletionToolCall succeeds when a specific tool was invoked this
	// iteration.
	CompletionToolCall CompletionKind = "tool_call"
	// CompletionFile succeeds when a path exists and, if a matcher is set,
	// its content matches.
	CompletionFile CompletionKind = "file"
	// CompletionCommand succeeds when a shell command exits zero.
	CompletionCommand CompletionKind = "command"
	// CompletionCustom succeeds when an injected predicate over the loop
	// state returns true.
	CompletionCustom CompletionKind = "custom"
)

// CompletionSpec is the closed tagged variant deciding task success. It is
// evaluated after each iteration's tool executions and must be free of side
// effects. A zero spec never completes; the engine defaults it to the done
// tool.
type CompletionSpec struct {
	Kind CompletionKind

	// Tool is the tool name for CompletionToolCall.
	Tool string
	// Path and Match configure CompletionFile. A nil Match only requires
	// existence.
	Path  string
	Match func(content string) bool
	// Command configures CompletionCommand.
	Command string
	// Predicate configures CompletionCustom.
	Predicate func(Snapshot) bool
}

// CompleteOnTool completes when the named tool is invoked.
func CompleteOnTool(name string) CompletionSpec {
	return CompletionSpec{Kind: CompletionToolCall, Tool: name}
}

// CompleteOnFile completes when path exists and match (if non-nil) accepts
// its content.
func CompleteOnFile(path string, match func(content string) bool) CompletionSpec {
	return CompletionSpec{Kind: CompletionFile, Path: path, Match: match}
}

// CompleteOnCommand completes when command exits zero.
func CompleteOnCommand(command string) CompletionSpec {
	return CompletionSpec{Kind: CompletionCommand, Command: command}
}

// CompleteOnPredicate completes when fn returns true for the current state.
func CompleteOnPredicate(fn func(Snapshot) bool) CompletionSpec {
	return CompletionSpec{Kind: CompletionCustom, Predicate: fn}
}

// completionCommandTimeout bounds the completion check command.
const completionCommandTimeout = 60 * time.Second

// Satisfied evaluates the condition against the current iteration's tool calls
// and the state snapshot. workDir anchors relative paths and the check
// command.
func (s CompletionSpec) Satisfied(ctx context.Context, workDir string, snap Snapshot, calls []ToolInvocation) (bool, error) {
	switch s.Kind {
	case CompletionToolCall:
		for _, call := range calls {
			if call.Name == s.Tool {
				return true, nil
			}
		}
		return false, nil

	case CompletionFile:
		path := s.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
		if s.Match == nil {
			return true, nil
		}
		return s.Match(string(data)), nil

	case CompletionCommand:
		cmdCtx, cancel := context.WithTimeout(ctx, completionCommandTimeout)
		defer cancel()
		shell, flag := systemShell()
		cmd := exec.CommandContext(cmdCtx, shell, flag, s.Command)
		cmd.Dir = workDir
		return cmd.Run() == nil, nil

	case CompletionCustom:
		if s.Predicate == nil {
			return false, fmt.Errorf("custom completion spec has no predicate")
		}
		return s.Predicate(snap), nil

	case "":
		// Zero spec: never satisfied; limits end the run.
		return false, nil

	default:
		return false, fmt.Errorf("unknown completion kind %q", s.Kind)
	}
}

func systemShell() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", "/c"
	}
	return "/bin/bash", "-c"
}
