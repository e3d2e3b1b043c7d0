package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mwestbrook/gyre/llm"
)

const (
	// defaultBashTimeout bounds a bash tool call unless overridden.
	defaultBashTimeout = 120 * time.Second
	// maxBashTimeout caps the model-requested override.
	maxBashTimeout = 10 * time.Minute
)

// objSchema is shorthand for a JSON Schema object with the given properties.
func objSchema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func strProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

// RegisterCoreTools registers the full model-facing tool surface: shell and
// file tools, the background process tools, the browser tools, and the
// done/think utilities.
func RegisterCoreTools(reg *Registry) {
	registerBash(reg)
	registerReadFile(reg)
	registerWriteFile(reg)
	registerStartProcess(reg)
	registerStopProcess(reg)
	registerBrowserTools(reg)
	registerDone(reg)
	registerThink(reg)
}

func registerBash(reg *Registry) {
	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "bash",
			Description: "Execute a shell command in the working directory. Returns combined output and the exit code.",
			Parameters: objSchema([]string{"command"}, map[string]interface{}{
				"command":    strProp("The command to run."),
				"timeout_ms": intProp("Override the default 120s timeout, in milliseconds."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			command, ok := stringArg(args, "command")
			if !ok || command == "" {
				return "", fmt.Errorf("command is required")
			}
			timeout := defaultBashTimeout
			if ms, ok := intArg(args, "timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
				if timeout > maxBashTimeout {
					timeout = maxBashTimeout
				}
			}

			res, err := runCommand(ctx, command, rt.WorkDir, timeout)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			sb.WriteString(res.Output())
			if res.TimedOut {
				fmt.Fprintf(&sb, "\n\n[Command timed out after %s. Partial output shown above.]", timeout)
			} else if res.ExitCode != 0 {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", res.ExitCode)
			}
			return sb.String(), nil
		},
	})
}

func registerReadFile(reg *Registry) {
	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "readFile",
			Description: "Read a file. Optionally limit to a line range.",
			Parameters: objSchema([]string{"path"}, map[string]interface{}{
				"path":   strProp("Path to the file, absolute or relative to the working directory."),
				"offset": intProp("1-based line number to start from."),
				"limit":  intProp("Maximum number of lines to return."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			path, ok := stringArg(args, "path")
			if !ok || path == "" {
				return "", fmt.Errorf("path is required")
			}
			data, err := os.ReadFile(resolvePath(rt.WorkDir, path))
			if err != nil {
				return "", fmt.Errorf("readFile: %w", err)
			}
			content := string(data)

			offset, _ := intArg(args, "offset")
			limit, _ := intArg(args, "limit")
			if offset <= 0 && limit <= 0 {
				return content, nil
			}
			lines := strings.Split(content, "\n")
			start := 0
			if offset > 0 {
				start = offset - 1
			}
			if start >= len(lines) {
				return "", nil
			}
			end := len(lines)
			if limit > 0 && start+limit < end {
				end = start + limit
			}
			return strings.Join(lines[start:end], "\n"), nil
		},
	})
}

func registerWriteFile(reg *Registry) {
	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "writeFile",
			Description: "Write content to a file, creating parent directories as needed.",
			Parameters: objSchema([]string{"path", "content"}, map[string]interface{}{
				"path":    strProp("Path to write, absolute or relative to the working directory."),
				"content": strProp("The full file content."),
			}),
		},
		WritesPathArg: "path",
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			path, ok := stringArg(args, "path")
			if !ok || path == "" {
				return "", fmt.Errorf("path is required")
			}
			content, ok := stringArg(args, "content")
			if !ok {
				return "", fmt.Errorf("content is required")
			}
			resolved := resolvePath(rt.WorkDir, path)
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return "", fmt.Errorf("writeFile: %w", err)
			}
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return "", fmt.Errorf("writeFile: %w", err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	})
}

func registerStartProcess(reg *Registry) {
	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name: "startProcess",
			Description: "Start a named background process (e.g. a dev server). It keeps running between " +
				"iterations until stopped. If readyPattern is given, waits until it appears in the output.",
			Parameters: objSchema([]string{"name", "command"}, map[string]interface{}{
				"name":           strProp("Unique name for the process. Reusing a name replaces the old process."),
				"command":        strProp("The command line to run."),
				"readyPattern":   strProp("Regex or substring that signals the process is ready."),
				"readyTimeoutMs": intProp("How long to wait for the ready pattern, in milliseconds. Default 30000."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			name, ok := stringArg(args, "name")
			if !ok || name == "" {
				return "", fmt.Errorf("name is required")
			}
			command, ok := stringArg(args, "command")
			if !ok || command == "" {
				return "", fmt.Errorf("command is required")
			}
			opts := StartOptions{}
			opts.ReadyPattern, _ = stringArg(args, "readyPattern")
			if ms, ok := intArg(args, "readyTimeoutMs"); ok && ms > 0 {
				opts.ReadyTimeout = time.Duration(ms) * time.Millisecond
			}

			ready, err := rt.Procs.Start(ctx, name, command, opts)
			if err != nil {
				return "", err
			}
			out, _ := rt.Procs.Output(name, 20)
			switch {
			case opts.ReadyPattern == "":
				return fmt.Sprintf("Started process %q.\n%s", name, out), nil
			case ready:
				return fmt.Sprintf("Process %q is ready.\n%s", name, out), nil
			default:
				return fmt.Sprintf("Process %q started but the ready pattern was not seen before the timeout. Recent output:\n%s", name, out), nil
			}
		},
	})
}

func registerStopProcess(reg *Registry) {
	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "stopProcess",
			Description: "Stop a named background process and all its children.",
			Parameters: objSchema([]string{"name"}, map[string]interface{}{
				"name": strProp("Name the process was started under."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			name, ok := stringArg(args, "name")
			if !ok || name == "" {
				return "", fmt.Errorf("name is required")
			}
			if err := rt.Procs.Stop(name); err != nil {
				return "", err
			}
			return fmt.Sprintf("Stopped process %q.", name), nil
		},
	})
}

func registerBrowserTools(reg *Registry) {
	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "openBrowser",
			Description: "Open the headless browser session. Other browser tools open it implicitly.",
			Parameters:  objSchema(nil, map[string]interface{}{}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			if err := rt.Browser.Open(ctx); err != nil {
				return "", err
			}
			return "Browser session is open.", nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "navigate",
			Description: "Navigate the browser to a URL and wait for the page to load.",
			Parameters: objSchema([]string{"url"}, map[string]interface{}{
				"url": strProp("The URL to load."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			url, ok := stringArg(args, "url")
			if !ok || url == "" {
				return "", fmt.Errorf("url is required")
			}
			if err := rt.Browser.Navigate(ctx, url); err != nil {
				return "", err
			}
			return fmt.Sprintf("Loaded %s", url), nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "screenshot",
			Description: "Capture a screenshot of the current page. The image is attached to the result.",
			Parameters:  objSchema(nil, map[string]interface{}{}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			data, err := rt.Browser.Screenshot(ctx)
			if err != nil {
				return "", err
			}
			rt.SetScreenshot(data)
			return fmt.Sprintf("Captured screenshot (%d bytes, image/jpeg).", len(data)), nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "click",
			Description: "Click the first visible element matching a CSS selector.",
			Parameters: objSchema([]string{"selector"}, map[string]interface{}{
				"selector": strProp("CSS selector of the element to click."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			selector, ok := stringArg(args, "selector")
			if !ok || selector == "" {
				return "", fmt.Errorf("selector is required")
			}
			if err := rt.Browser.Click(ctx, selector); err != nil {
				return "", err
			}
			return fmt.Sprintf("Clicked %s", selector), nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "type",
			Description: "Type text into the element matching a CSS selector.",
			Parameters: objSchema([]string{"selector", "text"}, map[string]interface{}{
				"selector": strProp("CSS selector of the input element."),
				"text":     strProp("The text to type."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			selector, ok := stringArg(args, "selector")
			if !ok || selector == "" {
				return "", fmt.Errorf("selector is required")
			}
			text, _ := stringArg(args, "text")
			if err := rt.Browser.Type(ctx, selector, text); err != nil {
				return "", err
			}
			return fmt.Sprintf("Typed %d characters into %s", len(text), selector), nil
		},
	})

	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "scroll",
			Description: "Scroll the page vertically by a pixel delta (negative scrolls up).",
			Parameters: objSchema([]string{"deltaY"}, map[string]interface{}{
				"deltaY": intProp("Pixels to scroll by."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			deltaY, ok := intArg(args, "deltaY")
			if !ok {
				return "", fmt.Errorf("deltaY is required")
			}
			if err := rt.Browser.Scroll(ctx, deltaY); err != nil {
				return "", err
			}
			return fmt.Sprintf("Scrolled by %d pixels.", deltaY), nil
		},
	})
}

func registerDone(reg *Registry) {
	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "done",
			Description: "Signal that the task is complete. Call this exactly once, when everything is finished and verified.",
			Parameters: objSchema([]string{"summary"}, map[string]interface{}{
				"summary": strProp("A short summary of what was accomplished."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			summary, _ := stringArg(args, "summary")
			rt.MarkDone(summary)
			return "Completion recorded.", nil
		},
	})
}

func registerThink(reg *Registry) {
	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "think",
			Description: "Record a thought without taking any action. Use this to reason through a problem.",
			Parameters: objSchema([]string{"thought"}, map[string]interface{}{
				"thought": strProp("The thought to record."),
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, rt *Runtime) (string, error) {
			return "Noted.", nil
		},
	})
}

func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}

// execResult holds the outcome of one shell command.
type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Output returns combined stdout and stderr.
func (r execResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// runCommand executes a shell command in its own process group so a timeout
// can kill the command and everything it spawned.
func runCommand(ctx context.Context, command, dir string, timeout time.Duration) (*execResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, flag := systemShell()
	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &execResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			res.TimedOut = true
			res.ExitCode = -1
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("bash: %w", err)
		}
	}
	return res, nil
}
