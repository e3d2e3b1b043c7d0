package loop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mwestbrook/gyre/llm"
)

func coreRegistry(t *testing.T) (*Registry, *Runtime) {
	t.Helper()
	reg := NewRegistry()
	RegisterCoreTools(reg)
	rt := &Runtime{WorkDir: t.TempDir()}
	return reg, rt
}

func execTool(t *testing.T, reg *Registry, rt *Runtime, name, args string) string {
	t.Helper()
	tool := reg.Get(name)
	if tool == nil {
		t.Fatalf("tool %q not registered", name)
	}
	out, err := tool.Execute(context.Background(), json.RawMessage(args), rt)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return out
}

func TestRegistryOrderAndLookup(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreTools(reg)

	defs := reg.Definitions()
	if len(defs) != reg.Count() {
		t.Fatalf("definitions/count mismatch: %d vs %d", len(defs), reg.Count())
	}
	// Registration order is stable so the model sees a consistent tool list.
	if defs[0].Name != "bash" {
		t.Errorf("expected bash first, got %s", defs[0].Name)
	}

	for _, name := range []string{
		"bash", "readFile", "writeFile", "startProcess", "stopProcess",
		"openBrowser", "navigate", "screenshot", "click", "type", "scroll",
		"done", "think",
	} {
		if reg.Get(name) == nil {
			t.Errorf("core tool %q missing", name)
		}
	}
	if reg.Get("nope") != nil {
		t.Error("unknown tool lookup should return nil")
	}
}

func TestRegistryOverride(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreTools(reg)
	before := reg.Count()

	reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{Name: "bash", Description: "replacement"},
		Execute: func(ctx context.Context, args json.RawMessage, rt *Runtime) (string, error) {
			return "custom", nil
		},
	})
	if reg.Count() != before {
		t.Errorf("re-registering a name should replace, not append: %d vs %d", reg.Count(), before)
	}
	if reg.Get("bash").Definition.Description != "replacement" {
		t.Error("replacement did not take effect")
	}
}

func TestBashTool(t *testing.T) {
	reg, rt := coreRegistry(t)

	out := execTool(t, reg, rt, "bash", `{"command":"echo hello"}`)
	if !strings.Contains(out, "hello") {
		t.Errorf("missing command output: %q", out)
	}

	out = execTool(t, reg, rt, "bash", `{"command":"exit 3"}`)
	if !strings.Contains(out, "Exit code: 3") {
		t.Errorf("missing exit code notice: %q", out)
	}

	// Runs in the runtime working directory.
	out = execTool(t, reg, rt, "bash", `{"command":"pwd"}`)
	if !strings.Contains(out, filepath.Base(rt.WorkDir)) {
		t.Errorf("command did not run in the work dir: %q", out)
	}
}

func TestBashToolTimeout(t *testing.T) {
	reg, rt := coreRegistry(t)

	out := execTool(t, reg, rt, "bash", `{"command":"echo partial; sleep 30","timeout_ms":300}`)
	if !strings.Contains(out, "partial") {
		t.Errorf("partial output lost: %q", out)
	}
	if !strings.Contains(out, "timed out") {
		t.Errorf("missing timeout notice: %q", out)
	}
}

func TestWriteThenReadFile(t *testing.T) {
	reg, rt := coreRegistry(t)

	execTool(t, reg, rt, "writeFile", `{"path":"sub/dir/note.txt","content":"line1\nline2\nline3"}`)

	data, err := os.ReadFile(filepath.Join(rt.WorkDir, "sub/dir/note.txt"))
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(data) != "line1\nline2\nline3" {
		t.Errorf("unexpected content: %q", data)
	}

	out := execTool(t, reg, rt, "readFile", `{"path":"sub/dir/note.txt"}`)
	if out != "line1\nline2\nline3" {
		t.Errorf("read mismatch: %q", out)
	}

	out = execTool(t, reg, rt, "readFile", `{"path":"sub/dir/note.txt","offset":2,"limit":1}`)
	if out != "line2" {
		t.Errorf("ranged read mismatch: %q", out)
	}
}

func TestWriteFileMarksPath(t *testing.T) {
	reg, _ := coreRegistry(t)
	if reg.Get("writeFile").WritesPathArg != "path" {
		t.Error("writeFile must declare its path argument for modified-file tracking")
	}
	if reg.Get("readFile").WritesPathArg != "" {
		t.Error("readFile must not count as a write")
	}
}

func TestReadFileMissing(t *testing.T) {
	reg, rt := coreRegistry(t)
	tool := reg.Get("readFile")
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"nope.txt"}`), rt); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestDoneTool(t *testing.T) {
	reg, rt := coreRegistry(t)

	if done, _ := rt.Done(); done {
		t.Fatal("fresh runtime should not be done")
	}
	execTool(t, reg, rt, "done", `{"summary":"built the feature"}`)
	done, summary := rt.Done()
	if !done {
		t.Error("done flag not set")
	}
	if summary != "built the feature" {
		t.Errorf("summary mismatch: %q", summary)
	}
}

func TestThinkTool(t *testing.T) {
	reg, rt := coreRegistry(t)
	out := execTool(t, reg, rt, "think", `{"thought":"what next"}`)
	if out != "Noted." {
		t.Errorf("unexpected think output: %q", out)
	}
}

func TestMissingRequiredArgs(t *testing.T) {
	reg, rt := coreRegistry(t)
	for name, args := range map[string]string{
		"bash":      `{}`,
		"readFile":  `{}`,
		"writeFile": `{"path":"x"}`,
		"navigate":  `{}`,
	} {
		tool := reg.Get(name)
		if _, err := tool.Execute(context.Background(), json.RawMessage(args), rt); err == nil {
			t.Errorf("%s should reject %s", name, args)
		}
	}
}

func TestArgHelpers(t *testing.T) {
	args, err := parseArgs(json.RawMessage(`{"s":"txt","n":42,"f":1.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := stringArg(args, "s"); !ok || v != "txt" {
		t.Errorf("stringArg: %q %v", v, ok)
	}
	if _, ok := stringArg(args, "n"); ok {
		t.Error("stringArg should reject numbers")
	}
	if v, ok := intArg(args, "n"); !ok || v != 42 {
		t.Errorf("intArg: %d %v", v, ok)
	}
	if _, ok := intArg(args, "missing"); ok {
		t.Error("intArg should report missing keys")
	}

	if _, err := parseArgs(json.RawMessage(`not json`)); err == nil {
		t.Error("parseArgs should reject invalid JSON")
	}
}

func TestRuntimeScreenshotStaging(t *testing.T) {
	rt := &Runtime{}
	if rt.TakeScreenshot() != nil {
		t.Error("fresh runtime should have no screenshot")
	}
	rt.SetScreenshot([]byte{1, 2, 3})
	if got := rt.TakeScreenshot(); len(got) != 3 {
		t.Errorf("staged screenshot lost: %v", got)
	}
	if rt.TakeScreenshot() != nil {
		t.Error("screenshot must be cleared after take")
	}
}
