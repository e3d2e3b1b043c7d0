package loop

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/shlex"
)

const (
	// defaultGracePeriod is how long Stop waits between SIGTERM and SIGKILL.
	defaultGracePeriod = 5 * time.Second
	// defaultReadyTimeout bounds the wait for a ready pattern.
	defaultReadyTimeout = 30 * time.Second
	// defaultBufferLines caps each process's output ring buffer.
	defaultBufferLines = 1000
)

// StartOptions configures one background process.
type StartOptions struct {
	// Dir is the working directory; empty means the manager's default.
	Dir string
	// ReadyPattern is a regex (falling back to a literal substring when it
	// does not compile) that signals readiness once seen in combined output.
	ReadyPattern string
	// ReadyTimeout bounds the ready wait. Zero means defaultReadyTimeout.
	ReadyTimeout time.Duration
	// Env entries are appended to the inherited environment, "K=V" form.
	Env []string
}

// ProcessHandle tracks one named background process.
type ProcessHandle struct {
	Name    string
	Command string
	PID     int
	PGID    int

	cmd     *exec.Cmd
	buf     *lineRing
	done    chan struct{}
	waitErr error
	started time.Time
}

// Running reports whether the process has not yet exited.
func (h *ProcessHandle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ProcessManager owns the lifecycle of named background OS processes
// spawned by tools. Each process runs in its own process group so one stop
// call kills all its descendants. At most one handle exists per name;
// starting under a live name stops the old process first.
type ProcessManager struct {
	mu          sync.Mutex
	procs       map[string]*ProcessHandle
	workDir     string
	grace       time.Duration
	bufferLines int
	log         *log.Logger
}

// NewProcessManager creates a manager whose processes default to workDir.
func NewProcessManager(workDir string, logger *log.Logger) *ProcessManager {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &ProcessManager{
		procs:       make(map[string]*ProcessHandle),
		workDir:     workDir,
		grace:       defaultGracePeriod,
		bufferLines: defaultBufferLines,
		log:         logger.WithPrefix("proc"),
	}
}

// Start spawns command under name in a new process group. It returns once
// the ready pattern is observed (ready=true), the ready timeout elapses
// (ready=false, err=nil — a timeout is a signal, not an error), or the
// process exits before becoming ready. Without a pattern it returns
// immediately after the spawn.
func (m *ProcessManager) Start(ctx context.Context, name, command string, opts StartOptions) (ready bool, err error) {
	if name == "" {
		return false, fmt.Errorf("process name is required")
	}
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		return false, fmt.Errorf("invalid command %q: %v", command, err)
	}

	// Replace-on-start: the old handle is stopped before the new spawn so
	// at most one live process group ever exists per name.
	m.mu.Lock()
	old := m.procs[name]
	delete(m.procs, name)
	m.mu.Unlock()
	if old != nil {
		m.stopHandle(old)
	}

	dir := opts.Dir
	if dir == "" {
		dir = m.workDir
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start %q: %w", name, err)
	}

	h := &ProcessHandle{
		Name:    name,
		Command: command,
		PID:     cmd.Process.Pid,
		PGID:    cmd.Process.Pid, // leader of its own group via Setpgid
		cmd:     cmd,
		buf:     newLineRing(m.bufferLines),
		done:    make(chan struct{}),
		started: time.Now(),
	}

	readyCh := make(chan struct{})
	matcher := newReadyMatcher(opts.ReadyPattern, readyCh)

	var scanWG sync.WaitGroup
	scanWG.Add(2)
	go h.scanOutput(stdout, matcher, &scanWG)
	go h.scanOutput(stderr, matcher, &scanWG)

	go func() {
		scanWG.Wait()
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	m.mu.Lock()
	m.procs[name] = h
	m.mu.Unlock()
	m.log.Debug("started process", "name", name, "pid", h.PID)

	if opts.ReadyPattern == "" {
		return true, nil
	}

	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	select {
	case <-readyCh:
		return true, nil
	case <-h.done:
		return false, fmt.Errorf("process %q exited before becoming ready: %v", name, h.waitErr)
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (h *ProcessHandle) scanOutput(r io.Reader, matcher *readyMatcher, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.buf.Append(line)
		matcher.Check(line)
	}
}

// Stop terminates the named process group: SIGTERM, a grace period, then
// SIGKILL if still alive.
func (m *ProcessManager) Stop(name string) error {
	m.mu.Lock()
	h, ok := m.procs[name]
	delete(m.procs, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no process named %q", name)
	}
	m.stopHandle(h)
	return nil
}

func (m *ProcessManager) stopHandle(h *ProcessHandle) {
	if !h.Running() {
		return
	}
	// Negative pid signals the whole group.
	_ = syscall.Kill(-h.PGID, syscall.SIGTERM)
	select {
	case <-h.done:
		m.log.Debug("process exited on SIGTERM", "name", h.Name)
		return
	case <-time.After(m.grace):
	}
	_ = syscall.Kill(-h.PGID, syscall.SIGKILL)
	select {
	case <-h.done:
	case <-time.After(m.grace):
		m.log.Warn("process did not reap after SIGKILL", "name", h.Name, "pid", h.PID)
	}
}

// IsRunning reports whether a live process is tracked under name.
func (m *ProcessManager) IsRunning(name string) bool {
	m.mu.Lock()
	h, ok := m.procs[name]
	m.mu.Unlock()
	return ok && h.Running()
}

// Output returns the last n buffered output lines of the named process.
func (m *ProcessManager) Output(name string, n int) (string, error) {
	m.mu.Lock()
	h, ok := m.procs[name]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no process named %q", name)
	}
	return strings.Join(h.buf.Last(n), "\n"), nil
}

// Names returns the names of all tracked processes.
func (m *ProcessManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	return names
}

// StopAll stops every tracked process. Idempotent; it always runs at loop
// teardown so no server outlives the agent run.
func (m *ProcessManager) StopAll() {
	m.mu.Lock()
	handles := make([]*ProcessHandle, 0, len(m.procs))
	for _, h := range m.procs {
		handles = append(handles, h)
	}
	m.procs = make(map[string]*ProcessHandle)
	m.mu.Unlock()

	for _, h := range handles {
		m.stopHandle(h)
	}
}

// readyMatcher signals once when a pattern first appears in output.
type readyMatcher struct {
	re      *regexp.Regexp
	literal string
	ch      chan struct{}
	once    sync.Once
}

func newReadyMatcher(pattern string, ch chan struct{}) *readyMatcher {
	m := &readyMatcher{ch: ch}
	if pattern == "" {
		return m
	}
	if re, err := regexp.Compile(pattern); err == nil {
		m.re = re
	} else {
		m.literal = pattern
	}
	return m
}

func (m *readyMatcher) Check(line string) {
	if m.re == nil && m.literal == "" {
		return
	}
	matched := false
	if m.re != nil {
		matched = m.re.MatchString(line)
	} else {
		matched = strings.Contains(line, m.literal)
	}
	if matched {
		m.once.Do(func() { close(m.ch) })
	}
}

// lineRing is a fixed-capacity ring buffer of output lines. Oldest lines
// are evicted so a runaway process cannot exhaust memory.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newLineRing(capacity int) *lineRing {
	if capacity <= 0 {
		capacity = defaultBufferLines
	}
	return &lineRing{lines: make([]string, capacity)}
}

func (r *lineRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Last returns up to n most recent lines in chronological order. n <= 0
// returns everything buffered.
func (r *lineRing) Last(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.lines)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

func (r *lineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}
