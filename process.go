package conductor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultBufferLines bounds each captured stream's ring buffer.
const DefaultBufferLines = 1000

const maxScanLine = 1 << 20

// StreamType identifies a captured output stream.
type StreamType string

const (
	StreamStdout StreamType = "stdout"
	StreamStderr StreamType = "stderr"
)

// OutputCallback receives every captured line as it arrives.
type OutputCallback func(name string, stream StreamType, line string)

// ExitCallback fires when a supervised process terminates.
type ExitCallback func(name string, code int)

// ProcessInfo is a point-in-time view of a supervised process. CPUPercent
// and MemoryRSS are best effort and zero where the platform offers no
// process inspector.
type ProcessInfo struct {
	Name        string
	PID         int
	Running     bool
	ReturnCode  *int
	Uptime      time.Duration
	StdoutLines int
	StderrLines int
	CPUPercent  float64
	MemoryRSS   int64
}

type process struct {
	name      string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *ringBuffer
	stderr    *ringBuffer
	startedAt time.Time
	done      chan struct{}

	exited   bool
	exitCode int

	readers sync.WaitGroup
}

// Supervisor launches child processes, captures their output streams
// line by line into bounded ring buffers, and terminates them with a
// graceful-then-forced two-phase stop. Children run in their own process
// group where the platform supports it.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*process

	bufferLines int
	logger      *slog.Logger
	onOutput    []OutputCallback
	onExit      []ExitCallback
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// BufferLines sets the per-stream ring buffer capacity (default 1000).
func BufferLines(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n > 0 {
			s.bufferLines = n
		}
	}
}

// SupervisorLogger sets the structured logger.
func SupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor builds an empty Supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		procs:       make(map[string]*process),
		bufferLines: DefaultBufferLines,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// OnOutput registers a callback fired for every captured line.
func (s *Supervisor) OnOutput(cb OutputCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOutput = append(s.onOutput, cb)
}

// OnExit registers a callback fired when a process terminates.
func (s *Supervisor) OnExit(cb ExitCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = append(s.onExit, cb)
}

// StartOption adjusts how a process is spawned.
type StartOption func(*exec.Cmd)

// StartEnv overlays environment variables on the parent environment.
func StartEnv(env map[string]string) StartOption {
	return func(cmd *exec.Cmd) {
		merged := append([]string{}, os.Environ()...)
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
}

// StartDir sets the working directory.
func StartDir(dir string) StartOption {
	return func(cmd *exec.Cmd) { cmd.Dir = dir }
}

// Start spawns command under name with piped stdin/stdout/stderr. If a
// process with the same name is still running, its info is returned
// unchanged; a stopped entry is cleaned up first.
func (s *Supervisor) Start(name, command string, args []string, opts ...StartOption) (*ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[name]; ok {
		if !p.exited {
			return s.infoLocked(p), nil
		}
		delete(s.procs, name)
	}

	cmd := exec.Command(command, args...)
	for _, opt := range opts {
		opt(cmd)
	}
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	p := &process{
		name:      name,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    newRingBuffer(s.bufferLines),
		stderr:    newRingBuffer(s.bufferLines),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.procs[name] = p

	p.readers.Add(2)
	go s.readStream(p, StreamStdout, stdout)
	go s.readStream(p, StreamStderr, stderr)
	go s.monitor(p)

	s.logger.Info("process started", "name", name, "pid", cmd.Process.Pid)
	return s.infoLocked(p), nil
}

// readStream captures one output stream line by line until EOF,
// replacing invalid UTF-8 and firing output callbacks per line.
func (s *Supervisor) readStream(p *process, stream StreamType, r io.Reader) {
	defer p.readers.Done()

	buf := p.stdout
	if stream == StreamStderr {
		buf = p.stderr
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanLine)
	for sc.Scan() {
		line := strings.ToValidUTF8(sc.Text(), string(utf8.RuneError))
		buf.append(line)
		s.fireOutput(p.name, stream, line)
	}
	if err := sc.Err(); err != nil {
		s.logger.Debug("stream closed", "name", p.name, "stream", string(stream), "error", err)
	}
}

// monitor drains the readers, reaps the process, and fires exit
// callbacks.
func (s *Supervisor) monitor(p *process) {
	p.readers.Wait()
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	p.exited = true
	p.exitCode = code
	close(p.done)
	cbs := slices.Clone(s.onExit)
	s.mu.Unlock()

	s.logger.Info("process exited", "name", p.name, "code", code)
	for _, cb := range cbs {
		s.fireExit(cb, p.name, code)
	}
}

// Stop terminates a process: graceful signal first, then a forced
// group kill after timeout. The registry entry is removed.
func (s *Supervisor) Stop(name string, timeout time.Duration) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("process not found: %s", name)
	}
	exited := p.exited
	s.mu.Unlock()

	if !exited {
		terminateProcess(p.cmd)
		select {
		case <-p.done:
		case <-time.After(timeout):
			s.logger.Warn("graceful stop timed out, killing", "name", name)
			killProcess(p.cmd)
			<-p.done
		}
	}

	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
	return nil
}

// StopAll stops every supervised process concurrently and returns the
// combined errors.
func (s *Supervisor) StopAll(timeout time.Duration) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()

	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Stop(name, timeout)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// WriteStdin writes data to a running process's stdin.
func (s *Supervisor) WriteStdin(name string, data []byte) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	if !ok || p.exited {
		s.mu.Unlock()
		return fmt.Errorf("process not running: %s", name)
	}
	stdin := p.stdin
	s.mu.Unlock()

	_, err := stdin.Write(data)
	return err
}

// Output returns the captured lines of one stream, oldest first.
func (s *Supervisor) Output(name string, stream StreamType) ([]string, error) {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("process not found: %s", name)
	}
	if stream == StreamStderr {
		return p.stderr.lines(), nil
	}
	return p.stdout.lines(), nil
}

// Info returns a snapshot of one process.
func (s *Supervisor) Info(name string) (*ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		return nil, fmt.Errorf("process not found: %s", name)
	}
	return s.infoLocked(p), nil
}

// List returns snapshots of all supervised processes.
func (s *Supervisor) List() []*ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]*ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		infos = append(infos, s.infoLocked(p))
	}
	slices.SortFunc(infos, func(a, b *ProcessInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return infos
}

func (s *Supervisor) infoLocked(p *process) *ProcessInfo {
	info := &ProcessInfo{
		Name:        p.name,
		PID:         p.cmd.Process.Pid,
		Running:     !p.exited,
		Uptime:      time.Since(p.startedAt),
		StdoutLines: p.stdout.len(),
		StderrLines: p.stderr.len(),
	}
	if p.exited {
		code := p.exitCode
		info.ReturnCode = &code
	} else if cpu, rss, ok := procStats(info.PID); ok {
		info.CPUPercent = cpu
		info.MemoryRSS = rss
	}
	return info
}

func (s *Supervisor) fireOutput(name string, stream StreamType, line string) {
	s.mu.Lock()
	cbs := slices.Clone(s.onOutput)
	s.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("output callback panic", "name", name, "panic", r)
				}
			}()
			cb(name, stream, line)
		}()
	}
}

func (s *Supervisor) fireExit(cb ExitCallback, name string, code int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("exit callback panic", "name", name, "panic", r)
		}
	}()
	cb(name, code)
}

// ringBuffer is a fixed-capacity line buffer with FIFO eviction.
type ringBuffer struct {
	mu    sync.Mutex
	buf   []string
	next  int
	count int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]string, capacity)}
}

func (r *ringBuffer) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ringBuffer) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *ringBuffer) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
