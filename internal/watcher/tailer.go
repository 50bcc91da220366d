package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/setevik/diagwatch/internal/entry"
	"github.com/setevik/diagwatch/internal/normalize"
)

// DefaultCommand runs the project's standard start script.
var DefaultCommand = []string{"npm", "run", "start"}

// DefaultStopTimeout bounds StopAndWait before the process is killed.
const DefaultStopTimeout = 10 * time.Second

// errStillRunning is returned by StopAndWait when even a kill did not
// release the output stream.
var errStillRunning = errors.New("process did not exit")

// Tailer runs a command and ingests the diagnostics lines of its combined
// stdout and stderr. At most one process runs per Tailer.
type Tailer struct {
	sink        Sink
	norm        *normalize.Normalizer
	logger      *slog.Logger
	onStatus    StatusFunc
	stopTimeout time.Duration

	startMu sync.Mutex // serializes Start

	mu      sync.Mutex
	proc    *process
	running bool
}

type process struct {
	cmd     *exec.Cmd
	command string
	done    chan struct{} // closed once the process has been reaped
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// TailerOption configures a Tailer.
type TailerOption func(*Tailer)

// WithStatusFunc sets the liveness callback.
func WithStatusFunc(fn StatusFunc) TailerOption {
	return func(t *Tailer) { t.onStatus = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TailerOption {
	return func(t *Tailer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithStopTimeout sets how long StopAndWait waits before killing.
func WithStopTimeout(d time.Duration) TailerOption {
	return func(t *Tailer) {
		if d > 0 {
			t.stopTimeout = d
		}
	}
}

// WithNormalizer overrides the normalizer, e.g. to inject a clock.
func WithNormalizer(n *normalize.Normalizer) TailerOption {
	return func(t *Tailer) {
		if n != nil {
			t.norm = n
		}
	}
}

// NewTailer creates a Tailer that appends to sink.
func NewTailer(sink Sink, opts ...TailerOption) *Tailer {
	t := &Tailer{
		sink:        sink,
		norm:        &normalize.Normalizer{},
		logger:      slog.Default(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start spawns command (DefaultCommand if empty) in dir and begins tailing
// its output in the background. It is a no-op while a process is running.
// A previously stopped process that has not exited yet is waited for, and
// killed after the stop timeout, before the new one is spawned. A failure
// to spawn is logged, reported to the status callback and returned.
func (t *Tailer) Start(dir string, command ...string) error {
	if len(command) == 0 {
		command = DefaultCommand
	}

	t.startMu.Lock()
	defer t.startMu.Unlock()

	t.mu.Lock()
	prev := t.proc
	running := t.running
	t.mu.Unlock()
	if running {
		return nil
	}
	if prev != nil && prev.alive() {
		if err := t.awaitExit(context.Background(), prev); err != nil {
			t.logger.Error("previous process still running", "pid", prev.pid(), "error", err)
			t.onStatus.Notify(false)
			return err
		}
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}

	proc, stdout, err := spawn(dir, command)
	if err != nil {
		t.mu.Unlock()
		t.logger.Error("process start failed",
			"dir", dir,
			"command", strings.Join(command, " "),
			"error", err,
		)
		t.onStatus.Notify(false)
		return err
	}

	t.proc = proc
	t.running = true
	t.mu.Unlock()

	t.logger.Info("process started", "dir", dir, "command", proc.command, "pid", proc.pid())
	t.onStatus.Notify(true)

	go t.tail(proc, stdout)
	return nil
}

func spawn(dir string, command []string) (*process, io.Reader, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", command[0], err)
	}

	return &process{
		cmd:     cmd,
		command: strings.Join(command, " "),
		done:    make(chan struct{}),
	}, stdout, nil
}

// tail reads the process output until EOF, reaps the process and, unless
// Stop or a newer Start already changed the state, reports it stopped.
func (t *Tailer) tail(p *process, stdout io.Reader) {
	defer close(p.done)

	n, readErr := ReadLines(context.Background(), stdout, entry.SourceMetro, t.sink, t.norm)
	if readErr != nil {
		// Nobody drains the pipe any more; don't leave the child blocked on it.
		_ = killGroup(p.cmd)
	}
	waitErr := p.cmd.Wait()

	t.mu.Lock()
	wasRunning := t.proc == p && t.running
	if wasRunning {
		t.running = false
	}
	t.mu.Unlock()

	switch {
	case readErr != nil:
		t.logger.Error("process tail failed", "pid", p.pid(), "entries", n, "error", readErr)
	case wasRunning:
		t.logger.Warn("process exited", "pid", p.pid(), "entries", n, "error", waitErr)
	default:
		t.logger.Info("process stopped", "pid", p.pid(), "entries", n)
	}

	if wasRunning {
		t.onStatus.Notify(false)
	}
}

// Stop asks the running process to terminate and marks the Tailer stopped
// immediately, without waiting for the process to exit.
func (t *Tailer) Stop() {
	t.mu.Lock()
	p := t.proc
	wasRunning := t.running
	t.running = false
	t.mu.Unlock()

	if p != nil && p.alive() {
		t.logger.Info("process stopping", "pid", p.pid())
		if err := terminateGroup(p.cmd); err != nil {
			t.logger.Warn("failed to signal process", "pid", p.pid(), "error", err)
		}
	}

	if wasRunning {
		t.onStatus.Notify(false)
	}
}

// StopAndWait stops the process and waits for it to exit. If it is still
// alive after the stop timeout or when ctx is done, it is killed.
func (t *Tailer) StopAndWait(ctx context.Context) error {
	t.mu.Lock()
	p := t.proc
	t.mu.Unlock()

	t.Stop()
	if p == nil {
		return nil
	}
	return t.awaitExit(ctx, p)
}

// awaitExit waits for p to exit, killing its group once the stop timeout
// elapses or ctx is done.
func (t *Tailer) awaitExit(ctx context.Context, p *process) error {
	timer := time.NewTimer(t.stopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	t.logger.Warn("process did not exit, killing", "pid", p.pid())
	if err := killGroup(p.cmd); err != nil {
		t.logger.Warn("failed to kill process", "pid", p.pid(), "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("pid %d: %w", p.pid(), errStillRunning)
	}
}

// Running reports whether a process is being tailed.
func (t *Tailer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// PID returns the running process' pid, or 0.
func (t *Tailer) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.proc == nil {
		return 0
	}
	return t.proc.pid()
}
