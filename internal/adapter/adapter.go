// Package adapter supervises external agent processes. One adapter owns at
// most one run at a time: it spawns the agent executable, feeds it the
// prompt, turns raw stdout/stderr into structured events, and enforces
// idle/absolute timeouts and a total output ceiling.
package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hivechat/hivechat/internal/tracing"
)

// Run failure sentinels. These map onto the error taxonomy: ErrBadCommand
// and ErrNotFound are configuration errors; the rest are runtime errors.
var (
	ErrAlreadyProcessing = errors.New("already processing")
	ErrResponseTooLarge  = errors.New("response too large")
	ErrTimedOut          = errors.New("timed out")
	ErrKilledBySignal    = errors.New("killed by signal")
	ErrNotFound          = errors.New("agent executable not found")
	ErrBadCommand        = errors.New("invalid adapter command")
	ErrUnknownType       = errors.New("unknown adapter type")
)

// Chunk kinds surfaced in events.
const (
	ChunkText  = "text"
	ChunkError = "error" // stderr line, non-fatal
)

// Chunk is one incremental unit of agent output.
type Chunk struct {
	Kind    string
	Content string
}

// Completion carries the result of a successful run.
type Completion struct {
	Output   string
	ExitCode int
}

// Event is the single result type streamed from a run: exactly one of
// Chunk, Done, or Err is set, and each run ends with exactly one terminal
// event (Done or Err), never both and never neither.
type Event struct {
	Chunk *Chunk
	Done  *Completion
	Err   error
}

// EmitFunc receives run events. It is called from the adapter's reader
// goroutines; implementations must not block for long.
type EmitFunc func(Event)

// Adapter is the strategy interface for agent process supervision.
type Adapter interface {
	// Send starts a run. A concurrent call while a run is active fails
	// immediately with ErrAlreadyProcessing; there is no queuing.
	Send(ctx context.Context, content string, emit EmitFunc) error
	// Stop requests graceful termination of the active run, if any.
	Stop()
	// Dispose stops the run and releases all timers. Idempotent.
	Dispose()
}

// Limits bound one run.
type Limits struct {
	IdleTimeout    time.Duration // re-armed on every chunk
	RunTimeout     time.Duration // absolute cap regardless of activity
	MaxOutputBytes int64
	KillGrace      time.Duration // SIGTERM → SIGKILL escalation delay
}

// DefaultLimits mirror the config defaults.
func DefaultLimits() Limits {
	return Limits{
		IdleTimeout:    2 * time.Minute,
		RunTimeout:     10 * time.Minute,
		MaxOutputBytes: 4 * 1024 * 1024,
		KillGrace:      5 * time.Second,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = d.IdleTimeout
	}
	if l.RunTimeout <= 0 {
		l.RunTimeout = d.RunTimeout
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
	if l.KillGrace <= 0 {
		l.KillGrace = d.KillGrace
	}
	return l
}

// Spec declares the external command an adapter runs.
type Spec struct {
	Command      string
	Args         []string
	Env          map[string]string
	WorkingDir   string
	PromptViaArg bool // default: prompt is written to stdin
}

// ProcessAdapter supervises one external agent process per run.
type ProcessAdapter struct {
	spec     Spec
	limits   Limits
	typeName string

	running atomic.Bool

	mu        sync.Mutex
	proc      *os.Process
	idleTimer *time.Timer
	runTimer  *time.Timer
	killTimer *time.Timer
	disposed  bool
}

// shellMeta are the characters rejected in user-declared commands. The
// adapter never invokes a shell, but declarations containing metacharacters
// are almost always an attempted injection or a misconfigured command line.
const shellMeta = ";|&`$><(){}\n\r"

// validateCommand rejects empty commands and shell metacharacters.
func validateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrBadCommand)
	}
	if i := strings.IndexAny(command, shellMeta); i >= 0 {
		return fmt.Errorf("%w: command contains forbidden character %q", ErrBadCommand, command[i])
	}
	return nil
}

// NewProcessAdapter validates the spec and builds an idle adapter.
func NewProcessAdapter(typeName string, spec Spec, limits Limits) (*ProcessAdapter, error) {
	if err := validateCommand(spec.Command); err != nil {
		return nil, err
	}
	for _, arg := range spec.Args {
		if strings.ContainsAny(arg, "`$\n\r") {
			return nil, fmt.Errorf("%w: argument contains forbidden character", ErrBadCommand)
		}
	}
	return &ProcessAdapter{spec: spec, limits: limits.withDefaults(), typeName: typeName}, nil
}

// terminal wraps an EmitFunc with a single-shot latch so exactly one
// terminal event is ever delivered, even when a timer fires while a
// completion is in flight.
type terminal struct {
	emit EmitFunc
	once sync.Once
}

func (t *terminal) chunk(c Chunk) {
	c.Content = Redact(c.Content)
	t.emit(Event{Chunk: &c})
}

func (t *terminal) complete(done Completion) {
	t.once.Do(func() {
		done.Output = Redact(done.Output)
		t.emit(Event{Done: &done})
	})
}

func (t *terminal) fail(err error) {
	t.once.Do(func() { t.emit(Event{Err: err}) })
}

// Send starts a run. See Adapter.
func (a *ProcessAdapter) Send(ctx context.Context, content string, emit EmitFunc) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyProcessing
	}

	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		a.running.Store(false)
		return fmt.Errorf("adapter disposed")
	}
	a.mu.Unlock()

	args := append([]string(nil), a.spec.Args...)
	if a.spec.PromptViaArg {
		args = append(args, content)
	}

	cmd := exec.Command(a.spec.Command, args...)
	cmd.Dir = a.spec.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range a.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdin io.WriteCloser
	if !a.spec.PromptViaArg {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			a.running.Store(false)
			return fmt.Errorf("stdin pipe: %w", err)
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.running.Store(false)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.running.Store(false)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		a.running.Store(false)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, a.spec.Command)
		}
		return fmt.Errorf("spawn %s: %w", a.spec.Command, err)
	}

	runCtx, span := tracing.Start(ctx, "adapter.run")
	span.SetAttributes(
		attribute.String("adapter.type", a.typeName),
		attribute.String("adapter.command", a.spec.Command),
	)
	_ = runCtx

	t := &terminal{emit: emit}
	var (
		outBuf   strings.Builder
		outBytes atomic.Int64
		capHit   atomic.Bool
		timedOut atomic.Bool
	)

	a.mu.Lock()
	a.proc = cmd.Process
	a.idleTimer = time.AfterFunc(a.limits.IdleTimeout, func() {
		timedOut.Store(true)
		a.terminate()
	})
	a.runTimer = time.AfterFunc(a.limits.RunTimeout, func() {
		timedOut.Store(true)
		a.terminate()
	})
	a.mu.Unlock()

	// Prompt delivery via stdin: unbounded length, closed after write so
	// line-oriented agents see EOF.
	if stdin != nil {
		go func() {
			_, _ = io.WriteString(stdin, content)
			_ = stdin.Close()
		}()
	}

	var readers sync.WaitGroup
	readers.Add(2)

	// stdout → text chunks, metered against the output ceiling.
	go func() {
		defer readers.Done()
		buf := make([]byte, 8192)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				total := outBytes.Add(int64(n))
				if total > a.limits.MaxOutputBytes {
					capHit.Store(true)
					a.terminate()
					return
				}
				piece := string(buf[:n])
				outBuf.WriteString(piece)
				a.touchIdle()
				t.chunk(Chunk{Kind: ChunkText, Content: piece})
			}
			if rerr != nil {
				return
			}
		}
	}()

	// stderr lines → non-fatal error chunks.
	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 256*1024)
		for sc.Scan() {
			line := sc.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			a.touchIdle()
			t.chunk(Chunk{Kind: ChunkError, Content: line})
		}
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		a.clearRun()
		span.End()

		switch {
		case capHit.Load():
			t.fail(ErrResponseTooLarge)
		case timedOut.Load():
			t.fail(ErrTimedOut)
		case err == nil:
			t.complete(Completion{Output: outBuf.String(), ExitCode: 0})
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				if code := exitErr.ExitCode(); code >= 0 {
					t.fail(fmt.Errorf("agent exited with code %d", code))
				} else {
					t.fail(ErrKilledBySignal)
				}
			} else {
				t.fail(fmt.Errorf("agent run: %w", err))
			}
		}
		a.running.Store(false)
	}()

	return nil
}

// touchIdle re-arms the idle timer. Output of any kind counts as activity.
func (a *ProcessAdapter) touchIdle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idleTimer != nil {
		a.idleTimer.Reset(a.limits.IdleTimeout)
	}
}

// terminate escalates: graceful signal first, forceful kill after the grace
// period if the process has not exited.
func (a *ProcessAdapter) terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	proc := a.proc
	if proc == nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("adapter sigterm failed", "type", a.typeName, "error", err)
	}
	if a.killTimer == nil {
		a.killTimer = time.AfterFunc(a.limits.KillGrace, func() {
			a.mu.Lock()
			p := a.proc
			a.mu.Unlock()
			if p != nil {
				_ = p.Kill()
			}
		})
	}
}

// clearRun tears down the per-run timers after the process has exited.
func (a *ProcessAdapter) clearRun() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
	if a.runTimer != nil {
		a.runTimer.Stop()
		a.runTimer = nil
	}
	if a.killTimer != nil {
		a.killTimer.Stop()
		a.killTimer = nil
	}
	a.proc = nil
}

// Stop requests graceful termination of the active run. Safe after
// completion and safe to call repeatedly.
func (a *ProcessAdapter) Stop() {
	a.terminate()
}

// Dispose stops any active run and releases the idle and run timers.
// The kill escalation timer is left to the run's own exit path: stopping
// it here would let a process that ignores SIGTERM outlive disposal.
// Idempotent.
func (a *ProcessAdapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
	if a.runTimer != nil {
		a.runTimer.Stop()
		a.runTimer = nil
	}
	a.mu.Unlock()

	a.terminate()
}

// Busy reports whether a run is in flight.
func (a *ProcessAdapter) Busy() bool { return a.running.Load() }
