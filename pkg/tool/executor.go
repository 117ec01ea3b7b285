package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultKillGrace is how long an interrupted process may take to exit
// before it is killed.
const DefaultKillGrace = 30 * time.Second

// stderrTailSize bounds the stderr kept for error messages.
const stderrTailSize = 4096

// Command is one invocation of the provisioning tool.
type Command struct {
	// Dir is the working directory (the arena).
	Dir string

	// Args is the program followed by its arguments.
	Args []string

	// Env is the complete environment. Nothing is inherited from the
	// service process.
	Env []string

	// Stdout and Stderr receive output as it is produced. Either may be nil.
	Stdout io.Writer
	Stderr io.Writer
}

// Result describes a finished process.
type Result struct {
	// ExitCode is the process exit status, or -1 when it never exited normally.
	ExitCode int

	// Stderr holds the last few KiB of standard error.
	Stderr string

	Duration time.Duration
}

// Executor runs tool processes. A non-zero exit status is reported in the
// Result, not as an error. Errors mean the process could not be run or was
// interrupted because ctx ended; the latter wrap ctx.Err().
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// LocalExecutor runs the tool as a child process of the service.
type LocalExecutor struct {
	killGrace time.Duration
	logger    zerolog.Logger
}

// NewLocalExecutor creates an executor that interrupts processes when their
// context ends and kills them killGrace later.
func NewLocalExecutor(killGrace time.Duration, logger zerolog.Logger) *LocalExecutor {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &LocalExecutor{
		killGrace: killGrace,
		logger:    logger.With().Str("component", "local-executor").Logger(),
	}
}

// Execute runs cmd to completion.
func (e *LocalExecutor) Execute(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("empty command")
	}

	tail := newTailBuffer(stderrTailSize)
	proc := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	proc.Dir = cmd.Dir
	proc.Env = cmd.Env
	if proc.Env == nil {
		proc.Env = []string{}
	}
	proc.Stdout = writerOrDiscard(cmd.Stdout)
	proc.Stderr = io.MultiWriter(writerOrDiscard(cmd.Stderr), tail)

	// Interrupt first so the tool can release its state lock; exec kills
	// the process once WaitDelay has passed.
	proc.Cancel = func() error {
		e.logger.Warn().Str("command", cmd.Args[0]).Dur("grace", e.killGrace).Msg("interrupting tool process")
		return proc.Process.Signal(os.Interrupt)
	}
	proc.WaitDelay = e.killGrace

	start := time.Now()
	err := proc.Run()
	result := Result{ExitCode: -1, Stderr: tail.String(), Duration: time.Since(start)}
	if proc.ProcessState != nil {
		result.ExitCode = proc.ProcessState.ExitCode()
	}

	e.logger.Debug().
		Str("command", cmd.Args[0]).
		Str("dir", cmd.Dir).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("tool process finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("%s interrupted: %w", cmd.Args[0], ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to run %s: %w", cmd.Args[0], err)
	}

	return result, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

var _ Executor = (*LocalExecutor)(nil)
