// Package runner executes pipeline subprocesses with live line streaming,
// cooperative cancellation, and a wall-clock timeout. Cancellation and
// timeout both tear down the entire process group so background children
// started by build scripts do not outlive the pipeline.
package runner

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/stackd/stackd/internal/cancel"
)

// Sink receives output lines as they arrive. Calls are serialized; lines
// from the same stream arrive in production order.
type Sink interface {
	Line(level, message string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(level, message string)

// Line implements Sink.
func (f SinkFunc) Line(level, message string) { f(level, message) }

// Command describes one subprocess invocation.
type Command struct {
	// Command is a single command line, tokenized with shell-style quoting.
	Command string
	Dir     string
	// Env is the full child environment; nil inherits the parent's.
	Env []string
	// Timeout bounds the run in wall-clock time; zero means unbounded.
	Timeout time.Duration
	// Cancel interrupts the run when set. On timeout the flag is also set
	// so any surviving children are torn down by the caller's cleanup.
	Cancel *cancel.Flag
	Sink   Sink
}

// Result reports how a subprocess finished.
type Result struct {
	ExitCode  int
	TimedOut  bool
	Cancelled bool
}

// Runner executes commands.
type Runner interface {
	Run(cmd Command) (Result, error)
}

// ExecRunner runs commands via os/exec in a dedicated process group.
type ExecRunner struct {
	logger *slog.Logger
}

// New constructs an ExecRunner.
func New(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

type outputLine struct {
	level string
	text  string
}

// Run starts the command and blocks until it exits and every collected
// output line has reached the sink.
func (r *ExecRunner) Run(spec Command) (Result, error) {
	args, err := SplitCommand(spec.Command)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	if len(args) == 0 {
		return Result{}, nil
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	} else {
		cmd.Env = os.Environ()
	}
	// Own process group so the whole tree can be killed at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", args[0], err)
	}
	pid := cmd.Process.Pid

	lines := make(chan outputLine, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go streamLines(stdout, "info", lines, &readers)
	go streamLines(stderr, "error", lines, &readers)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for line := range lines {
			if spec.Sink != nil {
				spec.Sink.Line(line.level, line.text)
			}
		}
	}()

	var timedOut atomic.Bool
	procDone := make(chan struct{})
	go func() {
		var timeoutCh <-chan time.Time
		if spec.Timeout > 0 {
			timer := time.NewTimer(spec.Timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}
		var cancelCh <-chan struct{}
		if spec.Cancel != nil {
			cancelCh = spec.Cancel.Done()
		}
		select {
		case <-procDone:
		case <-cancelCh:
			r.killTree(pid)
		case <-timeoutCh:
			timedOut.Store(true)
			if spec.Cancel != nil {
				spec.Cancel.Set()
			}
			r.killTree(pid)
		}
	}()

	readers.Wait()
	close(lines)
	waitErr := cmd.Wait()
	close(procDone)
	<-drained

	result := Result{TimedOut: timedOut.Load()}
	result.Cancelled = !result.TimedOut && spec.Cancel != nil && spec.Cancel.IsSet()

	switch {
	case waitErr == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			return result, fmt.Errorf("wait for %s: %w", args[0], waitErr)
		}
	}
	return result, nil
}

func streamLines(pipe interface{ Read([]byte) (int, error) }, level string, out chan<- outputLine, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		if text != "" {
			out <- outputLine{level: level, text: text}
		}
	}
}

func (r *ExecRunner) killTree(pid int) {
	// Negative pid addresses the process group.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if r.logger != nil {
			r.logger.Warn("process group kill failed", "pid", pid, "error", err)
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// SplitCommand tokenizes a command line honoring single quotes, double
// quotes, and backslash escapes.
func SplitCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, nil
	}
	var (
		tokens   []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		escape   bool
	)

	for _, r := range command {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\' && !inSingle:
			escape = true
		case r == '\'':
			if !inDouble {
				inSingle = !inSingle
				continue
			}
			current.WriteRune(r)
		case r == '"':
			if !inSingle {
				inDouble = !inDouble
				continue
			}
			current.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n' || r == '\r') && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if escape || inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quoted string in command: %s", command)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens, nil
}
