// Package cmdexec launches and controls external commands. Every child runs
// in its own process group so signals reach the whole tree it spawns.
package cmdexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	// ErrEmptyCommand is returned when a spec carries no argv.
	ErrEmptyCommand = errors.New("empty command")

	// ErrProcessDone is returned when signalling a process that already exited.
	ErrProcessDone = errors.New("process already finished")
)

// Spec describes one launch.
type Spec struct {
	Dir    string
	Args   []string
	Env    map[string]string // merged over the server environment
	Output string            // combined stdout/stderr, truncated on launch; empty discards
	Header string            // written as the first line of Output when set
}

// Process is a launched child.
type Process interface {
	Pid() int
	// Wait blocks until exit and returns the exit code (-1 when killed by a
	// signal). The error is non-nil only when waiting itself failed.
	Wait() (int, error)
	// Done is closed once Wait has returned.
	Done() <-chan struct{}
	Terminate() error
	Kill() error
	Suspend() error
	Resume() error
}

// Launcher starts processes. It is satisfied by *Executor and by test fakes.
type Launcher interface {
	Launch(spec Spec) (Process, error)
}

type Executor struct{}

func New() *Executor {
	return &Executor{}
}

// Launch starts spec.Args directly, without a shell.
func (e *Executor) Launch(spec Spec) (Process, error) {
	if len(spec.Args) == 0 {
		return nil, ErrEmptyCommand
	}

	var out *os.File
	if spec.Output != "" {
		f, err := os.OpenFile(spec.Output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open output file: %w", err)
		}
		if spec.Header != "" {
			if _, err := fmt.Fprintln(f, spec.Header); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to write output header: %w", err)
			}
		}
		out = f
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		return nil, fmt.Errorf("failed to start %q: %w", spec.Args[0], err)
	}

	return &process{cmd: cmd, out: out, done: make(chan struct{})}, nil
}

// Output runs a short query command and returns its stdout.
func (e *Executor) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.Output()
	if err != nil {
		return string(output), err
	}
	return string(output), nil
}

type process struct {
	cmd  *exec.Cmd
	out  *os.File
	once sync.Once
	done chan struct{}
	code int
	err  error
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) Wait() (int, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		if p.out != nil {
			p.out.Close()
		}

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.code = 0
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code = -1
			p.err = err
		}
		close(p.done)
	})
	return p.code, p.err
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Terminate() error {
	return p.signal(unix.SIGTERM)
}

func (p *process) Kill() error {
	return p.signal(unix.SIGKILL)
}

func (p *process) Suspend() error {
	return p.signal(unix.SIGSTOP)
}

func (p *process) Resume() error {
	return p.signal(unix.SIGCONT)
}

// signal delivers sig to the child's whole process group.
func (p *process) signal(sig unix.Signal) error {
	select {
	case <-p.done:
		return ErrProcessDone
	default:
	}

	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return ErrProcessDone
	}
	if err != nil {
		return fmt.Errorf("failed to send %s to %d: %w", unix.SignalName(sig), p.cmd.Process.Pid, err)
	}
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
