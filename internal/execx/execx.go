package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Runner abstracts command execution so packages can be unit-tested without
// touching a real PipeWire server (pw-dump, pw-link, pw-cli, ...).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) (string, error)
	// Start launches a long-running command whose stdout is consumed
	// incrementally (pw-dump --monitor, jack_iodelay).
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// Process is a started command.
type Process interface {
	Stdout() io.Reader
	// Wait blocks until the command exits. The error carries stderr output.
	Wait() error
	// Kill terminates the command. Killing an exited process is not an error.
	Kill() error
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	// Env is appended to the inherited environment.
	Env []string
}

func NewOSRunner(stdout, stderr io.Writer) *OSRunner {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &OSRunner{Stdout: stdout, Stderr: stderr}
}

func (r *OSRunner) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	return cmd
}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := r.command(ctx, name, args...)
	cmd.Stdout = r.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(name, err, stderr.String())
	}
	if stderr.Len() > 0 && r.Stderr != nil {
		_, _ = io.Copy(r.Stderr, &stderr)
	}
	return nil
}

func (r *OSRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := r.command(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if strings.TrimSpace(msg) == "" {
			msg = stdout.String()
		}
		return "", commandError(name, err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (r *OSRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := r.command(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p := &osProcess{cmd: cmd, stdout: stdout}
	cmd.Stderr = &p.stderr
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		return nil, commandError(name, err, "")
	}
	return p, nil
}

// waitDelay bounds how long Wait lingers on pipes held open by orphaned
// children after the command itself exited.
const waitDelay = 2 * time.Second

type osProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr lockedBuffer

	once sync.Once
	err  error
}

func (p *osProcess) Stdout() io.Reader { return p.stdout }

func (p *osProcess) Wait() error {
	p.once.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.err = commandError(p.cmd.Path, err, p.stderr.String())
		}
	})
	return p.err
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// ExitError is returned when a command exits non-zero.
type ExitError struct {
	Name   string
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s: %s", e.Name, e.Err.Error(), e.Stderr)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Err.Error())
}

func (e *ExitError) Unwrap() error { return e.Err }

// NotFound reports whether err means the binary is not installed.
func NotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

func commandError(name string, err error, stderr string) error {
	return &ExitError{Name: name, Err: err, Stderr: strings.TrimSpace(stderr)}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
