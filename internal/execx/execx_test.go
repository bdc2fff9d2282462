package execx

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestOSRunnerOutput_TrimsAndReportsStderr(t *testing.T) {
	t.Parallel()
	requireShell(t)

	r := NewOSRunner(nil, nil)
	out, err := r.Output(context.Background(), "sh", "-c", "echo '  hello  '")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out != "hello" {
		t.Fatalf("out=%q", out)
	}

	_, err = r.Output(context.Background(), "sh", "-c", "echo nope >&2; exit 3")
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if ee.Stderr != "nope" {
		t.Fatalf("stderr=%q", ee.Stderr)
	}
}

func TestOSRunnerStart_StreamsAndKills(t *testing.T) {
	t.Parallel()
	requireShell(t)

	r := NewOSRunner(nil, nil)
	p, err := r.Start(context.Background(), "sh", "-c", "echo first; exec sleep 30")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "first" {
		t.Fatalf("line=%q", line)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error from killed process")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit after Kill")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("second Kill: %v", err)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	r := NewOSRunner(nil, nil)
	err := r.Run(context.Background(), "cablectl-definitely-missing-binary")
	if !NotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
