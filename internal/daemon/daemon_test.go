package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cablectl/internal/api"
	"cablectl/internal/config"
	"cablectl/internal/execx"
	"cablectl/internal/model"
	"cablectl/internal/testutil/fakepw"
)

type nopRunner struct{}

func (nopRunner) Run(context.Context, string, ...string) error { return nil }
func (nopRunner) Output(context.Context, string, ...string) (string, error) {
	return "", nil
}
func (nopRunner) Start(context.Context, string, ...string) (execx.Process, error) {
	return nil, errors.New("not supported")
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Daemon.DataDir = dir
	cfg.Daemon.BackoffInitialMS = 5
	cfg.Probe.HistoryPath = filepath.Join(dir, "history.db")
	return cfg
}

func TestRun_ServesAndStops(t *testing.T) {
	t.Parallel()

	srv := fakepw.New()
	mic := srv.AddNode("mic", "Audio/Source")
	out := srv.AddPort(mic, "capture_FL", model.DirectionOutput, model.MediaAudio)
	spk := srv.AddNode("speakers", "Audio/Sink")
	in := srv.AddPort(spk, "playback_FL", model.DirectionInput, model.MediaAudio)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&syncWriter{w: &logs}, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, testConfig(t),
			WithBackend(srv),
			WithRunner(nopRunner{}),
			WithListener(ln),
			WithLogger(log),
			WithMinimized(true),
		)
	}()

	client := api.NewClient(ln.Addr().String())
	st, err := WaitReady(context.Background(), client, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Nodes)

	resp, err := client.Connect(context.Background(), api.ConnectRequest{Output: out, Input: in, Wait: true})
	require.NoError(t, err)
	require.NotNil(t, resp.Link)
	assert.Equal(t, model.LinkActive, resp.Link.State)

	res, err := http.Get(client.BaseURL() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Contains(t, string(body), "cablectl_pipewire_connected 1")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Contains(t, logs.String(), "started minimized")
}

func TestRun_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Daemon.SyncMode = "push"
	err := Run(context.Background(), cfg, WithBackend(fakepw.New()), WithRunner(nopRunner{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync_mode")
}

func TestWaitReady_TimesOut(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = WaitReady(context.Background(), api.NewClient(addr), 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestNewLogger_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewLogger("warn", &buf)
	log.Info("hidden")
	log.Warn("shown", "node", 42)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "shown") && strings.Contains(out, "node=42"), out)
}

// syncWriter lets the test read a log buffer the daemon writes concurrently.
type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
