package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cablectl/internal/api"
	"cablectl/internal/graph"
	"cablectl/internal/metrics"
	"cablectl/internal/model"
	"cablectl/internal/settings"
)

func TestRootCommand_Subcommands(t *testing.T) {
	t.Parallel()

	cmd := NewRootCommand()
	want := []string{"daemon", "status", "graph", "connect", "disconnect", "stats", "probe",
		"latency", "property", "clock", "profile", "restart", "export"}
	for _, name := range want {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	for _, flag := range []string{"config", "addr", "format", "verbose"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestGetExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{fmt.Errorf("wrapped: %w", NewExitError(ExitUnavailable, "x")), ExitUnavailable},
		{model.Errorf(model.CodeServerUnavailable, "daemon unreachable"), ExitUnavailable},
		{model.Errorf(model.CodeUnknownObject, "no port 4"), ExitCommandError},
		{model.Errorf(model.CodeProbeBusy, "busy"), ExitCommandError},
		{model.Errorf(model.CodeLinkConfirmationTimeout, "slow"), ExitFailure},
		{errors.New("plain"), ExitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetExitCode(tt.err), "%v", tt.err)
	}
}

// fakeDaemon serves a fixed graph and records the last request body per path.
type fakeDaemon struct {
	*httptest.Server
	mux *http.ServeMux

	mu     sync.Mutex
	bodies map[string][]byte
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	st := graph.NewStore()
	errs := st.Load(graph.Enumeration{
		Nodes: []model.Node{
			{ID: 50, Name: "mic", MediaClass: "Audio/Source"},
			{ID: 52, Name: "speakers", MediaClass: "Audio/Sink"},
		},
		Ports: []model.Port{
			{ID: 61, NodeID: 50, Name: "capture_FL", Direction: model.DirectionOutput, Media: model.MediaAudio},
			{ID: 71, NodeID: 52, Name: "playback_FL", Direction: model.DirectionInput, Media: model.MediaAudio},
		},
		Links: []model.Link{{ID: 90, Output: 61, Input: 71, State: model.LinkActive}},
	})
	require.Empty(t, errs)
	snap := st.Snapshot()

	d := &fakeDaemon{mux: http.NewServeMux(), bodies: map[string][]byte{}}
	d.handle("/graph", func(w http.ResponseWriter, r *http.Request) { reply(w, http.StatusOK, snap) })
	d.Server = httptest.NewServer(d.mux)
	t.Cleanup(d.Close)
	return d
}

func (d *fakeDaemon) handle(path string, fn http.HandlerFunc) {
	d.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		if buf.Len() > 0 {
			d.mu.Lock()
			d.bodies[path] = buf.Bytes()
			d.mu.Unlock()
		}
		fn(w, r)
	})
}

func (d *fakeDaemon) body(t *testing.T, path string, v any) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NoError(t, json.Unmarshal(d.bodies[path], v))
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := Execute(args, &out, &errb)
	return code, out.String(), errb.String()
}

func TestExecute_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	code, _, stderr := run(t, "graph", "--format", "yaml", "--addr", "127.0.0.1:1")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, `invalid format "yaml"`)
}

func TestGraph_Text(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	code, out, stderr := run(t, "graph", "--addr", d.URL)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "50 mic [Audio/Source]")
	assert.Contains(t, out, "capture_FL")
	assert.Contains(t, out, "link 90 mic:capture_FL -> speakers:playback_FL active")
}

func TestConnect_ResolvesPortNames(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	d.handle("/links", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, api.ConnectResponse{
			RequestID: "req-1", Output: 61, Input: 71,
			Link: &model.Link{ID: 91, Output: 61, Input: 71, State: model.LinkActive},
		})
	})

	code, out, stderr := run(t, "connect", "--addr", d.URL, "--wait", "mic:capture_FL", "71")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "linked 61 -> 71 as 91\n", out)

	var req api.ConnectRequest
	d.body(t, "/links", &req)
	assert.Equal(t, api.ConnectRequest{Output: 61, Input: 71, Wait: true}, req)
}

func TestConnect_ErrorCodes(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	d.handle("/links", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusConflict, api.ErrorResponse{Error: "61->71 already requested", Code: model.CodeDuplicateLink})
	})

	code, _, stderr := run(t, "connect", "--addr", d.URL, "61", "71")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "DUPLICATE_LINK")

	code, _, stderr = run(t, "connect", "--addr", d.URL, "mic:nope", "71")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, `port "nope" not found`)
}

func TestDisconnect_Targets(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	d.handle("/unlink", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, api.UnlinkResponse{Links: []model.LinkID{90}})
	})

	code, _, _ := run(t, "disconnect", "--addr", d.URL)
	assert.Equal(t, ExitCommandError, code)
	code, _, _ = run(t, "disconnect", "--addr", d.URL, "90", "--node", "mic")
	assert.Equal(t, ExitCommandError, code)

	code, out, stderr := run(t, "disconnect", "--addr", d.URL, "--node", "speakers")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "unlinked 90\n", out)
	var req api.UnlinkRequest
	d.body(t, "/unlink", &req)
	assert.Equal(t, api.UnlinkRequest{Node: 52}, req)
}

func TestStatus_JSONAndUnreachable(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	want := api.StatusResponse{State: "connected", Version: 7, Nodes: 2, Ports: 2, Links: 1, Probe: "idle"}
	d.handle("/status", func(w http.ResponseWriter, r *http.Request) { reply(w, http.StatusOK, want) })

	code, out, stderr := run(t, "status", "--addr", d.URL, "--format", "json")
	require.Equal(t, ExitSuccess, code, stderr)
	var got api.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, want, got)

	gone := httptest.NewServer(http.NotFoundHandler())
	addr := gone.URL
	gone.Close()
	code, _, stderr = run(t, "status", "--addr", addr)
	assert.Equal(t, ExitUnavailable, code)
	assert.Contains(t, stderr, "daemon unreachable")
}

func TestProbeStart_FailedMeasurementExitsNonZero(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	failed := model.LatencyMeasurement{
		RunID: "run-1", Source: 50, Sink: 52, Status: model.ProbeFailed,
		ErrorCode: model.CodeUnparseableResult, Error: "no latency in output", RawOutput: "signal below threshold",
	}
	d.handle("/probe", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			reply(w, http.StatusAccepted, model.LatencyMeasurement{RunID: "run-1", Source: 50, Sink: 52, Status: model.ProbeProvisioning})
			return
		}
		reply(w, http.StatusOK, failed)
	})

	code, out, stderr := run(t, "probe", "start", "--addr", d.URL, "--wait", "mic", "speakers")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "error: UNPARSEABLE_RESULT: no latency in output")
	assert.Contains(t, out, "output: signal below threshold")
	assert.Contains(t, stderr, "measurement failed")

	var req api.ProbeRequest
	d.body(t, "/probe", &req)
	assert.Equal(t, api.ProbeRequest{Source: 50, Sink: 52}, req)
}

func TestClock_ForcesQuantum(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	d.handle("/settings/clock", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, settings.ClockSettings{Rate: 48000, Quantum: 128, MinQuantum: 32, MaxQuantum: 2048, ForceQuantum: 128})
	})

	code, out, stderr := run(t, "clock", "quantum", "128", "--addr", d.URL)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "quantum: 128 [32..2048] (forced 128)")

	var req api.ClockRequest
	d.body(t, "/settings/clock", &req)
	require.NotNil(t, req.Quantum)
	assert.Equal(t, 128, *req.Quantum)
	assert.Nil(t, req.Rate)

	code, _, _ = run(t, "clock", "rate", "fast", "--addr", d.URL)
	assert.Equal(t, ExitCommandError, code)
}

func TestStats_FileSummary(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	path := filepath.Join(t.TempDir(), "stats.csv")
	require.NoError(t, metrics.AppendCSV(path, []model.StatSample{
		{NodeID: 52, Timestamp: base, Quantum: 256, Rate: 48000, Load: 0.2, Xruns: 1},
		{NodeID: 52, Timestamp: base.Add(time.Second), Quantum: 256, Rate: 48000, Load: 0.4, Xruns: 3},
	}))

	code, out, stderr := run(t, "stats", "--file", path)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "node 52")
	assert.Contains(t, out, "samples: 2")
	assert.Contains(t, out, "xruns: +2")
	assert.Contains(t, out, "clock: 256/48000")

	code, _, _ = run(t, "stats", "--file", filepath.Join(t.TempDir(), "missing.csv"))
	assert.Equal(t, ExitCommandError, code)
}

func TestExport_WritesHistory(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	d := newFakeDaemon(t)
	d.handle("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("node") == "" {
			reply(w, http.StatusOK, map[string]any{"nodes": []map[string]any{{"node_id": 50}, {"node_id": 52}}})
			return
		}
		var id uint32
		_, _ = fmt.Sscan(r.URL.Query().Get("node"), &id)
		reply(w, http.StatusOK, api.NodeStatsResponse{History: []model.StatSample{
			{NodeID: model.NodeID(id), Timestamp: base.Add(time.Duration(id) * time.Second), Quantum: 256, Rate: 48000, Load: 0.1},
		}})
	})

	out := filepath.Join(t.TempDir(), "export.csv")
	code, _, stderr := run(t, "export", "csv", "--addr", d.URL, "--out", out)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stderr, "wrote 2 samples")

	samples, err := metrics.ReadCSV(out)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, model.NodeID(50), samples[0].NodeID)
	assert.Equal(t, model.NodeID(52), samples[1].NodeID)

	code, _, _ = run(t, "export", "csv", "--addr", d.URL)
	assert.Equal(t, ExitCommandError, code)
}

func TestRestart_DefaultsToSessionManager(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t)
	d.handle("/settings/restart", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	code, out, stderr := run(t, "restart", "--addr", d.URL)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.True(t, strings.HasPrefix(out, "restarted wireplumber"))
	var req api.RestartRequest
	d.body(t, "/settings/restart", &req)
	assert.Equal(t, "wireplumber", req.Service)
}
