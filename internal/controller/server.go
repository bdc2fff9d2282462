// Package controller serves the daemon control API: graph queries, link
// control, telemetry, latency probes, settings and the live event stream.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cablectl/internal/api"
	"cablectl/internal/events"
	"cablectl/internal/graph"
	"cablectl/internal/graphsync"
	"cablectl/internal/links"
	"cablectl/internal/metrics"
	"cablectl/internal/model"
	"cablectl/internal/probe"
	"cablectl/internal/settings"
	"cablectl/internal/stats"
	"cablectl/internal/store"
)

// Deps are the engine components the API exposes. History, Settings and
// Exporter are optional.
type Deps struct {
	Engine   *graphsync.Engine
	Links    *links.Controller
	Stats    *stats.Monitor
	Probe    *probe.Probe
	Broker   *events.Broker
	History  *store.History
	Settings *settings.Bridge
	Exporter *metrics.Exporter
	Logger   *slog.Logger
}

// Server provides the control HTTP API.
type Server struct {
	listen string
	d      Deps
	log    *slog.Logger

	upgrader     websocket.Upgrader
	pingInterval time.Duration

	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer constructs a control API server.
func NewServer(listen string, d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		listen: listen,
		d:      d,
		log:    log,
		upgrader: websocket.Upgrader{
			// The API binds to loopback; browsers on the same host are trusted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval: 30 * time.Second,
		quit:         make(chan struct{}),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/graph", s.handleGraph)
	mux.HandleFunc("/links", s.handleConnect)
	mux.HandleFunc("/unlink", s.handleUnlink)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/probe", s.handleProbe)
	mux.HandleFunc("/probe/abort", s.handleProbeAbort)
	mux.HandleFunc("/probe/dismiss", s.handleProbeDismiss)
	mux.HandleFunc("/probe/history", s.handleProbeHistory)
	mux.HandleFunc("/settings/latency", s.handleLatency)
	mux.HandleFunc("/settings/property", s.handleProperty)
	mux.HandleFunc("/settings/clock", s.handleClock)
	mux.HandleFunc("/settings/profile", s.handleProfile)
	mux.HandleFunc("/settings/restart", s.handleRestart)
	mux.HandleFunc("/events", s.handleEvents)
	if s.d.Exporter != nil {
		mux.Handle("/metrics", s.d.Exporter.Handler())
	}
	return mux
}

// ListenAndServe runs the HTTP server until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx ends, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	s.log.Info("control api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.stop()
		return err
	case <-ctx.Done():
	}
	s.stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// stop releases event stream handlers, which Shutdown does not wait for.
func (s *Server) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap := s.d.Engine.Store().Snapshot()
	resp := api.StatusResponse{
		State:   s.d.Engine.State().String(),
		Reason:  s.d.Engine.Reason(),
		Version: snap.Version,
		Stale:   snap.Stale,
		Nodes:   len(snap.Nodes()),
		Ports:   len(snap.Ports()),
		Links:   len(snap.Links()),
		Probe:   s.d.Probe.Current().Status.String(),
	}
	if s.d.Broker != nil {
		resp.EventsDropped = s.d.Broker.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.d.Engine.Store().Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.ConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Output == 0 || req.Input == 0 {
		writeJSONError(w, http.StatusBadRequest, "output and input are required")
		return
	}

	p, err := s.d.Links.Connect(r.Context(), req.Output, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := api.ConnectResponse{RequestID: p.RequestID, Output: req.Output, Input: req.Input}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	l, err := p.Wait(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp.Link = &l
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.UnlinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	targets := 0
	for _, set := range []bool{req.Link != 0, req.Port != 0, req.Node != 0} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		writeJSONError(w, http.StatusBadRequest, "exactly one of link, port or node is required")
		return
	}

	ctx := r.Context()
	var (
		ids []model.LinkID
		err error
	)
	switch {
	case req.Link != 0:
		err = s.d.Links.Disconnect(ctx, req.Link)
		ids = []model.LinkID{req.Link}
	case req.Port != 0:
		ids, err = s.d.Links.DisconnectPort(ctx, req.Port)
	default:
		ids, err = s.d.Links.DisconnectNode(ctx, req.Node)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Wait && len(ids) > 0 {
		_, err := s.d.Engine.Store().WaitFor(ctx, func(snap *graph.Snapshot) bool {
			for _, id := range ids {
				if _, ok := snap.Link(id); ok {
					return false
				}
			}
			return true
		})
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if ids == nil {
		ids = []model.LinkID{}
	}
	writeJSON(w, http.StatusOK, api.UnlinkResponse{Links: ids})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	if q.Get("node") == "" {
		writeJSON(w, http.StatusOK, api.StatsResponse{Nodes: s.d.Stats.Nodes()})
		return
	}
	id, err := parseID(q.Get("node"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid node: "+err.Error())
		return
	}
	var since time.Time
	if v := q.Get("window"); v != "" {
		window, err := time.ParseDuration(v)
		if err != nil || window <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid window")
			return
		}
		since = time.Now().Add(-window)
	}

	for _, st := range s.d.Stats.Nodes() {
		if st.NodeID != model.NodeID(id) {
			continue
		}
		history := s.d.Stats.History(st.NodeID)
		if history == nil {
			history = []model.StatSample{}
		}
		writeJSON(w, http.StatusOK, api.NodeStatsResponse{
			NodeStatus: st,
			History:    history,
			Summary:    s.d.Stats.Summary(st.NodeID, since),
		})
		return
	}
	writeError(w, model.Errorf(model.CodeUnknownObject, "node %d has no telemetry", id))
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("wait") == "" {
			writeJSON(w, http.StatusOK, s.d.Probe.Current())
			return
		}
		m, err := s.d.Probe.Wait(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case http.MethodPost:
		var req api.ProbeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Source == 0 || req.Sink == 0 {
			writeJSONError(w, http.StatusBadRequest, "source and sink are required")
			return
		}
		m, err := s.d.Probe.Start(r.Context(), req.Source, req.Sink)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, m)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleProbeAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.d.Probe.Abort() {
		writeJSONError(w, http.StatusConflict, "no measurement in progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProbeDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.d.Probe.Dismiss(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProbeHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.d.History == nil {
		writeJSONError(w, http.StatusNotFound, "measurement history disabled")
		return
	}

	q := r.URL.Query()
	var f store.Filter
	for key, dst := range map[string]*model.NodeID{"source": &f.Source, "sink": &f.Sink} {
		if v := q.Get(key); v != "" {
			id, err := parseID(v)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid "+key)
				return
			}
			*dst = model.NodeID(id)
		}
	}
	if v := q.Get("status"); v != "" {
		if err := f.Status.UnmarshalText([]byte(v)); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	ms, err := s.d.History.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if ms == nil {
		ms = []model.LatencyMeasurement{}
	}
	writeJSON(w, http.StatusOK, api.ProbeHistoryResponse{Measurements: ms})
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	if !s.settingsEnabled(w) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		id, err := parseID(r.URL.Query().Get("node"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid node")
			return
		}
		n, err := s.d.Settings.LatencyOffset(r.Context(), model.NodeID(id))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, api.LatencyResponse{Node: model.NodeID(id), Samples: n})
	case http.MethodPost:
		var req api.LatencyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, ok := s.d.Engine.Store().Snapshot().Node(req.Node); !ok {
			writeError(w, model.Errorf(model.CodeUnknownObject, "node %d not found", req.Node))
			return
		}
		if err := s.d.Settings.SetLatencyOffset(r.Context(), req.Node, req.Samples); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleProperty(w http.ResponseWriter, r *http.Request) {
	if !s.settingsEnabled(w) {
		return
	}
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.PropertyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.d.Engine.Store().Snapshot().Node(req.Node); !ok {
		writeError(w, model.Errorf(model.CodeUnknownObject, "node %d not found", req.Node))
		return
	}
	if err := s.d.Settings.SetNodeProperty(r.Context(), req.Node, req.Key, req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	if !s.settingsEnabled(w) {
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req api.ClockRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Quantum != nil {
			if err := s.d.Settings.ForceQuantum(ctx, *req.Quantum); err != nil {
				writeError(w, err)
				return
			}
		}
		if req.Rate != nil {
			if err := s.d.Settings.ForceRate(ctx, *req.Rate); err != nil {
				writeError(w, err)
				return
			}
		}
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cs, err := s.d.Settings.ClockSettings(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if !s.settingsEnabled(w) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		id, err := parseID(r.URL.Query().Get("device"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid device")
			return
		}
		ps, err := s.d.Settings.Profiles(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, api.ProfilesResponse{Device: id, Profiles: ps})
	case http.MethodPost:
		var req api.ProfileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.d.Settings.SetProfile(r.Context(), req.Device, req.Index); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if !s.settingsEnabled(w) {
		return
	}
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.RestartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.d.Settings.Restart(r.Context(), req.Service); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) settingsEnabled(w http.ResponseWriter) bool {
	if s.d.Settings == nil {
		writeJSONError(w, http.StatusNotFound, "settings bridge disabled")
		return false
	}
	return true
}

func parseID(v string) (uint32, error) {
	if v == "" {
		return 0, fmt.Errorf("id required")
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}

// writeError reports a coded failure with the status its code maps to.
func writeError(w http.ResponseWriter, err error) {
	code := model.CodeOf(err)
	msg := strings.TrimPrefix(err.Error(), string(code)+": ")
	writeJSON(w, statusFor(err), api.ErrorResponse{Error: msg, Code: code})
}

func statusFor(err error) int {
	switch model.CodeOf(err) {
	case model.CodeUnknownObject:
		return http.StatusNotFound
	case model.CodeDuplicateLink, model.CodeProbeBusy:
		return http.StatusConflict
	case model.CodeIncompatibleEndpoints, model.CodePropertyRejected:
		return http.StatusUnprocessableEntity
	case model.CodeLinkRejected:
		return http.StatusBadGateway
	case model.CodeServerUnavailable:
		return http.StatusServiceUnavailable
	case model.CodeLinkConfirmationTimeout, model.CodeProvisioningTimedOut, model.CodeMeasurementTimedOut:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
