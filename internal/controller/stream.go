package controller

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cablectl/internal/events"
	"cablectl/internal/graph"
	"cablectl/internal/model"
)

const writeWait = 10 * time.Second

// handleEvents streams events over a websocket. A new client first receives
// the full graph as a reset, the connection state and the current probe, so
// it never has to combine a snapshot with a separate subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.d.Broker == nil {
		writeJSONError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Subscribe before reading the snapshot so no commit falls in between.
	sub := s.d.Broker.Subscribe(kinds...)
	defer sub.Close()

	for _, e := range s.initialEvents(kinds) {
		if err := send(conn, e); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("websocket read failed", "err", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				closeConn(conn, websocket.CloseGoingAway)
				return
			}
			if err := send(conn, e); err != nil {
				s.log.Debug("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.quit:
			closeConn(conn, websocket.CloseGoingAway)
			return
		}
	}
}

func (s *Server) initialEvents(kinds []events.Kind) []events.Event {
	now := time.Now()
	var out []events.Event
	if wants(kinds, events.GraphChanged) {
		snap := s.d.Engine.Store().Snapshot()
		out = append(out, events.Event{Kind: events.GraphChanged, Time: now, Graph: &events.GraphChange{
			Version: snap.Version,
			Stale:   snap.Stale,
			Reset:   true,
			Diffs:   graph.DiffEnumeration(graph.Empty(), snap.Enumeration()),
		}})
	}
	if wants(kinds, events.ConnectionChanged) {
		out = append(out, events.Event{Kind: events.ConnectionChanged, Time: now, Connection: &events.Connection{
			Connected: s.d.Engine.Connected(),
			Reason:    s.d.Engine.Reason(),
		}})
	}
	if wants(kinds, events.ProbeChanged) && s.d.Probe != nil {
		if m := s.d.Probe.Current(); m.Status != model.ProbeIdle {
			out = append(out, events.Event{Kind: events.ProbeChanged, Time: now, Probe: &m})
		}
	}
	return out
}

func parseKinds(v string) ([]events.Kind, error) {
	if v == "" {
		return nil, nil
	}
	var kinds []events.Kind
	for _, name := range strings.Split(v, ",") {
		var k events.Kind
		if err := k.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func wants(kinds []events.Kind, k events.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

func send(conn *websocket.Conn, e events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

func closeConn(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
