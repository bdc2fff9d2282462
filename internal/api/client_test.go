package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cablectl/internal/model"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.Connect(context.Background(), ConnectRequest{Output: 1, Input: 2})
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if got == "" || got[len(got)-1] == '\n' {
		t.Fatalf("unexpected error string: %q", got)
	}
	if want := "400"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"error":"nope"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
}

func TestClient_RestoresErrorCode(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "60->61 already requested", Code: model.CodeDuplicateLink})
	}))
	defer s.Close()

	_, err := NewClient(s.URL).Connect(context.Background(), ConnectRequest{Output: 60, Input: 61})
	if !errors.Is(err, model.ErrDuplicateLink) {
		t.Fatalf("err=%v, want DUPLICATE_LINK", err)
	}
	if got := err.Error(); got != "DUPLICATE_LINK: 60->61 already requested" {
		t.Fatalf("message=%q", got)
	}
}

func TestClient_RequestShape(t *testing.T) {
	t.Parallel()

	var gotPath, gotBody string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.RequestURI()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		gotBody = strings.TrimSpace(buf.String())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer s.Close()

	c := NewClient(strings.TrimPrefix(s.URL, "http://"))
	if err := c.SetLatencyOffset(context.Background(), LatencyRequest{Node: 52, Samples: 128}); err != nil {
		t.Fatalf("SetLatencyOffset: %v", err)
	}
	if gotPath != "POST /settings/latency" || gotBody != `{"node":52,"samples":128}` {
		t.Fatalf("request=%s %s", gotPath, gotBody)
	}
}

func TestClient_Unreachable(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.NotFoundHandler())
	url := s.URL
	s.Close()

	_, err := NewClient(url).Stats(context.Background())
	if !errors.Is(err, model.ErrServerUnavailable) {
		t.Fatalf("err=%v, want SERVER_UNAVAILABLE", err)
	}
}
