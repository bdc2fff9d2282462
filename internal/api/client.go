package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cablectl/internal/graph"
	"cablectl/internal/model"
	"cablectl/internal/settings"
)

// Client is a thin HTTP client for the daemon control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the daemon address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Graph fetches the current graph snapshot.
func (c *Client) Graph(ctx context.Context) (*graph.Snapshot, error) {
	var snap graph.Snapshot
	if err := c.getJSON(ctx, "/graph", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Status reports connection state and graph size.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.getJSON(ctx, "/status", &resp)
	return resp, err
}

// Connect requests a link between two ports.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error) {
	var resp ConnectResponse
	err := c.postJSON(ctx, "/links", req, &resp)
	return resp, err
}

// Unlink removes a link, or every link of a port or node.
func (c *Client) Unlink(ctx context.Context, req UnlinkRequest) (UnlinkResponse, error) {
	var resp UnlinkResponse
	err := c.postJSON(ctx, "/unlink", req, &resp)
	return resp, err
}

// Stats lists per-node telemetry status.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var resp StatsResponse
	err := c.getJSON(ctx, "/stats", &resp)
	return resp, err
}

// NodeStats returns one node's history and summary over the given window.
func (c *Client) NodeStats(ctx context.Context, node model.NodeID, window time.Duration) (NodeStatsResponse, error) {
	q := url.Values{"node": {strconv.FormatUint(uint64(node), 10)}}
	if window > 0 {
		q.Set("window", window.String())
	}
	var resp NodeStatsResponse
	err := c.getJSON(ctx, "/stats?"+q.Encode(), &resp)
	return resp, err
}

// StartProbe starts a latency measurement.
func (c *Client) StartProbe(ctx context.Context, req ProbeRequest) (model.LatencyMeasurement, error) {
	var resp model.LatencyMeasurement
	err := c.postJSON(ctx, "/probe", req, &resp)
	return resp, err
}

// Probe returns the current measurement. With wait set the call blocks until
// the measurement is terminal.
func (c *Client) Probe(ctx context.Context, wait bool) (model.LatencyMeasurement, error) {
	path := "/probe"
	if wait {
		path += "?wait=1"
	}
	var resp model.LatencyMeasurement
	err := c.getJSON(ctx, path, &resp)
	return resp, err
}

func (c *Client) AbortProbe(ctx context.Context) error {
	return c.postJSON(ctx, "/probe/abort", struct{}{}, nil)
}

func (c *Client) DismissProbe(ctx context.Context) error {
	return c.postJSON(ctx, "/probe/dismiss", struct{}{}, nil)
}

// ProbeHistory lists persisted measurements, newest first.
func (c *Client) ProbeHistory(ctx context.Context, limit int) (ProbeHistoryResponse, error) {
	path := "/probe/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp ProbeHistoryResponse
	err := c.getJSON(ctx, path, &resp)
	return resp, err
}

func (c *Client) LatencyOffset(ctx context.Context, node model.NodeID) (LatencyResponse, error) {
	var resp LatencyResponse
	err := c.getJSON(ctx, "/settings/latency?node="+strconv.FormatUint(uint64(node), 10), &resp)
	return resp, err
}

func (c *Client) SetLatencyOffset(ctx context.Context, req LatencyRequest) error {
	return c.postJSON(ctx, "/settings/latency", req, nil)
}

func (c *Client) SetNodeProperty(ctx context.Context, req PropertyRequest) error {
	return c.postJSON(ctx, "/settings/property", req, nil)
}

// Clock forces quantum and/or rate and returns the resulting settings.
func (c *Client) Clock(ctx context.Context, req ClockRequest) (settings.ClockSettings, error) {
	var resp settings.ClockSettings
	err := c.postJSON(ctx, "/settings/clock", req, &resp)
	return resp, err
}

func (c *Client) Profiles(ctx context.Context, device uint32) (ProfilesResponse, error) {
	var resp ProfilesResponse
	err := c.getJSON(ctx, "/settings/profile?device="+strconv.FormatUint(uint64(device), 10), &resp)
	return resp, err
}

func (c *Client) SetProfile(ctx context.Context, req ProfileRequest) error {
	return c.postJSON(ctx, "/settings/profile", req, nil)
}

func (c *Client) Restart(ctx context.Context, service string) error {
	return c.postJSON(ctx, "/settings/restart", RestartRequest{Service: service}, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return model.Wrap(model.CodeServerUnavailable, err, "daemon unreachable")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return responseError(res)
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}

// responseError restores the daemon's coded error when the body carries one.
func responseError(res *http.Response) error {
	body, _ := io.ReadAll(res.Body)
	var e ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Code != "" {
		return &model.Error{Code: e.Code, Message: e.Error}
	}
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return fmt.Errorf("request failed: %s: %s", res.Status, msg)
	}
	return fmt.Errorf("request failed: %s", res.Status)
}
