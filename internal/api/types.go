package api

import (
	"cablectl/internal/metrics"
	"cablectl/internal/model"
	"cablectl/internal/settings"
	"cablectl/internal/stats"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string          `json:"error"`
	Code  model.ErrorCode `json:"code,omitempty"`
}

// StatusResponse summarizes the daemon's view of the media server.
type StatusResponse struct {
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	Version       uint64 `json:"version"`
	Stale         bool   `json:"stale"`
	Nodes         int    `json:"nodes"`
	Ports         int    `json:"ports"`
	Links         int    `json:"links"`
	Probe         string `json:"probe"`
	EventsDropped uint64 `json:"events_dropped"`
}

// ConnectRequest asks for a link from Output to Input. With Wait set the
// call returns once the server has confirmed the link.
type ConnectRequest struct {
	Output model.PortID `json:"output"`
	Input  model.PortID `json:"input"`
	Wait   bool         `json:"wait,omitempty"`
}

// ConnectResponse carries the request id and, when waited for, the
// confirmed link.
type ConnectResponse struct {
	RequestID string       `json:"request_id"`
	Output    model.PortID `json:"output"`
	Input     model.PortID `json:"input"`
	Link      *model.Link  `json:"link,omitempty"`
}

// UnlinkRequest removes one link, every link of a port or every link of a
// node. Exactly one target is set.
type UnlinkRequest struct {
	Link model.LinkID `json:"link,omitempty"`
	Port model.PortID `json:"port,omitempty"`
	Node model.NodeID `json:"node,omitempty"`
	Wait bool         `json:"wait,omitempty"`
}

type UnlinkResponse struct {
	Links []model.LinkID `json:"links"`
}

// StatsResponse lists every tracked node.
type StatsResponse struct {
	Nodes []stats.NodeStatus `json:"nodes"`
}

// NodeStatsResponse details one node.
type NodeStatsResponse struct {
	stats.NodeStatus
	History []model.StatSample `json:"history"`
	Summary metrics.Summary    `json:"summary"`
}

type ProbeRequest struct {
	Source model.NodeID `json:"source"`
	Sink   model.NodeID `json:"sink"`
}

type ProbeHistoryResponse struct {
	Measurements []model.LatencyMeasurement `json:"measurements"`
}

type LatencyRequest struct {
	Node    model.NodeID `json:"node"`
	Samples int          `json:"samples"`
}

type LatencyResponse struct {
	Node    model.NodeID `json:"node"`
	Samples int          `json:"samples"`
}

// PropertyRequest sets one entry of a node's Props param.
type PropertyRequest struct {
	Node  model.NodeID `json:"node"`
	Key   string       `json:"key"`
	Value string       `json:"value"`
}

// ClockRequest forces the graph quantum and/or rate. 0 resets a value.
type ClockRequest struct {
	Quantum *int `json:"quantum,omitempty"`
	Rate    *int `json:"rate,omitempty"`
}

type ProfileRequest struct {
	Device uint32 `json:"device"`
	Index  int    `json:"index"`
}

type ProfilesResponse struct {
	Device   uint32             `json:"device"`
	Profiles []settings.Profile `json:"profiles"`
}

type RestartRequest struct {
	Service string `json:"service"`
}
