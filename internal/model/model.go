package model

import (
	"strconv"
	"time"
)

type (
	NodeID uint32
	PortID uint32
	LinkID uint32
)

// PendingLinkBase is the first id of the range reserved for optimistic links.
// PipeWire allocates object ids densely from zero and never reaches it.
const PendingLinkBase LinkID = 1 << 31

// IsPending reports whether id belongs to the optimistic range.
func (id LinkID) IsPending() bool { return id >= PendingLinkBase }

// Direction of a port relative to its node.
type Direction int

const (
	DirectionInput Direction = iota + 1
	DirectionOutput
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	default:
		return "unknown"
	}
}

// ParseDirection maps the server's direction string.
func ParseDirection(s string) Direction {
	switch s {
	case "input", "in":
		return DirectionInput
	case "output", "out":
		return DirectionOutput
	default:
		return 0
	}
}

// MediaType is the kind of data a port carries.
type MediaType int

const (
	MediaUnknown MediaType = iota
	MediaAudio
	MediaMIDI
	MediaVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaMIDI:
		return "midi"
	case MediaVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Compatible reports whether two ports may be linked media-wise.
func Compatible(a, b MediaType) bool {
	return a == b
}

// LinkState tracks a link from request to confirmation.
type LinkState int

const (
	LinkPending LinkState = iota + 1
	LinkActive
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkPending:
		return "pending"
	case LinkActive:
		return "active"
	case LinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Well-known property keys consumed directly. Everything else passes through.
const (
	PropNodeName          = "node.name"
	PropNodeDescription   = "node.description"
	PropNodeNick          = "node.nick"
	PropMediaClass        = "media.class"
	PropObjectSerial      = "object.serial"
	PropLatencyOffsetNsec = "node.latency-offset-nsec"
	PropPortName          = "port.name"
	PropAudioChannel      = "audio.channel"
	PropFormatDSP         = "format.dsp"
)

// Props is the server's loosely typed property bag.
type Props map[string]string

// Clone returns an independent copy. A nil bag stays nil.
func (p Props) Clone() Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Equal compares two bags by content.
func (p Props) Equal(o Props) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// LatencyOffset returns the node's latency offset when the server reports one.
func (p Props) LatencyOffset() (time.Duration, bool) {
	raw, ok := p[PropLatencyOffsetNsec]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(n), true
}

// Node is a processing unit in the graph.
type Node struct {
	ID          NodeID `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MediaClass  string `json:"media_class,omitempty"`
	Props       Props  `json:"props,omitempty"`
}

// Clone deep-copies the node.
func (n Node) Clone() Node {
	n.Props = n.Props.Clone()
	return n
}

// Equal compares every field including props.
func (n Node) Equal(o Node) bool {
	return n.ID == o.ID && n.Name == o.Name && n.Description == o.Description &&
		n.MediaClass == o.MediaClass && n.Props.Equal(o.Props)
}

// Port is a typed, directional endpoint owned by exactly one node.
type Port struct {
	ID        PortID    `json:"id"`
	NodeID    NodeID    `json:"node_id"`
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Media     MediaType `json:"media"`
	Channel   string    `json:"channel,omitempty"`
	Props     Props     `json:"props,omitempty"`
}

// Clone deep-copies the port.
func (p Port) Clone() Port {
	p.Props = p.Props.Clone()
	return p
}

// Equal compares every field including props.
func (p Port) Equal(o Port) bool {
	return p.ID == o.ID && p.NodeID == o.NodeID && p.Name == o.Name &&
		p.Direction == o.Direction && p.Media == o.Media && p.Channel == o.Channel &&
		p.Props.Equal(o.Props)
}

// Link connects an output port to an input port.
type Link struct {
	ID        LinkID    `json:"id"`
	Output    PortID    `json:"output_port"`
	Input     PortID    `json:"input_port"`
	State     LinkState `json:"state"`
	RequestID string    `json:"request_id,omitempty"`
}

// Pair is the ordered (output, input) key that identifies a logical link.
type Pair struct {
	Output PortID
	Input  PortID
}

func (l Link) Pair() Pair { return Pair{Output: l.Output, Input: l.Input} }

// StatsStatus tells whether a node's telemetry is currently trustworthy.
type StatsStatus int

const (
	StatsAvailable StatsStatus = iota + 1
	StatsUnavailable
)

func (s StatsStatus) String() string {
	switch s {
	case StatsAvailable:
		return "available"
	case StatsUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// StatSample is a single scheduling measurement for one node.
type StatSample struct {
	NodeID    NodeID    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Quantum   int       `json:"quantum"`
	Rate      int       `json:"rate"`
	Wait      float64   `json:"wait"`
	Load      float64   `json:"load"`
	Xruns     int       `json:"xruns"`
}

// ProbeStatus is the latency probe state.
type ProbeStatus int

const (
	ProbeIdle ProbeStatus = iota
	ProbeProvisioning
	ProbeMeasuring
	ProbeComputing
	ProbeDone
	ProbeFailed
)

func (s ProbeStatus) String() string {
	switch s {
	case ProbeIdle:
		return "idle"
	case ProbeProvisioning:
		return "provisioning"
	case ProbeMeasuring:
		return "measuring"
	case ProbeComputing:
		return "computing"
	case ProbeDone:
		return "done"
	case ProbeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions will happen.
func (s ProbeStatus) Terminal() bool { return s == ProbeDone || s == ProbeFailed }

// LatencyMeasurement is the state of one probe run.
type LatencyMeasurement struct {
	RunID      string        `json:"run_id,omitempty"`
	Source     NodeID        `json:"source"`
	Sink       NodeID        `json:"sink"`
	Status     ProbeStatus   `json:"status"`
	Latency    time.Duration `json:"latency"`
	ErrorCode  ErrorCode     `json:"error_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	RawOutput  string        `json:"raw_output,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}
