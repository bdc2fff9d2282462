package pipewire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cablectl/internal/graph"
	"cablectl/internal/model"
)

// Object types reported by pw-dump.
const (
	TypeNode   = "PipeWire:Interface:Node"
	TypePort   = "PipeWire:Interface:Port"
	TypeLink   = "PipeWire:Interface:Link"
	TypeDevice = "PipeWire:Interface:Device"
)

// Object is one entry of a pw-dump array. Info is null for objects removed
// in monitor mode.
type Object struct {
	ID   uint32          `json:"id"`
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

// Removed reports whether the object announces a removal.
func (o Object) Removed() bool {
	return len(o.Info) == 0 || bytes.Equal(bytes.TrimSpace(o.Info), []byte("null"))
}

type nodeInfo struct {
	Props map[string]json.RawMessage `json:"props"`
}

type portInfo struct {
	Direction string                     `json:"direction"`
	Props     map[string]json.RawMessage `json:"props"`
}

type linkInfo struct {
	OutputPortID uint32 `json:"output-port-id"`
	InputPortID  uint32 `json:"input-port-id"`
	State        string `json:"state"`
}

// ParseDump decodes a full pw-dump listing into a graph enumeration, sorted
// by id. Objects of other types are ignored; malformed entries are skipped
// and reported.
func ParseDump(data []byte) (graph.Enumeration, []error, error) {
	var objs []Object
	if err := json.Unmarshal(data, &objs); err != nil {
		return graph.Enumeration{}, nil, fmt.Errorf("decode pw-dump: %w", err)
	}
	e, errs := Convert(objs)
	return e, errs, nil
}

// Convert turns pw-dump objects into graph entities. Removal markers are
// skipped.
func Convert(objs []Object) (graph.Enumeration, []error) {
	var (
		e    graph.Enumeration
		errs []error
	)
	for _, o := range objs {
		if o.Removed() {
			continue
		}
		switch o.Type {
		case TypeNode:
			n, err := decodeNode(o)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			e.Nodes = append(e.Nodes, n)
		case TypePort:
			p, err := decodePort(o)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			e.Ports = append(e.Ports, p)
		case TypeLink:
			l, err := decodeLink(o)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			e.Links = append(e.Links, l)
		}
	}
	classifyVideo(&e)
	graph.SortEnumeration(&e)
	return e, errs
}

func decodeNode(o Object) (model.Node, error) {
	var info nodeInfo
	if err := json.Unmarshal(o.Info, &info); err != nil {
		return model.Node{}, fmt.Errorf("node %d: %w", o.ID, err)
	}
	props := flattenProps(info.Props)
	desc := props[model.PropNodeDescription]
	if desc == "" {
		desc = props[model.PropNodeNick]
	}
	return model.Node{
		ID:          model.NodeID(o.ID),
		Name:        props[model.PropNodeName],
		Description: desc,
		MediaClass:  props[model.PropMediaClass],
		Props:       props,
	}, nil
}

func decodePort(o Object) (model.Port, error) {
	var info portInfo
	if err := json.Unmarshal(o.Info, &info); err != nil {
		return model.Port{}, fmt.Errorf("port %d: %w", o.ID, err)
	}
	props := flattenProps(info.Props)
	dir := model.ParseDirection(info.Direction)
	if dir == 0 {
		return model.Port{}, fmt.Errorf("port %d: unknown direction %q", o.ID, info.Direction)
	}
	owner, err := strconv.ParseUint(props["node.id"], 10, 32)
	if err != nil {
		return model.Port{}, fmt.Errorf("port %d: node.id %q: %w", o.ID, props["node.id"], err)
	}
	return model.Port{
		ID:        model.PortID(o.ID),
		NodeID:    model.NodeID(owner),
		Name:      props[model.PropPortName],
		Direction: dir,
		Media:     mediaFromFormat(props[model.PropFormatDSP]),
		Channel:   props[model.PropAudioChannel],
		Props:     props,
	}, nil
}

func decodeLink(o Object) (model.Link, error) {
	var info linkInfo
	if err := json.Unmarshal(o.Info, &info); err != nil {
		return model.Link{}, fmt.Errorf("link %d: %w", o.ID, err)
	}
	if info.OutputPortID == 0 || info.InputPortID == 0 {
		return model.Link{}, fmt.Errorf("link %d: missing port ids", o.ID)
	}
	state := model.LinkActive
	if info.State == "error" {
		state = model.LinkFailed
	}
	return model.Link{
		ID:     model.LinkID(o.ID),
		Output: model.PortID(info.OutputPortID),
		Input:  model.PortID(info.InputPortID),
		State:  state,
	}, nil
}

func mediaFromFormat(dsp string) model.MediaType {
	switch {
	case strings.Contains(dsp, "audio"):
		return model.MediaAudio
	case strings.Contains(dsp, "midi"), strings.Contains(dsp, "UMP"):
		return model.MediaMIDI
	case strings.Contains(dsp, "video"):
		return model.MediaVideo
	default:
		return model.MediaUnknown
	}
}

// Video ports carry no format.dsp; their media is taken from the owning
// node's media class.
func classifyVideo(e *graph.Enumeration) {
	video := map[model.NodeID]bool{}
	for _, n := range e.Nodes {
		video[n.ID] = isVideo(n)
	}
	for i := range e.Ports {
		if e.Ports[i].Media == model.MediaUnknown && video[e.Ports[i].NodeID] {
			e.Ports[i].Media = model.MediaVideo
		}
	}
}

func isVideo(n model.Node) bool { return strings.HasPrefix(n.MediaClass, "Video/") }

// flattenProps renders every property value as a string. Strings are
// unquoted; numbers, booleans and nested values keep their JSON text.
func flattenProps(raw map[string]json.RawMessage) model.Props {
	props := make(model.Props, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			props[k] = s
			continue
		}
		props[k] = string(bytes.TrimSpace(v))
	}
	return props
}
