package model

import "fmt"

// Enumerations travel as their lowercase names on the wire.

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	*d = ParseDirection(string(b))
	return nil
}

func (m MediaType) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MediaType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "audio":
		*m = MediaAudio
	case "midi":
		*m = MediaMIDI
	case "video":
		*m = MediaVideo
	default:
		*m = MediaUnknown
	}
	return nil
}

func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *LinkState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = LinkPending
	case "active":
		*s = LinkActive
	case "failed":
		*s = LinkFailed
	default:
		return fmt.Errorf("unknown link state %q", b)
	}
	return nil
}

func (s StatsStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StatsStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "available":
		*s = StatsAvailable
	case "unavailable":
		*s = StatsUnavailable
	default:
		*s = 0
	}
	return nil
}

func (s ProbeStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ProbeStatus) UnmarshalText(b []byte) error {
	for c := ProbeIdle; c <= ProbeFailed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown probe status %q", b)
}
