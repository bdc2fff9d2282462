package metrics

import (
	"math"
	"sort"
	"time"

	"cablectl/internal/model"
)

// Summary is a basic statistics snapshot of one node's samples.
type Summary struct {
	Count     int       `json:"count"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	AvgLoad   float64   `json:"avg_load"`
	P95Load   float64   `json:"p95_load"`
	MinLoad   float64   `json:"min_load"`
	MaxLoad   float64   `json:"max_load"`
	AvgWait   float64   `json:"avg_wait"`
	XrunDelta int       `json:"xrun_delta"`
	Quantum   int       `json:"quantum"`
	Rate      int       `json:"rate"`
}

// Summarize computes summary metrics for items in a time window. Quantum and
// rate are taken from the newest sample.
func Summarize(items []model.StatSample, since time.Time) Summary {
	filtered := make([]model.StatSample, 0, len(items))
	for _, s := range items {
		if s.Timestamp.After(since) || s.Timestamp.Equal(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sumLoad, sumWait float64
	minLoad := math.MaxFloat64
	maxLoad := 0.0
	first, last := filtered[0], filtered[0]

	for _, s := range filtered {
		values = append(values, s.Load)
		sumLoad += s.Load
		sumWait += s.Wait
		if s.Load < minLoad {
			minLoad = s.Load
		}
		if s.Load > maxLoad {
			maxLoad = s.Load
		}
		if s.Timestamp.Before(first.Timestamp) {
			first = s
		}
		if !s.Timestamp.Before(last.Timestamp) {
			last = s
		}
	}

	sort.Float64s(values)
	count := float64(len(filtered))
	delta := last.Xruns - first.Xruns
	if delta < 0 {
		// Counter reset (node restarted).
		delta = last.Xruns
	}

	return Summary{
		Count:     len(filtered),
		From:      first.Timestamp,
		To:        last.Timestamp,
		AvgLoad:   sumLoad / count,
		P95Load:   percentile(values, 0.95),
		MinLoad:   minLoad,
		MaxLoad:   maxLoad,
		AvgWait:   sumWait / count,
		XrunDelta: delta,
		Quantum:   last.Quantum,
		Rate:      last.Rate,
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
