package stats

import (
	"strconv"
	"strings"

	"cablectl/internal/model"
)

// Reading is one node's figures from a pw-top batch line.
type Reading struct {
	NodeID  model.NodeID
	Quantum int
	Rate    int
	Wait    float64
	Load    float64
	Xruns   int
	Name    string
}

// TopResult is the outcome of parsing one pw-top batch output.
type TopResult struct {
	Readings map[model.NodeID]Reading
	// Failed holds nodes whose line carried a readable id but garbled
	// figures in their latest appearance.
	Failed map[model.NodeID]bool
	// Lines counts data lines that produced a reading.
	Lines int
	// Unreadable counts non-header lines without a readable node id.
	Unreadable int
}

// ParseTop reads `pw-top -b` output. Column layout:
//
//	S ID QUANT RATE WAIT BUSY W/Q B/Q ERR FORMAT NAME
//
// Header, blank and unreadable lines are skipped. When a node appears in
// several iterations the last line wins. "---" and "???" mean no data and
// read as zero.
func ParseTop(out string) TopResult {
	res := TopResult{Readings: map[model.NodeID]Reading{}, Failed: map[model.NodeID]bool{}}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || isHeader(fields) {
			continue
		}
		if len(fields) < 2 {
			res.Unreadable++
			continue
		}
		id, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil || len(fields[0]) != 1 {
			res.Unreadable++
			continue
		}
		node := model.NodeID(id)
		r, ok := parseFigures(node, fields)
		if !ok {
			res.Failed[node] = true
			delete(res.Readings, node)
			continue
		}
		delete(res.Failed, node)
		res.Readings[node] = r
		res.Lines++
	}
	return res
}

// isHeader matches the column header. Its first field "S" is also the state
// letter of suspended nodes, so the id column decides.
func isHeader(fields []string) bool {
	return len(fields) >= 2 && fields[1] == "ID"
}

func parseFigures(node model.NodeID, f []string) (Reading, bool) {
	if len(f) < 9 {
		return Reading{}, false
	}
	quantum, ok1 := intField(f[2])
	rate, ok2 := intField(f[3])
	wait, ok3 := ratioField(f[6])
	load, ok4 := ratioField(f[7])
	xruns, ok5 := intField(f[8])
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return Reading{}, false
	}
	if !durationField(f[4]) || !durationField(f[5]) {
		return Reading{}, false
	}
	name := ""
	if len(f) > 9 {
		name = f[len(f)-1]
	}
	return Reading{NodeID: node, Quantum: quantum, Rate: rate, Wait: wait, Load: load, Xruns: xruns, Name: name}, true
}

func noData(s string) bool { return s == "---" || s == "???" }

func intField(s string) (int, bool) {
	if noData(s) {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	return n, err == nil && n >= 0
}

func ratioField(s string) (float64, bool) {
	if noData(s) {
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil && v >= 0
}

// durationField validates WAIT/BUSY columns such as "9.2us", "1.3ms" or "0.5s".
func durationField(s string) bool {
	if noData(s) {
		return true
	}
	for _, unit := range []string{"ns", "us", "µs", "ms", "s"} {
		if num, ok := strings.CutSuffix(s, unit); ok {
			_, err := strconv.ParseFloat(num, 64)
			return err == nil
		}
	}
	return false
}
