package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"cablectl/internal/model"
)

// ReadCSV loads samples from a CSV file written by WriteCSV or AppendCSV.
func ReadCSV(path string) ([]model.StatSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.StatSample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.StatSample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		id, err := strconv.ParseUint(rec[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid node id at line %d: %w", i+1, err)
		}
		quantum, _ := strconv.Atoi(rec[2])
		rate, _ := strconv.Atoi(rec[3])
		wait, _ := strconv.ParseFloat(rec[4], 64)
		load, _ := strconv.ParseFloat(rec[5], 64)
		xruns, _ := strconv.Atoi(rec[6])
		items = append(items, model.StatSample{
			Timestamp: ts,
			NodeID:    model.NodeID(id),
			Quantum:   quantum,
			Rate:      rate,
			Wait:      wait,
			Load:      load,
			Xruns:     xruns,
		})
	}

	return items, nil
}
