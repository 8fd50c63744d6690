package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/security"
)

// StructuredLog appends redacted JSONL records to logs/structured.log.
// Key order inside each line is stable (JSON object keys sort
// lexicographically on marshal), so the file diffs cleanly.
type StructuredLog struct {
	path string
	mu   sync.Mutex
	log  zerolog.Logger
}

// NewStructuredLog creates the sink. The parent directory must exist.
func NewStructuredLog(path string, log zerolog.Logger) *StructuredLog {
	return &StructuredLog{
		path: path,
		log:  log.With().Str("component", "structured_log").Logger(),
	}
}

// Path returns the log file path.
func (s *StructuredLog) Path() string {
	return s.path
}

// Append writes one record, stamping ts and the ambient trace id and
// applying secret redaction. Failures are logged, never fatal.
func (s *StructuredLog) Append(ctx context.Context, record map[string]interface{}) {
	row := make(map[string]interface{}, len(record)+2)
	for key, value := range record {
		row[key] = value
	}
	row["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		row["trace_id"] = traceID
	}

	line, err := json.Marshal(security.Redact(row))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal structured log record")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Error().Err(err).Msg("Failed to create log directory")
		return
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to open structured log")
		return
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		s.log.Error().Err(err).Msg("Failed to append structured log record")
	}
}

// Stats aggregates the structured log for the observability endpoint.
type Stats struct {
	TotalEvents         int                `json:"total_events"`
	EventCounts         map[string]int     `json:"event_counts"`
	RequestCount        int                `json:"request_count"`
	ErrorCount          int                `json:"error_count"`
	AvgDurationByPathMS map[string]float64 `json:"avg_duration_ms_by_path"`
}

// ReadStats replays the log file and aggregates per-event counts and
// per-path average request durations. A missing file yields zero stats.
func (s *StructuredLog) ReadStats() (*Stats, error) {
	stats := &Stats{
		EventCounts:         map[string]int{},
		AvgDurationByPathMS: map[string]float64{},
	}

	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return nil, err
	}
	defer file.Close()

	durationSums := map[string]float64{}
	durationCounts := map[string]int{}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var row map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			continue
		}
		stats.TotalEvents++

		event, _ := row["event"].(string)
		if event == "" {
			continue
		}
		stats.EventCounts[event]++

		switch event {
		case "request.end":
			stats.RequestCount++
			path, _ := row["path"].(string)
			if duration, ok := row["duration_ms"].(float64); ok && path != "" {
				durationSums[path] += duration
				durationCounts[path]++
			}
		case "request.error":
			stats.ErrorCount++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for path, total := range durationSums {
		stats.AvgDurationByPathMS[path] = total / float64(durationCounts[path])
	}
	return stats, nil
}
