package frs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

// StatsAllKey aggregates counters across every stream.
const StatsAllKey = "all"

// ModelCounters counts inference calls per model kind.
type ModelCounters struct {
	FD int64 `json:"fd"`
	FC int64 `json:"fc"`
	FR int64 `json:"fr"`
}

// DNNStats tracks per-stream inference counters and persists them
// across restarts.
type DNNStats struct {
	mu     sync.Mutex
	data   map[string]*ModelCounters
	path   string
	logger *log.Logger
}

// NewDNNStats loads previous counters from path when present.
func NewDNNStats(path string) *DNNStats {
	s := &DNNStats{
		data:   map[string]*ModelCounters{StatsAllKey: {}},
		path:   path,
		logger: log.New(log.Writer(), "[FRS-WORKFLOW] ", log.LstdFlags),
	}
	if path == "" {
		return s
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var loaded map[string]*ModelCounters
	if err := json.Unmarshal(raw, &loaded); err != nil {
		s.logger.Printf("⚠️ Malformed dnn stats file %s: %v", path, err)
		return s
	}
	s.data = loaded
	if s.data[StatsAllKey] == nil {
		s.data[StatsAllKey] = &ModelCounters{}
	}
	return s
}

// RecordFD counts one face detector call.
func (s *DNNStats) RecordFD(key string) { s.record(key, func(c *ModelCounters) { c.FD++ }) }

// RecordFC counts one face class call.
func (s *DNNStats) RecordFC(key string) { s.record(key, func(c *ModelCounters) { c.FC++ }) }

// RecordFR counts one recognizer call.
func (s *DNNStats) RecordFR(key string) { s.record(key, func(c *ModelCounters) { c.FR++ }) }

func (s *DNNStats) record(key string, bump func(*ModelCounters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.data[key]
	if c == nil {
		c = &ModelCounters{}
		s.data[key] = c
	}
	bump(c)
	bump(s.data[StatsAllKey])
}

// Snapshot copies the counters for reporting.
func (s *DNNStats) Snapshot() map[string]ModelCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ModelCounters, len(s.data))
	for k, v := range s.data {
		out[k] = *v
	}
	return out
}

// Save writes the counters to the configured file.
func (s *DNNStats) Save() error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		s.logger.Printf("❌ Failed to save dnn stats: %v", err)
		return err
	}
	return nil
}
