// Package weird collects protocol anomalies ("weirds") raised by the
// analyzer chain and routes them to logs, metrics and exporters.
package weird

import (
	"log/slog"
	"sort"
	"sync"

	"firestige.xyz/decap/internal/core"
	"firestige.xyz/decap/internal/metrics"
)

// Record is one reported anomaly.
type Record struct {
	Name   string
	Detail string
}

// Recorder keeps every anomaly in memory. It backs the run summary and tests.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	counts  map[string]uint64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[string]uint64)}
}

func (r *Recorder) Weird(name string, _ *core.PacketContext, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{Name: name, Detail: detail})
	r.counts[name]++
}

// Records returns a copy of the anomalies in arrival order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Count returns how often name was reported.
func (r *Recorder) Count(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// Counts returns per-name totals.
func (r *Recorder) Counts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Names returns the reported names, sorted.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counts))
	for k := range r.counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
	r.counts = make(map[string]uint64)
}

// LogSink writes each anomaly as a warn-level log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink; nil means slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Weird(name string, pkt *core.PacketContext, detail string) {
	attrs := []any{"name", name}
	if detail != "" {
		attrs = append(attrs, "detail", detail)
	}
	if pkt != nil && pkt.IP != nil {
		attrs = append(attrs, "src", pkt.IP.SrcIP.String(), "dst", pkt.IP.DstIP.String())
	}
	s.logger.Warn("protocol anomaly", attrs...)
}

// MetricsSink counts anomalies in decap_weirds_total.
type MetricsSink struct{}

func (MetricsSink) Weird(name string, _ *core.PacketContext, _ string) {
	metrics.WeirdsTotal.WithLabelValues(name).Inc()
}

// Multi fans an anomaly out to several sinks in order.
type Multi []core.AnomalySink

func (m Multi) Weird(name string, pkt *core.PacketContext, detail string) {
	for _, s := range m {
		s.Weird(name, pkt, detail)
	}
}
