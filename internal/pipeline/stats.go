package pipeline

import (
	"sync"
	"sync/atomic"
)

// Stats holds the live pipeline counters.
type Stats struct {
	Received     atomic.Uint64
	Filtered     atomic.Uint64
	Decoded      atomic.Uint64
	Rejected     atomic.Uint64
	Errors       atomic.Uint64
	ReportErrors atomic.Uint64

	mu      sync.Mutex
	tunnels map[string]uint64
}

func newStats() *Stats {
	return &Stats{tunnels: make(map[string]uint64)}
}

func (s *Stats) addTunnel(label string) {
	s.mu.Lock()
	s.tunnels[label]++
	s.mu.Unlock()
}

func (s *Stats) snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Received:     s.Received.Load(),
		Filtered:     s.Filtered.Load(),
		Decoded:      s.Decoded.Load(),
		Rejected:     s.Rejected.Load(),
		Errors:       s.Errors.Load(),
		ReportErrors: s.ReportErrors.Load(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tunnels) > 0 {
		out.Tunnels = make(map[string]uint64, len(s.tunnels))
		for k, v := range s.tunnels {
			out.Tunnels[k] = v
		}
	}
	return out
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Received     uint64            `yaml:"received"`
	Filtered     uint64            `yaml:"filtered"`
	Decoded      uint64            `yaml:"decoded"`
	Rejected     uint64            `yaml:"rejected"`
	Errors       uint64            `yaml:"errors"`
	ReportErrors uint64            `yaml:"report_errors,omitempty"`
	Tunnels      map[string]uint64 `yaml:"tunnels,omitempty"` // by GRE variant, "ip" for IP-in-IP
}
