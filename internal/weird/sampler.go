package weird

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/decap/internal/core"
)

const (
	DefaultSamplingThreshold = 1000
	DefaultSamplingRate      = 1000
	DefaultSamplingDuration  = 10 * time.Minute
)

// SamplerConfig controls how often a repeated anomaly is let through.
type SamplerConfig struct {
	Threshold uint64        // occurrences passed unconditionally per window
	Rate      uint64        // afterwards every Rate-th passes; 0 passes none
	Duration  time.Duration // window; a name's counter expires after it
	Ignore    []string      // names dropped outright
}

// DefaultSamplerConfig returns the stock sampling policy.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Threshold: DefaultSamplingThreshold,
		Rate:      DefaultSamplingRate,
		Duration:  DefaultSamplingDuration,
	}
}

// Sampler rate-limits anomalies per name before handing them to next.
// Counters live in a TTL cache so a quiet name starts over after Duration.
type Sampler struct {
	next   core.AnomalySink
	cfg    SamplerConfig
	ignore map[string]struct{}

	mu       sync.Mutex
	counters *cache.Cache
	dropped  uint64
}

// NewSampler wraps next. Zero fields in cfg take their defaults, except Rate.
func NewSampler(next core.AnomalySink, cfg SamplerConfig) *Sampler {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultSamplingThreshold
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultSamplingDuration
	}
	ignore := make(map[string]struct{}, len(cfg.Ignore))
	for _, name := range cfg.Ignore {
		ignore[name] = struct{}{}
	}
	return &Sampler{
		next:     next,
		cfg:      cfg,
		ignore:   ignore,
		counters: cache.New(cfg.Duration, 2*cfg.Duration),
	}
}

func (s *Sampler) Weird(name string, pkt *core.PacketContext, detail string) {
	if s.admit(name) {
		s.next.Weird(name, pkt, detail)
	}
}

// admit counts one occurrence of name and reports whether it passes.
func (s *Sampler) admit(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ignore[name]; ok {
		s.dropped++
		return false
	}

	n, err := s.counters.IncrementUint64(name, 1)
	if err != nil {
		// First sighting in this window.
		s.counters.SetDefault(name, uint64(1))
		n = 1
	}

	if n <= s.cfg.Threshold {
		return true
	}
	if s.cfg.Rate != 0 && (n-s.cfg.Threshold)%s.cfg.Rate == 0 {
		return true
	}
	s.dropped++
	return false
}

// Dropped returns how many anomalies were suppressed.
func (s *Sampler) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
