// Package pipeline drives packets from a source through the analyzer chain.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"firestige.xyz/decap/internal/config"
	"firestige.xyz/decap/internal/core"
	"firestige.xyz/decap/internal/core/decoder"
	"firestige.xyz/decap/internal/metrics"
	"firestige.xyz/decap/internal/source"
)

// Matcher decides whether a raw packet enters the pipeline.
type Matcher interface {
	Match(data []byte) bool
}

// Reporter receives every decoded packet. Report is called concurrently
// from all workers.
type Reporter interface {
	Report(pkt *core.DecodedPacket) error
	Flush() error
}

// Config contains pipeline configuration.
type Config struct {
	Source     source.Source
	Filter     Matcher                // optional prefilter
	NewDecoder func() decoder.Decoder // called once per worker
	Reporters  []Reporter
	Workers    int
	BufferSize int    // per-worker channel capacity
	Dispatch   string // config.DispatchFlowHash or config.DispatchRoundRobin
}

// Pipeline reads packets from one source and decodes them on a fixed set
// of workers.
type Pipeline struct {
	src       source.Source
	filter    Matcher
	reporters []Reporter
	dispatch  dispatcher
	workers   []*worker
	stats     *Stats

	runOnce sync.Once
}

type worker struct {
	id      int
	label   string
	decoder decoder.Decoder
	in      chan core.RawPacket
}

// New validates cfg and creates the workers. Nothing runs until Run.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("pipeline: source is required: %w", core.ErrConfigInvalid)
	}
	if cfg.NewDecoder == nil {
		return nil, fmt.Errorf("pipeline: decoder factory is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Dispatch == "" {
		cfg.Dispatch = config.DispatchFlowHash
	}

	p := &Pipeline{
		src:       cfg.Source,
		filter:    cfg.Filter,
		reporters: cfg.Reporters,
		dispatch:  newDispatcher(cfg.Dispatch, cfg.Workers),
		workers:   make([]*worker, cfg.Workers),
		stats:     newStats(),
	}
	for i := range p.workers {
		p.workers[i] = &worker{
			id:      i,
			label:   strconv.Itoa(i),
			decoder: cfg.NewDecoder(),
			in:      make(chan core.RawPacket, cfg.BufferSize),
		}
	}
	return p, nil
}

// Run reads the source until EOF or ctx is cancelled, then waits for the
// workers to drain their queues and flushes the reporters. A pipeline runs
// once; a second call returns core.ErrPipelineStopped.
func (p *Pipeline) Run(ctx context.Context) error {
	err := core.ErrPipelineStopped
	p.runOnce.Do(func() {
		err = p.run(ctx)
	})
	return err
}

func (p *Pipeline) run(ctx context.Context) error {
	slog.Info("pipeline starting", "workers", len(p.workers), "link_type", p.src.LinkType().String())
	start := time.Now()

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			p.work(w)
		}(w)
	}

	readErr := p.read(ctx)

	for _, w := range p.workers {
		close(w.in)
	}
	wg.Wait()

	var flushErrs []error
	for _, r := range p.reporters {
		if err := r.Flush(); err != nil {
			flushErrs = append(flushErrs, err)
		}
	}

	s := p.Stats()
	slog.Info("pipeline stopped",
		"elapsed", time.Since(start).String(),
		"received", s.Received,
		"filtered", s.Filtered,
		"decoded", s.Decoded,
		"rejected", s.Rejected,
		"errors", s.Errors,
	)

	if readErr != nil {
		return readErr
	}
	if len(flushErrs) > 0 {
		return fmt.Errorf("reporter flush failed: %w", errors.Join(flushErrs...))
	}
	return nil
}

// read feeds workers until the source ends. Cancellation is not an error.
func (p *Pipeline) read(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := p.src.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read packet: %w", err)
		}
		p.stats.Received.Add(1)

		if p.filter != nil && !p.filter.Match(raw.Data) {
			p.stats.Filtered.Add(1)
			metrics.PacketsTotal.WithLabelValues(metrics.ResultFiltered).Inc()
			continue
		}

		w := p.workers[p.dispatch.pick(raw)]
		select {
		case w.in <- raw:
			metrics.WorkerQueueDepth.WithLabelValues(w.label).Set(float64(len(w.in)))
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pipeline) work(w *worker) {
	for raw := range w.in {
		p.process(w, raw)
	}
	metrics.WorkerQueueDepth.WithLabelValues(w.label).Set(0)
}

func (p *Pipeline) process(w *worker, raw core.RawPacket) {
	start := time.Now()
	decoded, err := w.decoder.Decode(raw)
	metrics.DecodeLatencySeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, core.ErrPacketRejected) {
			p.stats.Rejected.Add(1)
			metrics.PacketsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		} else {
			p.stats.Errors.Add(1)
			metrics.PacketsTotal.WithLabelValues(metrics.ResultError).Inc()
			slog.Debug("packet decode failed", "worker", w.id, "error", err)
		}
		return
	}

	p.stats.Decoded.Add(1)
	metrics.PacketsTotal.WithLabelValues(metrics.ResultDecoded).Inc()
	if decoded.Tunneled() {
		label := tunnelLabel(&decoded)
		p.stats.addTunnel(label)
		metrics.TunnelPacketsTotal.WithLabelValues(label).Inc()
	}

	for _, r := range p.reporters {
		if err := r.Report(&decoded); err != nil {
			p.stats.ReportErrors.Add(1)
			slog.Error("reporter failed", "error", err)
		}
	}
}

// tunnelLabel names the outermost encapsulation: the GRE variant, or "ip"
// for IP-in-IP.
func tunnelLabel(pkt *core.DecodedPacket) string {
	if pkt.TunnelType == core.TunnelGRE {
		return pkt.GREVariant.String()
	}
	return "ip"
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() StatsSnapshot {
	return p.stats.snapshot()
}
