package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultLokiBatchSize     = 100
	defaultLokiFlushInterval = 5 * time.Second
	lokiRequestTimeout       = 10 * time.Second
	lokiMaxAttempts          = 3
	lokiRetryBaseDelay       = 100 * time.Millisecond
)

// LokiConfig contains configuration for Loki writer.
type LokiConfig struct {
	Endpoint      string            // push endpoint, e.g. http://loki:3100/loki/api/v1/push
	Labels        map[string]string // stream labels; "job" defaults to "decap"
	BatchSize     int
	FlushInterval string // e.g. "5s"
}

// LokiWriter is an io.Writer that batches log lines into Loki pushes. One
// Write is one log line, which is how slog handlers call it.
type LokiWriter struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	flushInterval time.Duration
	client        *http.Client

	mu     sync.Mutex
	values [][2]string // [unix-nanos, line]
	closed bool

	done chan struct{}
	wg   sync.WaitGroup

	pushErrors atomic.Uint64
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// NewLokiWriter creates the writer and starts its periodic flusher.
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	interval := defaultLokiFlushInterval
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		interval = d
	}
	if interval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive, got %s", interval)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultLokiBatchSize
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "decap"
	}

	lw := &LokiWriter{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     batchSize,
		flushInterval: interval,
		client:        &http.Client{Timeout: lokiRequestTimeout},
		values:        make([][2]string, 0, batchSize),
		done:          make(chan struct{}),
	}

	lw.wg.Add(1)
	go lw.loop()
	return lw, nil
}

func (lw *LokiWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return 0, fmt.Errorf("loki writer is closed")
	}

	lw.values = append(lw.values, [2]string{
		strconv.FormatInt(time.Now().UnixNano(), 10),
		string(bytes.TrimRight(p, "\n")),
	})
	if len(lw.values) >= lw.batchSize {
		// A failed push never fails the log call; it is counted instead.
		lw.flushLocked()
	}
	return len(p), nil
}

// Close pushes what is left and stops the flusher.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	err := lw.flushLocked()
	lw.mu.Unlock()

	close(lw.done)
	lw.wg.Wait()
	return err
}

// PushErrors returns the number of batches Loki never accepted.
func (lw *LokiWriter) PushErrors() uint64 { return lw.pushErrors.Load() }

func (lw *LokiWriter) loop() {
	defer lw.wg.Done()

	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lw.mu.Lock()
			if !lw.closed {
				lw.flushLocked()
			}
			lw.mu.Unlock()
		case <-lw.done:
			return
		}
	}
}

// flushLocked pushes the pending batch. The batch is dropped after the last
// attempt either way so a dead Loki cannot grow memory without bound.
func (lw *LokiWriter) flushLocked() error {
	if len(lw.values) == 0 {
		return nil
	}

	body, err := json.Marshal(lokiPush{Streams: []lokiStream{{Stream: lw.labels, Values: lw.values}}})
	lw.values = lw.values[:0]
	if err != nil {
		lw.pushErrors.Add(1)
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}

	if err := lw.pushWithRetry(body); err != nil {
		lw.pushErrors.Add(1)
		return err
	}
	return nil
}

func (lw *LokiWriter) pushWithRetry(body []byte) error {
	var lastErr error
	for attempt := 0; attempt < lokiMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(lokiRetryBaseDelay << (attempt - 1))
		}
		if lastErr = lw.push(body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d attempts: %w", lokiMaxAttempts, lastErr)
}

func (lw *LokiWriter) push(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), lokiRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
