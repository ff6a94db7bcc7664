package weird

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/decap/internal/core"
	"firestige.xyz/decap/internal/metrics"
)

const (
	defaultKafkaBatchSize    = 100
	defaultKafkaBatchTimeout = 100 * time.Millisecond
	defaultKafkaCompression  = "snappy"
	defaultKafkaMaxAttempts  = 3
	defaultKafkaQueueSize    = 4096

	kafkaExporterName = "kafka"
)

// KafkaConfig configures anomaly export to Kafka.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string // none|gzip|snappy|lz4|zstd
	MaxAttempts  int
	QueueSize    int // records buffered ahead of the writer
}

// kafkaEvent is the JSON document published per anomaly.
type kafkaEvent struct {
	Timestamp  time.Time `json:"ts"`
	Name       string    `json:"name"`
	Detail     string    `json:"detail,omitempty"`
	SrcIP      string    `json:"src_ip,omitempty"`
	DstIP      string    `json:"dst_ip,omitempty"`
	Tunnel     string    `json:"tunnel,omitempty"`
	GREVariant string    `json:"gre_variant,omitempty"`
}

// messageWriter is the part of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes anomalies to a Kafka topic. Weird never blocks the
// analyzer: records are queued and written by a background goroutine, and
// dropped when the queue is full.
type KafkaSink struct {
	writer messageWriter
	topic  string
	queue  chan kafka.Message

	wg        sync.WaitGroup
	closeOnce sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// compressionCodec maps a configured name to a kafka-go codec.
func compressionCodec(name string) (compress.Codec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("invalid compression type: %s", name)
	}
}

// NewKafkaSink validates cfg and starts the publishing goroutine.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka weird export: brokers is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka weird export: topic is required: %w", core.ErrConfigInvalid)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultKafkaBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultKafkaBatchTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultKafkaMaxAttempts
	}
	if cfg.Compression == "" {
		cfg.Compression = defaultKafkaCompression
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("kafka weird export: %w", err)
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: codec,
	})

	slog.Info("kafka weird export started",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.Compression,
	)
	return newKafkaSink(w, cfg.Topic, cfg.QueueSize), nil
}

func newKafkaSink(w messageWriter, topic string, queueSize int) *KafkaSink {
	if queueSize <= 0 {
		queueSize = defaultKafkaQueueSize
	}
	s := &KafkaSink{
		writer: w,
		topic:  topic,
		queue:  make(chan kafka.Message, queueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *KafkaSink) Weird(name string, pkt *core.PacketContext, detail string) {
	msg, err := encodeEvent(name, pkt, detail)
	if err != nil {
		s.failed.Add(1)
		metrics.WeirdExportErrorsTotal.WithLabelValues(kafkaExporterName, "encode").Inc()
		return
	}

	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
		metrics.WeirdExportErrorsTotal.WithLabelValues(kafkaExporterName, "queue_full").Inc()
	}
}

// encodeEvent builds the message; the key is the anomaly name so one name
// stays on one partition.
func encodeEvent(name string, pkt *core.PacketContext, detail string) (kafka.Message, error) {
	ev := kafkaEvent{Name: name, Detail: detail, Timestamp: time.Now()}
	if pkt != nil {
		if !pkt.Timestamp.IsZero() {
			ev.Timestamp = pkt.Timestamp
		}
		if pkt.IP != nil {
			ev.SrcIP = pkt.IP.SrcIP.String()
			ev.DstIP = pkt.IP.DstIP.String()
		}
		if pkt.TunnelType != core.TunnelNone {
			ev.Tunnel = pkt.TunnelType.String()
		}
		if pkt.GREVariant != core.GREVariantNone {
			ev.GREVariant = pkt.GREVariant.String()
		}
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal weird event: %w", err)
	}
	return kafka.Message{Key: []byte(name), Value: value, Time: ev.Timestamp}, nil
}

func (s *KafkaSink) run() {
	defer s.wg.Done()
	for msg := range s.queue {
		if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
			s.failed.Add(1)
			metrics.WeirdExportErrorsTotal.WithLabelValues(kafkaExporterName, "write").Inc()
			slog.Debug("kafka weird export failed", "topic", s.topic, "error", err)
			continue
		}
		s.published.Add(1)
	}
}

// Close drains the queue and closes the writer. Weird must not be called
// after Close.
func (s *KafkaSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
		err = s.writer.Close()
		slog.Info("kafka weird export stopped",
			"published", s.published.Load(),
			"dropped", s.dropped.Load(),
			"failed", s.failed.Load(),
		)
	})
	return err
}

// Published returns how many anomalies reached Kafka.
func (s *KafkaSink) Published() uint64 { return s.published.Load() }

// Dropped returns how many anomalies were discarded on a full queue.
func (s *KafkaSink) Dropped() uint64 { return s.dropped.Load() }
