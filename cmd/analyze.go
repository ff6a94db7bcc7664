package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/decap/internal/config"
	"firestige.xyz/decap/internal/core"
	"firestige.xyz/decap/internal/core/decoder"
	"firestige.xyz/decap/internal/log"
	"firestige.xyz/decap/internal/metrics"
	"firestige.xyz/decap/internal/pipeline"
	"firestige.xyz/decap/internal/source"
	"firestige.xyz/decap/internal/weird"
)

// analyzeCmd represents the analyze command
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Decode a capture file and report tunnels and anomalies",
	Long: `Read a pcap or pcapng file, decapsulate GRE and IP-in-IP tunnels,
print one line per decoded packet and finish with a summary of packet
results, tunnel variants and protocol anomalies.

Examples:
  decap analyze -r erspan.pcap
  decap analyze -r mixed.pcapng -c decap.yml --gre-only -q -o yaml
  decap analyze -r big.pcap --workers 4`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		analyzeOpts.configFile = configFile
		analyzeOpts.greOnlySet = cmd.Flags().Changed("gre-only")
		if err := runAnalyze(ctx, analyzeOpts, os.Stdout); err != nil {
			exitWithError("analyze failed", err)
		}
	},
}

type analyzeOptions struct {
	configFile string
	readFile   string
	output     string // summary format: text | yaml
	workers    int    // 0 keeps the configured value
	greOnly    bool
	greOnlySet bool
	quiet      bool // no per-packet lines
}

var analyzeOpts analyzeOptions

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOpts.readFile, "read", "r", "",
		"capture file to read (pcap or pcapng, required)")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.output, "output", "o", "text",
		"summary format: text or yaml")
	analyzeCmd.Flags().IntVar(&analyzeOpts.workers, "workers", 0,
		"decoder workers (overrides pipeline.workers)")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.greOnly, "gre-only", false,
		"drop non-GRE packets before decoding (overrides pipeline.gre_only)")
	analyzeCmd.Flags().BoolVarP(&analyzeOpts.quiet, "quiet", "q", false,
		"print the summary only")
	analyzeCmd.MarkFlagRequired("read")
}

func runAnalyze(ctx context.Context, opts analyzeOptions, out io.Writer) error {
	if opts.output != "text" && opts.output != "yaml" {
		return fmt.Errorf("unsupported output format: %s (must be text or yaml)", opts.output)
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	if opts.workers > 0 {
		cfg.Pipeline.Workers = opts.workers
	}
	if opts.greOnlySet {
		cfg.Pipeline.GREOnly = opts.greOnly
	}

	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	recorder := weird.NewRecorder()
	sink, closeSink, err := buildAnomalySink(cfg.Weird, recorder)
	if err != nil {
		return err
	}
	defer closeSink()

	src, err := source.OpenFile(opts.readFile)
	if err != nil {
		return err
	}
	defer src.Close()

	pcfg := pipeline.Config{
		Source:     src,
		Workers:    cfg.Pipeline.Workers,
		BufferSize: cfg.Pipeline.BufferSize,
		Dispatch:   cfg.Pipeline.Dispatch,
		NewDecoder: func() decoder.Decoder {
			return decoder.NewStandardDecoder(decoderConfig(cfg.Tunnel), sink)
		},
	}
	if cfg.Pipeline.GREOnly {
		filter, err := source.GREOnlyFilter(src.LinkType())
		if err != nil {
			return err
		}
		pcfg.Filter = filter
	}
	if !opts.quiet {
		pcfg.Reporters = append(pcfg.Reporters, pipeline.NewConsoleReporter(out))
	}

	p, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}
	if err := p.Run(ctx); err != nil {
		return err
	}

	summary := pipeline.Summary{Packets: p.Stats(), Weirds: recorder.Counts()}
	if opts.output == "yaml" {
		return summary.WriteYAML(out)
	}
	return summary.WriteText(out)
}

func decoderConfig(tc config.TunnelConfig) decoder.Config {
	return decoder.Config{
		EnableGRE:      tc.EnableGRE,
		EnableIPTunnel: tc.EnableIP,
		MaxTunnelDepth: tc.MaxDepth,
	}
}

func kafkaConfig(kc config.WeirdKafkaConfig) weird.KafkaConfig {
	return weird.KafkaConfig{
		Brokers:      kc.Brokers,
		Topic:        kc.Topic,
		Compression:  kc.Compression,
		BatchSize:    kc.BatchSize,
		BatchTimeout: kc.BatchTimeout,
		MaxAttempts:  kc.MaxAttempts,
		QueueSize:    kc.QueueSize,
	}
}

// buildAnomalySink wires anomaly consumers. The recorder and metrics see
// every anomaly; logs and Kafka export go through the sampler.
func buildAnomalySink(wc config.WeirdConfig, recorder *weird.Recorder) (core.AnomalySink, func(), error) {
	sinks := weird.Multi{recorder, weird.MetricsSink{}}
	closeFn := func() {}

	var sampled weird.Multi
	if wc.Log {
		sampled = append(sampled, weird.NewLogSink(nil))
	}
	if wc.Kafka.Enabled {
		ks, err := weird.NewKafkaSink(kafkaConfig(wc.Kafka))
		if err != nil {
			return nil, nil, err
		}
		sampled = append(sampled, ks)
		closeFn = func() {
			if err := ks.Close(); err != nil {
				slog.Error("kafka weird export close failed", "error", err)
			}
		}
	}

	if len(sampled) > 0 {
		sinks = append(sinks, weird.NewSampler(sampled, weird.SamplerConfig{
			Threshold: wc.Sampling.Threshold,
			Rate:      wc.Sampling.Rate,
			Duration:  wc.Sampling.Duration,
			Ignore:    wc.Ignore,
		}))
	}
	return sinks, closeFn, nil
}
