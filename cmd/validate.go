package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/decap/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file, apply defaults and environment overrides,
and report whether it is usable, without reading any capture.

Examples:
  decap validate -c decap.yml
  DECAP_TUNNEL_MAX_DEPTH=4 decap validate -c decap.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, out io.Writer) error {
	if path == "" {
		return fmt.Errorf("no config file given (use -c)")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "VALID: %s\n", path)
	fmt.Fprintf(out, "  tunnel:   gre=%t ip=%t max_depth=%d\n",
		cfg.Tunnel.EnableGRE, cfg.Tunnel.EnableIP, cfg.Tunnel.MaxDepth)
	fmt.Fprintf(out, "  pipeline: workers=%d dispatch=%s gre_only=%t\n",
		cfg.Pipeline.Workers, cfg.Pipeline.Dispatch, cfg.Pipeline.GREOnly)
	fmt.Fprintf(out, "  weird:    sampling=%d/%d/%s kafka=%t\n",
		cfg.Weird.Sampling.Threshold, cfg.Weird.Sampling.Rate, cfg.Weird.Sampling.Duration, cfg.Weird.Kafka.Enabled)
	fmt.Fprintf(out, "  metrics:  enabled=%t listen=%s\n", cfg.Metrics.Enabled, cfg.Metrics.Listen)
	return nil
}
