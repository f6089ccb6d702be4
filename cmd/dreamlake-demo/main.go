// Command dreamlake-demo is a minimal smoke-test binary: it opens a
// session under the configured root, writes a few params/logs/track
// samples, and prints the resulting summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"dreamlake"
	"dreamlake/internal/config"
	"dreamlake/internal/dlmodel"
	"dreamlake/internal/metrics"
	"dreamlake/session"
)

func main() {
	var configFile, prefix, metricsAddr string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.StringVar(&prefix, "prefix", "demo/run1", "Session prefix (workspace/name)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address to serve /metrics and /health on (disabled if empty)")
	flag.Parse()

	if configFile == "" {
		if envConfigFile := os.Getenv("DREAMLAKE_CONFIG_FILE"); envConfigFile != "" {
			configFile = envConfigFile
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dreamlake-demo: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if metricsAddr != "" {
		ms := metrics.NewMetricsServer(metricsAddr, logger)
		if err := ms.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "dreamlake-demo: failed to start metrics server: %v\n", err)
			os.Exit(1)
		}
		defer ms.Stop()
	}

	opts := []dreamlake.Option{
		dreamlake.WithRoot(cfg.Root),
		dreamlake.WithLockTimeout(cfg.LockTimeout),
		dreamlake.WithLogger(logger),
	}
	if cfg.RemoteURL != "" {
		opts = append(opts, dreamlake.WithRemote(cfg.RemoteURL))
		if key, ok := cfg.APIKey(); ok {
			opts = append(opts, dreamlake.WithAPIKey(key))
		}
	}

	ctx := context.Background()
	if err := run(ctx, prefix, opts); err != nil {
		fmt.Fprintf(os.Stderr, "dreamlake-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, prefix string, opts []dreamlake.Option) error {
	return dreamlake.WithSession(ctx, prefix, func(s *session.Session) error {
		if err := s.SetParams(ctx, map[string]any{
			"model": map[string]any{"layers": 8, "hidden_size": 512},
			"lr":     0.001,
		}); err != nil {
			return fmt.Errorf("set params: %w", err)
		}

		if _, err := s.Log(ctx, "starting demo run", dlmodel.LevelInfo, nil); err != nil {
			return fmt.Errorf("log: %w", err)
		}

		for step := 0; step < 5; step++ {
			loss := 1.0 / float64(step+1)
			if err := s.Append("loss", map[string]any{"value": loss, "step": step}); err != nil {
				return fmt.Errorf("append: %w", err)
			}
		}
		if err := s.Flush(ctx, "loss"); err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		summary, err := s.Summary(ctx)
		if err != nil {
			return fmt.Errorf("summary: %w", err)
		}
		fmt.Printf("session %s: %d params, %d logs, %d tracks, %d total points\n",
			summary.Prefix, summary.ParamCount, summary.LogCount, summary.TrackCount, summary.TotalPoints)
		return nil
	}, opts...)
}
