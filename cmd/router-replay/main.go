// Package main — cmd/router-replay/main.go
//
// router-replay is a standalone convenience binary wrapping the same
// replay path as "router replay": it reads a complete input spine,
// drives it through the full synthesis pipeline exactly once, and
// writes every emission to an output spine file. No tailing, no
// ledger, no metrics — a pure function of its input file and the
// bound certificate, byte-identical across runs per SPEC_FULL.md §8's
// replay-determinism property.
//
// Usage:
//
//	router-replay -input spine.jsonl -output out.jsonl -config /etc/router/config.yaml
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/synthdesk/router/internal/config"
	"github.com/synthdesk/router/internal/daemon"
)

func main() {
	configPath := flag.String("config", "/etc/router/config.yaml", "Path to config.yaml")
	input := flag.String("input", "", "Input spine path to replay")
	output := flag.String("output", "", "Output spine path to append emissions to")
	flag.Parse()

	if *input == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "FATAL: router-replay requires -input and -output")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("router-replay starting",
		zap.String("input", *input),
		zap.String("output", *output))

	if err := daemon.Replay(*input, *output, cfg, log); err != nil {
		log.Fatal("replay failed", zap.Error(err))
	}

	log.Info("router-replay complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
