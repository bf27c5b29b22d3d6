// Package main — cmd/router/main.go
//
// router agent entrypoint.
//
// Subcommands:
//   router run -config /etc/router/config.yaml
//     Starts the tailing runtime: binds authority from the
//     configured certificate, opens the demotion ledger, starts the
//     metrics and operator servers, then tails the spine until
//     SIGINT/SIGTERM.
//   router replay -input spine.jsonl -output out.jsonl -config ...
//     Replays a complete input spine once and exits. See
//     cmd/router-replay for a standalone binary wrapping the same
//     path.
//
// Startup sequence (run):
//  1. Load and validate config.
//  2. Initialise structured logger (zap, JSON format).
//  3. Bind authority from the certificate (fails closed to v0.1, never fatal).
//  4. Open the demotion ledger and prune stale entries.
//  5. Start the Prometheus metrics server.
//  6. Start the operator control-surface socket (if enabled).
//  7. Tail the spine and drive the runtime loop.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// On unreadable spine directory or config validation failure: exit 1
// immediately. Certificate failures are never fatal — they fail
// closed to v0.1 per SPEC_FULL.md §4.7/§7.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/synthdesk/router/internal/config"
	"github.com/synthdesk/router/internal/daemon"
	"github.com/synthdesk/router/internal/operator"
	"github.com/synthdesk/router/internal/spine"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: router <run|replay|version> [flags]")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "replay":
		replayCmd(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("router %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q; usage: router <run|replay|version> [flags]\n", os.Args[1])
		os.Exit(1)
	}
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "/etc/router/config.yaml", "Path to config.yaml")
	_ = fs.Parse(args)

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

	log.Info("router starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("node_id", cfg.NodeID),
		zap.String("spine", cfg.Spine.Path),
		zap.String("config", *configPath),
	)

	spineDir := filepath.Dir(cfg.Spine.Path)
	if err := os.MkdirAll(spineDir, 0o755); err != nil {
		log.Fatal("spine directory unreachable", zap.Error(err), zap.String("dir", spineDir))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter := spine.NewEmitter(cfg.Spine.Path, log)
	boot, err := daemon.New(cfg, log, emitter, true)
	if err != nil {
		log.Fatal("daemon bootstrap failed", zap.Error(err))
	}
	if boot.LedgerDB != nil {
		defer boot.LedgerDB.Close() //nolint:errcheck
	}

	if boot.Metrics != nil {
		boot.Metrics.AuthorityLevel.Set(authorityLevelMetric(string(boot.Authority.Level())))
		go func() {
			if err := boot.Metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))
	}

	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, boot.Loop, boot.Authority, boot.Loop, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	reader := spine.NewReader(cfg.Spine.Path, cfg.Spine.PollInterval, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		daemon.RunTail(ctx, boot, reader, cfg.Spine.SkipExistingOnStart)
		close(done)
	}()

	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))
	cancel()
	<-done

	log.Info("router shutdown complete")
}

func replayCmd(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "/etc/router/config.yaml", "Path to config.yaml")
	input := fs.String("input", "", "Input spine path to replay")
	output := fs.String("output", "", "Output spine path to append emissions to")
	_ = fs.Parse(args)

	if *input == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "FATAL: replay requires -input and -output")
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

	if err := daemon.Replay(*input, *output, cfg, log); err != nil {
		log.Fatal("replay failed", zap.Error(err))
	}
}

func authorityLevelMetric(l string) float64 {
	switch l {
	case "v0.1":
		return 0
	case "v0.2":
		return 1
	case "v0.3":
		return 2
	case "v1.0":
		return 3
	default:
		return -1
	}
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
