// Package daemon wires the independently-testable packages
// (authority, envelope, ledger, observability, runtime, spine, state)
// into the two process shapes the CLI surface exposes: a tailing
// daemon and a one-shot replay, per SPEC_FULL.md §6. Both share
// exactly the same Bootstrap construction and the same
// runtime.Loop — only the event iterator and which sidecars are
// attached differ, per SPEC_FULL.md §9's "replay vs tail" note.
package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/synthdesk/router/internal/authority"
	"github.com/synthdesk/router/internal/config"
	"github.com/synthdesk/router/internal/envelope"
	"github.com/synthdesk/router/internal/ledger"
	"github.com/synthdesk/router/internal/observability"
	"github.com/synthdesk/router/internal/runtime"
	"github.com/synthdesk/router/internal/spine"
	"github.com/synthdesk/router/internal/state"
)

// Bootstrap is everything a CLI entrypoint needs after wiring: the
// constructed Loop, the authority state it shares with the operator
// surface, and the optional sidecars (nil when not requested).
type Bootstrap struct {
	Loop      *runtime.Loop
	Authority *authority.State
	Metrics   *observability.Metrics
	LedgerDB  *ledger.DB
}

// loadAuthorityInputs reads the build-meta file named by cfg (if any)
// and assembles the BindOptions bind_authority needs. A missing or
// unreadable build-meta file just means the certificate check in
// authority.Bind will fail closed to v0.1 — this is never itself a
// fatal condition for daemon startup.
func loadAuthorityInputs(cfg *config.Config, log *zap.Logger) (authority.BindOptions, *authority.BuildMeta) {
	var buildMeta *authority.BuildMeta
	if cfg.Authority.BuildMetaPath != "" {
		bm, err := authority.LoadBuildMeta(cfg.Authority.BuildMetaPath)
		if err != nil {
			log.Warn("daemon: build meta unreadable, authority will fail closed to v0.1",
				zap.Error(err), zap.String("path", cfg.Authority.BuildMetaPath))
		} else {
			buildMeta = bm
		}
	}
	return authority.BindOptions{
		CertPath:     cfg.Authority.CertPath,
		BuildMeta:    buildMeta,
		PublicKeyB64: cfg.Authority.PublicKeyB64,
		AllowLegacy:  cfg.Authority.AllowLegacyCert,
	}, buildMeta
}

// New builds a Bootstrap wired per cfg. withSidecars controls whether
// the demotion ledger and Prometheus metrics are attached — the
// tailing daemon wants both; a one-shot replay wants neither, since it
// has no durable lifetime for them to measure and must not leave a
// ledger file behind as a side effect of a read-only operation.
func New(cfg *config.Config, log *zap.Logger, emitter *spine.Emitter, withSidecars bool) (*Bootstrap, error) {
	bindOpts, buildMeta := loadAuthorityInputs(cfg, log)
	authState := authority.Bind(bindOpts)
	watcher := authority.NewWatcher(authState)

	log.Info("daemon: authority bound", zap.String("level", string(authState.Level())))

	kern, err := envelope.Lookup(cfg.Kernel.Name)
	if err != nil {
		return nil, fmt.Errorf("daemon: envelope kernel: %w", err)
	}
	if _, ok := kern.(*envelope.MCLocalKernel); ok {
		kern = &envelope.MCLocalKernel{HorizonMinutes: cfg.Kernel.HorizonMinutes}
	}

	var ledgerDB *ledger.DB
	var metrics *observability.Metrics
	if withSidecars {
		ledgerDB, err = ledger.Open(cfg.Ledger.DBPath, cfg.Ledger.RetentionDays)
		if err != nil {
			log.Warn("daemon: ledger open failed, continuing without demotion sidecar", zap.Error(err))
			ledgerDB = nil
		} else if pruned, perr := ledgerDB.PruneOldDemotions(); perr != nil {
			log.Warn("daemon: ledger prune failed", zap.Error(perr))
		} else if pruned > 0 {
			log.Info("daemon: ledger pruned", zap.Int("deleted", pruned))
		}
		metrics = observability.NewMetrics()
	}

	routerState := state.New()
	if authState.Level() != authority.LevelV01 {
		if rawPromotedAt, err := authority.PromotedAtRaw(bindOpts.CertPath); err != nil {
			log.Warn("daemon: could not read raw promoted_at, violations will not be epoch-scoped",
				zap.Error(err), zap.String("cert_path", bindOpts.CertPath))
		} else {
			routerState.SetAuthorityEpoch(authState.PromotedAt(), rawPromotedAt)
		}
	}

	loop := runtime.New(runtime.Options{
		State:     routerState,
		Authority: authState,
		Watcher:   watcher,
		Emitter:   emitter,
		Kernel:    kern,
		BuildMeta: buildMeta,
		BindOpts:  bindOpts,
		Metrics:   metrics,
		Ledger:    ledgerDB,
		Log:       log,
	})

	return &Bootstrap{Loop: loop, Authority: authState, Metrics: metrics, LedgerDB: ledgerDB}, nil
}

// Replay runs a complete input spine through a freshly wired
// Bootstrap and writes every emission to outputPath, with no ledger
// or metrics sidecars attached. It is the backing implementation for
// both the "router replay" subcommand and the standalone
// router-replay binary (SPEC_FULL.md §6).
func Replay(inputPath, outputPath string, cfg *config.Config, log *zap.Logger) error {
	emitter := spine.NewEmitter(outputPath, log)
	boot, err := New(cfg, log, emitter, false)
	if err != nil {
		return err
	}

	events := spine.Replay(inputPath, log)
	log.Info("daemon: replaying spine", zap.String("input", inputPath), zap.Int("events", len(events)))
	boot.Loop.ReplayAll(events)
	return nil
}

// RunTail starts the tailing runtime loop and blocks until ctx is
// canceled. The caller is responsible for starting the metrics and
// operator servers (if desired) from the returned Bootstrap before or
// after calling this.
func RunTail(ctx context.Context, boot *Bootstrap, reader *spine.Reader, skipExisting bool) {
	events := reader.Tail(ctx, skipExisting)
	boot.Loop.Run(ctx, events)
}
