// KSI daemon — event-driven orchestrator for LLM-backed agents. Owns the
// unix socket, the durable store, the event log, and the agent runtimes.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ksi-project/ksi/pkg/agent"
	"github.com/ksi-project/ksi/pkg/api"
	"github.com/ksi-project/ksi/pkg/cleanup"
	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/discovery"
	"github.com/ksi-project/ksi/pkg/eventlog"
	"github.com/ksi-project/ksi/pkg/llm"
	"github.com/ksi-project/ksi/pkg/masking"
	"github.com/ksi-project/ksi/pkg/monitor"
	"github.com/ksi-project/ksi/pkg/orchestration"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/session"
	"github.com/ksi-project/ksi/pkg/state"
	"github.com/ksi-project/ksi/pkg/store"
	"github.com/ksi-project/ksi/pkg/transport"
	"github.com/ksi-project/ksi/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := run(); err != nil {
		slog.Error("Daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config-dir",
		getEnv("KSI_CONFIG_DIR", "./config"),
		"Path to configuration directory")
	socketOverride := flag.String("socket", "", "Override the unix socket path")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded", "path", envPath, "error", err)
	}

	slog.Info("Starting KSI daemon",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Configuration.
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		return err
	}
	if *socketOverride != "" {
		cfg.SocketPath = *socketOverride
	}

	// 2. Event log. A leftover dirty marker means the previous run died
	// without a clean shutdown; recovery below reconciles the store.
	wasDirty := eventlog.WasDirty(cfg.LogRoot)
	if wasDirty {
		slog.Warn("Unclean shutdown detected, recovery will reconcile persisted state",
			"log_root", cfg.LogRoot)
	}
	lastSeq, err := eventlog.LastSeq(cfg.LogRoot)
	if err != nil {
		return err
	}
	logWriter, err := eventlog.NewWriter(cfg.LogRoot, lastSeq)
	if err != nil {
		return err
	}
	defer func() {
		if err := logWriter.Close(); err != nil {
			slog.Error("Error closing event log", "error", err)
		}
	}()
	if err := eventlog.MarkDirty(cfg.LogRoot); err != nil {
		return err
	}

	// 3. Durable store.
	st, err := store.Open(cfg.StorePath, store.Options{
		QueueCapacity: cfg.Limits.QueueCapacity,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store opened", "path", cfg.StorePath, "resumed_seq", lastSeq)

	// 4. Router with capability policy and payload masking.
	policy, err := router.LoadCapabilityPolicy(cfg.CapabilityPolicy)
	if err != nil {
		return err
	}
	r := router.New(logWriter, st, router.Options{
		SubscriptionQueue: cfg.Limits.SubscriptionQueue,
		Policy:            policy,
	})
	r.SetMasker(masking.NewService(cfg.Masking))

	// 5. Compositions and transformer rules.
	if err := os.MkdirAll(cfg.CompositionDir, 0o750); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.TransformerDir, 0o750); err != nil {
		return err
	}
	loader := composition.NewLoader(cfg.CompositionDir, st)
	if indexed, err := loader.RebuildIndex(); err != nil {
		slog.Warn("Composition index rebuild failed", "error", err)
	} else {
		slog.Info("Composition index built", "components", indexed)
	}
	composition.NewService(loader).Register(r)

	if loaded, err := r.LoadTransformers(cfg.TransformerDir); err != nil {
		slog.Warn("Transformer rules failed to load", "error", err)
	} else {
		slog.Info("Transformer rules loaded", "rules", loaded)
	}

	// 6. Services around the router.
	tracker := session.NewTracker(st, cfg.Session.LockTimeout)
	providers := llm.NewRegistry(cfg.Providers)

	comp := completion.NewService(r, tracker, providers, cfg)
	comp.Register()

	sandboxes, err := agent.NewSandboxes(cfg.SandboxRoot)
	if err != nil {
		return err
	}
	agents := agent.NewService(r, st, loader, sandboxes, cfg.Limits)
	agents.Register()
	agents.SetCanceller(comp)
	comp.SetAgents(agents)
	r.SetCapabilityChecker(agents)

	orch := orchestration.NewService(r, st, loader, agents)
	orch.Register()
	r.SetBubbler(orch)

	state.NewService(st).Register(r)

	ts := transport.NewServer(cfg.SocketPath, r, cfg.Limits.InboundQueue)
	monitor.NewService(r, ts, tracker).Register()

	disc := discovery.NewService(r)
	disc.AddHealthSource(func() (string, any) { return "active_clients", ts.ActiveClients() })
	disc.AddHealthSource(func() (string, any) { return "subscriptions", r.SubscriptionCount() })
	disc.Register()

	// 7. Recovery, before any client can connect.
	released, err := tracker.Recover(cfg.Session.RestartGrace)
	if err != nil {
		return err
	}
	if len(released) > 0 {
		slog.Info("Released stale session locks", "count", len(released))
	}
	if err := comp.Recover(); err != nil {
		return err
	}
	if err := agents.Recover(ctx); err != nil {
		return err
	}
	if err := orch.Recover(); err != nil {
		return err
	}

	// 8. Run. A fatal router error (event log unwritable) takes the whole
	// daemon down through the signal context.
	r.SetFatalHandler(func(err error) {
		slog.Error("Router fatal error, shutting down", "error", err)
		stop()
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancelled(r.Run(gctx)) })
	g.Go(func() error { return ignoreCancelled(ts.Serve(gctx)) })
	g.Go(func() error {
		err := r.WatchTransformers(gctx.Done(), cfg.TransformerDir)
		if err != nil {
			slog.Warn("Transformer hot-reload unavailable", "error", err)
		}
		return nil
	})
	if cfg.AdminAddr != "" {
		admin := api.NewServer(cfg.AdminAddr, r, tracker)
		g.Go(func() error { return ignoreCancelled(admin.Start(gctx)) })
	}

	comp.Start(gctx)
	agents.Start(gctx)

	cleaner := cleanup.NewService(cfg.Retention, cfg.LogRoot, tracker)
	cleaner.Start(gctx)

	slog.Info("KSI daemon started",
		"socket", cfg.SocketPath,
		"workers", cfg.Completion.WorkerCount,
		"admin_addr", cfg.AdminAddr)

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	// 9. Graceful shutdown, reverse of startup: stop intake, drain workers,
	// stop dispatch, then mark the log clean.
	ts.Stop()
	cleaner.Stop()
	comp.Stop()
	agents.Stop()
	r.Stop()

	shutdownErr := g.Wait()

	if err := eventlog.ClearDirty(cfg.LogRoot); err != nil {
		slog.Error("Error clearing shutdown marker", "error", err)
	}
	slog.Info("Shutdown complete")
	return shutdownErr
}

// ignoreCancelled treats context cancellation as a clean exit so an
// orderly shutdown does not report an error.
func ignoreCancelled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
