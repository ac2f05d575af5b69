package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/heimgewebe/plexer/internal/config"
	"github.com/heimgewebe/plexer/internal/consumer"
	"github.com/heimgewebe/plexer/internal/dispatch"
	plexererrors "github.com/heimgewebe/plexer/internal/errors"
	"github.com/heimgewebe/plexer/internal/observability"
	"github.com/heimgewebe/plexer/internal/queue"
	"github.com/heimgewebe/plexer/internal/retry"
	"github.com/heimgewebe/plexer/internal/server"
	"github.com/heimgewebe/plexer/internal/transport"
)

func main() {
	// 1. Load and validate config.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("plexer starting",
		"host", cfg.Host,
		"port", cfg.Port,
		"environment", cfg.Env,
		"data_dir", cfg.DataDir,
	)

	// 3. Create shared infrastructure.
	clock := plexererrors.RealClock{}
	metrics := observability.NewMetrics()
	collector := plexererrors.NewCollector(clock)

	// 4. Open the failure queue and recover orphaned work before the
	// retry worker is armed.
	q := queue.New(cfg.DataDir, clock, metrics, collector)
	reattached, err := q.Recover()
	if err != nil {
		slog.Error("crash recovery failed", "error", err)
		os.Exit(1)
	}
	if reattached > 0 {
		slog.Info("crash recovery reattached orphaned work", "files", reattached)
	}
	if err := q.ScanMetrics(); err != nil {
		slog.Error("initial queue scan failed", "error", err)
	}

	// 5. Build the consumer registry and delivery pipeline.
	registry := consumer.NewRegistry(cfg.Consumers)
	slog.Info("consumer registry loaded", "consumers", registry.Len())

	client := transport.NewClient(cfg.RequestTimeout)
	inflight := dispatch.NewInFlight(metrics.InFlightForwards)
	dispatcher := dispatch.New(registry, client, q, inflight, metrics, collector, cfg.RequestTimeout)

	// 6. Arm the retry worker.
	worker := retry.NewWorker(q, registry, client, clock, metrics, collector,
		cfg.RetryConcurrency, cfg.RetryBatchSize)
	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()

	// 7. Start the ingress server.
	srv := server.NewServer(cfg.Host, cfg.Port, server.Deps{
		Env:            cfg.Env,
		Dispatcher:     dispatcher,
		Queue:          q,
		Metrics:        metrics,
		Collector:      collector,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		DebugEndpoints: cfg.DebugEndpoints,
	})
	if err := srv.Start(); err != nil {
		slog.Error("failed to start ingress server", "error", err)
		os.Exit(1)
	}
	slog.Info("plexer listening", "addr", srv.Addr())

	// 8. Block until a shutdown signal arrives, then give the retry worker
	// a bounded window to finish its current tick.
	<-ctx.Done()
	select {
	case <-workerDone:
	case <-time.After(cfg.DrainTimeout):
		slog.Warn("retry worker still ticking at drain deadline, abandoning wait")
	}

	// 9. Stop accepting new requests, then drain in-flight fanout with a
	// bounded timeout. Critical failures that already settled were appended
	// to the queue inside their delivery goroutines; calls still in flight
	// at the deadline are abandoned, whatever their consumer.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("ingress server shutdown error", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if remaining := inflight.Drain(drainCtx); remaining > 0 {
		metrics.DrainRemainingTotal.Add(float64(remaining))
		slog.Warn("drain timed out with forwards still in flight", "remaining", remaining)
	}

	slog.Info("plexer stopped")
}
