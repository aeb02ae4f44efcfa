// cmd/dispatcher/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"distributed-resize/internal/config"
	"distributed-resize/internal/dispatch"
	"distributed-resize/internal/imaging"
	"distributed-resize/internal/infra/etcd"
	"distributed-resize/internal/pool"
	"distributed-resize/internal/rpc"
	"distributed-resize/internal/scanner"
	"distributed-resize/internal/scheduler"
	"distributed-resize/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load configuration; the positional argument is the directory to process
	flags := config.Flags("dispatcher")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <directory>\n", os.Args[0])
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}
	root := flags.Arg(0)

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// os.Exit runs only after every deferred close in run has finished
	os.Exit(run(cfg, root))
}

// run processes root and returns the process exit code.
func run(cfg *config.Config, root string) int {
	// 2. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("distributed-resize-dispatcher", traceWriter(cfg))
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		return 1
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	if cfg.MetricsListenAddr != "" {
		go serveMetrics(cfg.MetricsListenAddr)
	}

	// 4. Find the work before connecting to anything
	jobs, err := scanner.Scan(root, scanner.Options{MinSize: cfg.MinSizeBytes, Suffix: cfg.OutputSuffix})
	if err != nil {
		logger.Error("failed to scan directory", "root", root, "error", err)
		return 1
	}
	logger.Info("scan finished", "root", root, "images", len(jobs))
	if len(jobs) == 0 {
		return 0
	}

	// 5. Build the pools: local slots plus one warm pool per remote worker
	resizer, err := imaging.NewResizer(cfg.ResizeRatio, cfg.JPEGQuality)
	if err != nil {
		logger.Error("invalid resize options", "error", err)
		return 1
	}
	var local pool.Pool
	if cfg.LocalThreads > 0 {
		local = pool.NewLocal(cfg.LocalThreads, resizer.Work, logger)
	}

	tracker := rpc.NewTracker(logger)
	conns := rpc.NewConnCache(logger)
	defer conns.Close()
	pools := dispatch.NewPoolRegistry(local, dispatch.NewRemoteFactory(conns, tracker, pool.RemoteOptions{
		Policy:         rpc.Policy{Timeout: cfg.RPCTimeout, MaxRetry: cfg.RPCMaxRetry, Backoff: cfg.RPCBackoff},
		BytesPerSecond: cfg.RPCBytesPerSecond,
	}, logger), logger)
	defer pools.Close()

	// 6. Keep the dispatch table in sync with the registry. Failing to reach
	// the registry leaves a local-only table.
	registryAddr := cfg.RegistryAddr
	if len(cfg.EtcdEndpoints) > 0 {
		if addr, err := etcd.LookupRegistry(rootCtx, cfg.EtcdEndpoints, cfg.EtcdTimeout, logger); err != nil {
			logger.Warn("failed to locate registry in etcd, using registry_addr", "error", err)
		} else {
			registryAddr = addr
		}
	}
	regConn, err := conns.Get(registryAddr)
	if err != nil {
		logger.Error("failed to connect to registry", "registry", registryAddr, "error", err)
		return 1
	}
	refresher := dispatch.NewRefresher(rpc.NewRegistryClient(regConn, tracker), pools, cfg.Capability,
		rpc.Policy{Timeout: cfg.RefreshTimeout}, logger)
	if err := refresher.RefreshOnce(rootCtx); err != nil {
		logger.Warn("initial registry query failed, starting with local pool only", "registry", registryAddr, "error", err)
	}

	periodic := scheduler.NewPeriodic(logger)
	if err := refresher.Schedule(periodic, cfg.RefreshInterval); err != nil {
		logger.Error("failed to schedule table refresh", "error", err)
		return 1
	}
	go periodic.Start(rootCtx)

	// 7. Run every job through the dispatcher. Undecodable files are
	// rejected here instead of being reassigned between pools.
	d := dispatch.NewDispatcher(refresher, dispatch.Options{
		IdlePoll:           cfg.IdlePollInterval,
		UnavailableTimeout: cfg.UnavailableTimeout,
	}, logger)
	runner := scanner.NewRunner(d, cfg.Capability, cfg.MaxInFlight, logger).WithValidator(imaging.Validate)
	summary, err := runner.Run(rootCtx, jobs)

	fmt.Printf("done: %d, failed: %d, local: %d, remote: %d, reassigned: %d, %s -> %s in %s\n",
		summary.Done, summary.Failed, summary.Local, summary.Remote, summary.Reassigns,
		humanBytes(summary.InBytes), humanBytes(summary.OutBytes), summary.Elapsed.Round(time.Millisecond))
	if err != nil {
		logger.Error("run aborted", "error", err)
		return 1
	}
	if summary.Failed > 0 {
		return 1
	}
	return 0
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "error", err)
	}
}

func traceWriter(cfg *config.Config) io.Writer {
	if cfg.TraceStdout {
		return os.Stdout
	}
	return nil
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
