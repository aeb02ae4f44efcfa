// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"distributed-resize/internal/config"
	"distributed-resize/internal/domain"
	"distributed-resize/internal/imaging"
	"distributed-resize/internal/infra/etcd"
	"distributed-resize/internal/rpc"
	"distributed-resize/internal/tracing"
	"distributed-resize/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Init config, logger and tracer
	flags := config.Flags("worker")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("distributed-resize-worker", traceWriter(cfg))
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 3. Work out what this worker advertises
	policy, err := worker.NewCapacityPolicy(cfg.CapacityPolicy, cfg.WorkerThreads)
	if err != nil {
		log.Fatalf("Invalid capacity policy: %v", err)
	}
	host := cfg.AdvertiseHost
	if host == "" {
		if host, err = worker.DetectHost(); err != nil {
			log.Fatalf("Failed to detect advertise host: %v", err)
		}
	}
	port, err := worker.ListenPort(cfg.WorkerListenAddr)
	if err != nil {
		log.Fatalf("Invalid worker listen address: %v", err)
	}

	resizer, err := imaging.NewResizer(cfg.ResizeRatio, cfg.JPEGQuality)
	if err != nil {
		log.Fatalf("Invalid resize options: %v", err)
	}
	handlers := map[string]domain.WorkFunc{cfg.Capability: resizer.Work}
	threads := func() int {
		return max(1, policy.Threads(worker.ReadSystemInfo(context.Background())))
	}

	// 4. Start the gRPC server before registering: the registry probes it
	lis, err := net.Listen("tcp", cfg.WorkerListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen for gRPC: %v", err)
	}
	grpcServer := rpc.NewServer()
	rpc.RegisterWorkerServer(grpcServer, worker.NewServer(handlers, threads, logger))
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()

	if cfg.MetricsListenAddr != "" {
		go serveMetrics(cfg.MetricsListenAddr)
	}

	// 5. Register with the registry; a worker that cannot register exits
	registryAddr := cfg.RegistryAddr
	if len(cfg.EtcdEndpoints) > 0 {
		if registryAddr, err = etcd.LookupRegistry(rootCtx, cfg.EtcdEndpoints, cfg.EtcdTimeout, logger); err != nil {
			log.Fatalf("Failed to locate registry: %v", err)
		}
	}
	conn, err := rpc.Dial(registryAddr)
	if err != nil {
		log.Fatalf("Failed to connect to registry: %v", err)
	}
	defer conn.Close()

	info := worker.ReadSystemInfo(rootCtx)
	record := worker.BuildRecord(info, policy, host, port, cfg.Capability)
	registrar := worker.NewRegistrar(rpc.NewRegistryClient(conn, rpc.NewTracker(logger)), rpc.Policy{Timeout: cfg.RegisterTimeout}, logger)
	if err := registrar.Register(rootCtx, record); err != nil {
		log.Fatalf("Failed to register worker: %v", err)
	}
	logger.Info("worker ready",
		"addr", record.Address.String(),
		"capability", cfg.Capability,
		"policy", policy.Name(),
		"threads", record.Threads,
		"registry", registryAddr,
	)

	// 6. Block until shutdown signal
	<-rootCtx.Done()
	logger.Info("shutting down worker node gracefully")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		grpcServer.Stop()
	}
	logger.Info("worker node shut down")
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
