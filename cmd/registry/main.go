// cmd/registry/main.go
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
	"strconv"
	"syscall"
	"time"

	http_api "distributed-resize/internal/api/http"
	"distributed-resize/internal/config"
	"distributed-resize/internal/infra/etcd"
	"distributed-resize/internal/registry"
	"distributed-resize/internal/rpc"
	"distributed-resize/internal/scheduler"
	"distributed-resize/internal/tracing"
	"distributed-resize/internal/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load configuration
	flags := config.Flags("registry")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("distributed-resize-registry", traceWriter(cfg))
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	nodeID := uuid.NewString()
	logger.Info("starting registry node", "node_id", nodeID, "grpc_addr", cfg.RegistryListenAddr, "http_addr", cfg.HttpListenAddr)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 4. Instantiate the registry and its heartbeat loop
	tracker := rpc.NewTracker(logger)
	prober := registry.NewRPCProber(rpc.NewConnCache(logger), tracker, rpc.Policy{Timeout: cfg.AliveTimeout})
	reg := registry.New(prober, logger)
	defer reg.Close()

	periodic := scheduler.NewPeriodic(logger)
	if err := reg.Schedule(periodic, cfg.AliveInterval); err != nil {
		log.Fatalf("Failed to schedule heartbeat: %v", err)
	}
	go periodic.Start(rootCtx)

	// 5. Start the gRPC server
	lis, err := net.Listen("tcp", cfg.RegistryListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen for gRPC: %v", err)
	}
	grpcServer := rpc.NewServer()
	rpc.RegisterRegistryServer(grpcServer, registry.NewServer(reg))
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()

	// 6. Announce the registry in etcd when configured
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()

		locator := etcd.NewLocator(etcdClient, etcdClient, logger)
		announceCtx, announceCancel := context.WithTimeout(rootCtx, cfg.EtcdTimeout)
		err = locator.Announce(announceCtx, nodeID, advertiseAddr(cfg, lis), 10)
		announceCancel()
		if err != nil {
			log.Fatalf("Failed to announce registry: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := locator.Withdraw(ctx); err != nil {
				logger.Error("failed to withdraw registry announcement", "error", err)
			}
		}()
	}

	// 7. Register status routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewRegistryHandler(reg, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 8. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down registry gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	grpcServer.GracefulStop()
	logger.Info("registry shut down")
}

// advertiseAddr is the address other processes should dial to reach lis.
func advertiseAddr(cfg *config.Config, lis net.Listener) string {
	host := cfg.AdvertiseHost
	if host == "" {
		detected, err := worker.DetectHost()
		if err != nil {
			detected = "127.0.0.1"
		}
		host = detected
	}
	port := lis.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort(host, strconv.Itoa(port))
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
