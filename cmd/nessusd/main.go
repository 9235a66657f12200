package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nessusdhq/nessusd/internal/api"
	"github.com/nessusdhq/nessusd/internal/breaker"
	"github.com/nessusdhq/nessusd/internal/config"
	"github.com/nessusdhq/nessusd/internal/metrics"
	"github.com/nessusdhq/nessusd/internal/queue"
	"github.com/nessusdhq/nessusd/internal/registry"
	"github.com/nessusdhq/nessusd/internal/sweeper"
	"github.com/nessusdhq/nessusd/internal/task"
	"github.com/nessusdhq/nessusd/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`nessusd - vulnerability scan orchestration service

Usage:
  nessusd <command> [options]

Commands:
  serve    Start the API server (submission, results, retention sweeper)
  worker   Start a worker process (scan execution)

Options:
  -config string   Path to config file (default "config.yaml")

Examples:
  nessusd serve -config config.yaml
  nessusd worker -config config.yaml`)
}

func breakerConfig(cfg *config.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenInFlight: cfg.Breaker.HalfOpenMaxInFlight,
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	store := task.NewStore(cfg.DataDir)

	q, err := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer q.Close()

	reg := registry.New(cfg, nil)
	defer reg.Close()
	breakers := breaker.NewRegistry(breakerConfig(cfg))

	metrics.Register(q, reg, cfg.Pools())

	srv := api.NewServer(cfg, store, q, reg, breakers)

	sweep := sweeper.New(store, cfg.Sweeper)
	if err := sweep.Start(); err != nil {
		log.Fatalf("failed to start sweeper: %v", err)
	}
	defer sweep.Stop()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Starting nessusd server on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			reloadRegistry(reg, *configPath)
			continue
		}
		break
	}

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	metricsAddr := fs.String("metrics-addr", "", "optional address to serve /metrics on")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	store := task.NewStore(cfg.DataDir)

	q, err := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer q.Close()

	reg := registry.New(cfg, nil)
	defer reg.Close()
	breakers := breaker.NewRegistry(breakerConfig(cfg))

	metrics.Register(q, reg, cfg.Pools())
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Printf("Serving worker metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	w := worker.New(q, store, reg, breakers, cfg.Worker)
	w.Start()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			reloadRegistry(reg, *configPath)
			continue
		}
		break
	}

	log.Println("Shutting down, draining in-flight scans...")
	w.Stop()
}

// reloadRegistry re-reads the config and swaps the scanner pool definitions
// in place. Queue, worker and API settings do not change on reload; those
// need a restart.
func reloadRegistry(reg *registry.Registry, configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("SIGHUP reload: %v (keeping previous scanner config)", err)
		return
	}
	reg.Reload(cfg)
	log.Printf("SIGHUP reload: scanner pools refreshed from %s", configPath)
}
