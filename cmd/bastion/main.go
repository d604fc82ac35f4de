package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bastion/guard"
	"bastion/guard/config"
	"bastion/guard/logging"
	"bastion/guard/metrics"
	"bastion/handlers"
)

// stack bundles one engine with the handler tree built on it, so a config
// reload can swap both atomically under live traffic.
type stack struct {
	engine  *guard.Engine
	handler http.Handler
}

func buildStack(cfg *config.Config) (*stack, error) {
	engine, err := guard.NewEngine(cfg, nil)
	if err != nil {
		return nil, err
	}

	backend := http.NewServeMux()
	handlers.Backend{}.Register(backend)

	root := http.NewServeMux()
	handlers.NewAdmin(engine).Register(root)
	root.Handle("/metrics", promhttp.Handler())
	root.Handle("/health", handlers.NewHealth(engine))
	root.Handle("/", engine.Protect(backend))

	return &stack{engine: engine, handler: root}, nil
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logCloser := logging.Setup(cfg.Logging)
	defer logCloser.Close()

	initial, err := buildStack(cfg)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}
	initial.engine.Start()

	var current atomic.Pointer[stack]
	current.Store(initial)

	apply := func(next *config.Config) {
		ns, err := buildStack(next)
		if err != nil {
			log.Printf("config reload rejected: %v", err)
			metrics.ConfigReloads.WithLabelValues("rejected").Inc()
			return
		}
		ns.engine.Start()
		old := current.Swap(ns)
		metrics.ConfigReloads.WithLabelValues("applied").Inc()
		// In-flight requests may still hold the old engine; give them a
		// grace period before tearing it down.
		go func() {
			time.Sleep(5 * time.Second)
			old.engine.Stop()
		}()
	}

	if *configPath != "" {
		watcher, err := config.Watch(*configPath, apply)
		if err != nil {
			log.Printf("config watch disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			next, err := config.Load(*configPath)
			if err != nil {
				log.Printf("SIGHUP reload rejected: %v", err)
				metrics.ConfigReloads.WithLabelValues("rejected").Inc()
				continue
			}
			log.Printf("SIGHUP received, reloading config")
			apply(next)
		}
	}()

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			current.Load().handler.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	current.Load().engine.Stop()
}
