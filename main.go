package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"launchwatch/internal/api"
	"launchwatch/internal/catalog"
	"launchwatch/internal/config"
	"launchwatch/internal/eventbus"
	"launchwatch/internal/machine"
	"launchwatch/internal/models"
	"launchwatch/internal/rpcpool"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	apiPort := config.EnvPort("API_PORT", 4000)
	healthPort := config.EnvPort("HEALTH_PORT", 3000)

	log.Printf("launchwatch starting (commit %s)", BuildCommit)
	if cfg.DebugLogging() {
		if data, err := json.Marshal(cfg.Redacted()); err == nil {
			log.Printf("config: %s", data)
		}
	}
	log.Printf("catalog: %s", cfg.Virtuals.APIBase)
	log.Printf("rpc: %d http / %d wss endpoint(s)", len(cfg.Chain.RPC.HTTP), len(cfg.Chain.RPC.WSS))
	log.Printf("api port: %d, health port: %d", apiPort, healthPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := rpcpool.New(cfg.Chain.RPC.HTTP, cfg.Chain.RPC.WSS)
	pool.SelectFastest(ctx)

	bus := eventbus.New()
	cat := catalog.New(cfg)
	server := api.NewServer(cfg, pool, cat, bus, apiPort)

	probe := newHealthProbe(healthPort)
	m, err := machine.New(cfg, pool, cat, bus, server, machine.WithHealthSink(probe))
	if err != nil {
		log.Fatalf("machine: %v", err)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- server.Run(ctx) }()
	go func() { errCh <- probe.run() }()
	go func() { errCh <- m.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("fatal: %v", err)
			exitCode = 1
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	server.Shutdown(shutdownCtx)
	probe.shutdown(shutdownCtx)
	shutdownCancel()
	bus.Close()
	pool.Shutdown()
	os.Exit(exitCode)
}

// healthProbe is the external process-level liveness endpoint. It serves the
// last snapshot the machine pushed, on its own port, outside the rate-limited
// API surface.
type healthProbe struct {
	srv *http.Server

	mu        sync.Mutex
	snapshot  models.StateSnapshot
	updatedAt time.Time
}

func newHealthProbe(port int) *healthProbe {
	p := &healthProbe{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.handle)
	p.srv = &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}
	return p
}

// Push implements machine.HealthSink.
func (p *healthProbe) Push(snapshot models.StateSnapshot) {
	p.mu.Lock()
	p.snapshot = snapshot
	p.updatedAt = time.Now()
	p.mu.Unlock()
}

func (p *healthProbe) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	state := p.snapshot.State
	updatedAt := p.updatedAt
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"state":     state,
		"updatedAt": updatedAt,
	})
}

func (p *healthProbe) run() error {
	err := p.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (p *healthProbe) shutdown(ctx context.Context) {
	p.srv.Shutdown(ctx)
}
