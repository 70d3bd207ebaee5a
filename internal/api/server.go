// Package api serves the dashboard surface: the REST endpoints under /api
// and the live websocket feed. The server is read-only; all mutation arrives
// over the event bus.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"

	"launchwatch/internal/catalog"
	"launchwatch/internal/config"
	"launchwatch/internal/eventbus"
	"launchwatch/internal/models"
	"launchwatch/internal/rpcpool"
)

const ringSize = 100

// Server holds the HTTP surface plus the in-memory rings backing it: the
// latest state snapshot, the last 100 whale trades and the last 100 events.
type Server struct {
	cfg     *config.Config
	pool    *rpcpool.Pool
	catalog *catalog.Client
	hub     *Hub

	httpServer *http.Server
	startedAt  time.Time
	inbox      chan eventbus.Event

	mu       sync.Mutex
	snapshot models.StateSnapshot
	trades   []models.WhaleTrade
	events   []models.Event

	seenTrades *lru.Cache[string, struct{}]
}

// NewServer wires the router and subscribes the server to every event kind on
// the bus. Run must be called for events to flow.
func NewServer(cfg *config.Config, pool *rpcpool.Pool, cat *catalog.Client, bus *eventbus.Bus, port int) *Server {
	seen, _ := lru.New[string, struct{}](ringSize * 10)
	s := &Server{
		cfg:        cfg,
		pool:       pool,
		catalog:    cat,
		hub:        newHub(),
		startedAt:  time.Now(),
		inbox:      make(chan eventbus.Event, 256),
		snapshot:   models.StateSnapshot{State: models.PhaseDiscover, TaxTotal: "0"},
		seenTrades: seen,
	}

	for _, kind := range []models.EventKind{
		models.EventStateChange,
		models.EventWhaleTrade,
		models.EventTaxUpdate,
		models.EventBuybackUpdate,
		models.EventProjectStart,
		models.EventProjectComplete,
		models.EventError,
	} {
		bus.Subscribe(kind, s.inbox)
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/api/state", s.handleState).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/trades", s.handleTrades).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/events", s.handleEvents).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/config", s.handleConfig).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/upcoming-launches", s.handleUpcoming).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET", "OPTIONS")

	s.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: r,
	}
	return s
}

// Run starts the hub and the bus ingest loop, then serves until the listener
// closes.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.ingestLoop(ctx)
	log.Printf("[api] listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.inbox:
			s.ingest(ev)
		}
	}
}

// ingest applies one bus event: snapshot updates replace the served state,
// whale trades land in the trade ring after tx dedup, and everything is
// appended to the event ring and broadcast to websocket clients.
func (s *Server) ingest(ev eventbus.Event) {
	record := models.Event{Kind: ev.Kind, Timestamp: ev.Timestamp, Payload: ev.Data}

	s.mu.Lock()
	switch ev.Kind {
	case models.EventStateChange:
		if snap, ok := ev.Data.(models.StateSnapshot); ok {
			s.snapshot = snap
		}
	case models.EventWhaleTrade:
		trade, ok := ev.Data.(models.WhaleTrade)
		if !ok {
			break
		}
		// A transaction hash appears in the trade ring at most once.
		if found, _ := s.seenTrades.ContainsOrAdd(trade.TxHash, struct{}{}); found {
			s.mu.Unlock()
			return
		}
		s.trades = appendRing(s.trades, trade)
	}
	s.events = appendRing(s.events, record)
	s.mu.Unlock()

	if data, err := json.Marshal(record); err == nil {
		s.hub.broadcast <- data
	}
}

// appendRing keeps the newest ringSize entries, oldest first.
func appendRing[T any](ring []T, v T) []T {
	ring = append(ring, v)
	if len(ring) > ringSize {
		ring = append(ring[:0], ring[len(ring)-ringSize:]...)
	}
	return ring
}

// UpdateSnapshot replaces the served state without broadcasting; phase
// transitions announce themselves via state_change events on the bus.
func (s *Server) UpdateSnapshot(snap models.StateSnapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

func (s *Server) currentSnapshot() models.StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.currentSnapshot())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	trades := append([]models.WhaleTrade(nil), s.trades...)
	s.mu.Unlock()

	// Newest first.
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"trades": trades})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	events := append([]models.Event(nil), s.events...)
	s.mu.Unlock()

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"events": events})
}

// handleConfig serves the redacted configuration: endpoint URLs lose
// credentials and provider keys before leaving the process.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.cfg.Redacted())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.pool.Health(r.Context())
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"state":         s.currentSnapshot().State,
		"rpc":           health,
		"wsClients":     s.hub.clientCount(),
	})
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	launches, err := s.catalog.UpcomingLaunches(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "catalog_unavailable", "message": err.Error()})
		return
	}
	if launches == nil {
		launches = []models.Project{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"launches": launches})
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
