// Package api serves the engine's monitor surface over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/config"
	"github.com/atlas-desktop/regime-engine/internal/execution"
	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/atlas-desktop/regime-engine/internal/orchestrator"
	"github.com/atlas-desktop/regime-engine/internal/scoring"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Engine is the part of the orchestrator the monitor reads from.
type Engine interface {
	Snapshot() orchestrator.Snapshot
	History(symbol string) []orchestrator.RegimeTransition
	Reconcile(ctx context.Context) (execution.ReconciliationReport, error)
	CloseAll(ctx context.Context) error
	Performance(ctx context.Context) (expectancy.PerformanceReport, error)
}

// Server is the monitor HTTP server.
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	engine     Engine
	metrics    *metrics.Recorder
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server
	started    time.Time
}

// NewServer creates a monitor server. rec and hub may be nil, which drops
// /metrics and /ws respectively.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, engine Engine, rec *metrics.Recorder, hub *Hub) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		config:  cfg,
		engine:  engine,
		metrics: rec,
		hub:     hub,
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")

	s.router.HandleFunc("/api/v1/positions", s.handleGetPositions).Methods("GET")
	s.router.HandleFunc("/api/v1/positions/{symbol}", s.handleGetPosition).Methods("GET")
	s.router.HandleFunc("/api/v1/positions/close-all", s.handleCloseAll).Methods("POST")

	s.router.HandleFunc("/api/v1/scores", s.handleGetScores).Methods("GET")
	s.router.HandleFunc("/api/v1/regimes", s.handleGetRegimes).Methods("GET")
	s.router.HandleFunc("/api/v1/regimes/{symbol}/history", s.handleRegimeHistory).Methods("GET")

	s.router.HandleFunc("/api/v1/performance", s.handlePerformance).Methods("GET")
	s.router.HandleFunc("/api/v1/reconcile", s.handleReconcile).Methods("POST")

	if s.metrics != nil && s.config.EnableMetrics {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.ServeWS)
	}
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start serves until Stop. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting monitor server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes websocket clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"running":  snap.Running,
		"ticks":    snap.Stats.Ticks,
		"lastTick": snap.Stats.LastTick,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"clients":  clients,
		"time":     time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": snap.Positions,
		"stops":     snap.Stops,
		"count":     len(snap.Positions),
	})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	snap := s.engine.Snapshot()
	for _, p := range snap.Positions {
		if p.Symbol != symbol {
			continue
		}
		resp := map[string]any{"position": p}
		if stop, ok := snap.Stops[symbol]; ok {
			resp["stop"] = stop
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeError(w, http.StatusNotFound, "Position not found")
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("Close-all requested", zap.String("remote", r.RemoteAddr))
	if err := s.engine.CloseAll(r.Context()); err != nil {
		s.logger.Error("Close-all failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "flat",
		"positions": len(s.engine.Snapshot().Positions),
	})
}

// handleGetScores lists scores best first. ?limit=n truncates and
// ?signal=true keeps only scores carrying an entry signal.
func (s *Server) handleGetScores(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	scores := snap.Scores
	if r.URL.Query().Get("signal") == "true" {
		filtered := make([]scoring.CompositeScore, 0, len(scores))
		for _, sc := range scores {
			if sc.HasSignal {
				filtered = append(filtered, sc)
			}
		}
		scores = filtered
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		if limit < len(scores) {
			scores = scores[:limit]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scores":    scores,
		"count":     len(scores),
		"timestamp": snap.Timestamp,
	})
}

func (s *Server) handleGetRegimes(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	symbols := make([]string, 0, len(snap.Regimes))
	for sym := range snap.Regimes {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": symbols,
		"regimes": snap.Regimes,
	})
}

func (s *Server) handleRegimeHistory(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":      symbol,
		"transitions": s.engine.History(symbol),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Reconcile(r.Context())
	if err != nil {
		s.logger.Error("Reconciliation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Performance(r.Context())
	if err != nil {
		s.logger.Error("Performance report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
