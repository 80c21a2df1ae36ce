// Package api serves the local operator dashboard: a JSON status
// endpoint with the last tick report and a WebSocket stream of reports
// as they happen. The dashboard is read-only and carries no trading
// authority.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futarchy-arb/internal/bot"
)

// Status is the payload of GET /api/status.
type Status struct {
	Proposal   string          `json:"proposal"`
	BotType    string          `json:"bot_type"`
	DryRun     bool            `json:"dry_run"`
	StartedAt  time.Time       `json:"started_at"`
	TickCount  int             `json:"tick_count"`
	LastReport *bot.TickReport `json:"last_report,omitempty"`
}

// Server is the dashboard HTTP server.
type Server struct {
	srv    *http.Server
	hub    *Hub
	logger *slog.Logger

	startedAt time.Time
	proposal  string
	botType   string
	dryRun    bool

	mu         sync.RWMutex
	lastReport *bot.TickReport
	tickCount  int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local operator tool; same-origin policy is not enforced.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer creates the dashboard server.
func NewServer(port int, proposal, botType string, dryRun bool, logger *slog.Logger) *Server {
	s := &Server{
		hub:       NewHub(logger),
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
		proposal:  proposal,
		botType:   botType,
		dryRun:    dryRun,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP listener; blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("dashboard listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Consume forwards controller tick reports to connected clients and
// keeps the latest one for the status endpoint. Returns when the
// channel closes or the context ends.
func (s *Server) Consume(ctx context.Context, reports <-chan bot.TickReport) {
	for {
		select {
		case <-ctx.Done():
			return
		case report, ok := <-reports:
			if !ok {
				return
			}
			s.mu.Lock()
			r := report
			s.lastReport = &r
			s.tickCount++
			s.mu.Unlock()
			s.hub.Broadcast(report)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	status := Status{
		Proposal:   s.proposal,
		BotType:    s.botType,
		DryRun:     s.dryRun,
		StartedAt:  s.startedAt,
		TickCount:  s.tickCount,
		LastReport: s.lastReport,
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("failed to encode status", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	s.hub.Attach(conn)
}
