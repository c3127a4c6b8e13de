package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/meetsang/spx-bot/internal/models"
	"github.com/meetsang/spx-bot/internal/storage"
)

// Server exposes the strategy's persisted state as a small JSON API plus the
// Prometheus endpoint. It reads through the storage interface, so it shares
// the snapshot file with the trading process rather than its memory.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

// StateView is the API shape of the whole session.
type StateView struct {
	EnteredToday bool      `json:"entered_today"`
	Expiry       string    `json:"expiry"`
	ActiveFlies  []FlyView `json:"active_flies"`
	ClosedFlies  []FlyView `json:"closed_flies"`
	TotalPnL     string    `json:"total_pnl"`
	RealizedPnL  string    `json:"realized_pnl"`
	MinNetPnL    string    `json:"min_net_pnl"`
	MaxNetPnL    string    `json:"max_net_pnl"`
}

// FlyView is the API shape of one fly.
type FlyView struct {
	ID         string  `json:"id"`
	Body       string  `json:"body"`
	Width      int     `json:"width"`
	Quantity   int     `json:"qty"`
	State      string  `json:"state"`
	EntryTime  string  `json:"entry_time"`
	EntryPrice string  `json:"entry_price"`
	Mark       *string `json:"mark"`
	ClosePrice *string `json:"close_price"`
	PnL        *string `json:"pnl"`
}

// PnLView is the API shape of the running aggregates.
type PnLView struct {
	TotalPnL    string            `json:"total_pnl"`
	RealizedPnL string            `json:"realized_pnl"`
	MinNetPnL   string            `json:"min_net_pnl"`
	MaxNetPnL   string            `json:"max_net_pnl"`
	PerFly      map[string]string `json:"per_fly"`
}

func NewServer(cfg Config, store storage.Interface, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/state", s.handleGetState)
	s.router.Get("/api/pnl", s.handleGetPnL)
	s.router.Get("/api/flies/{body}", s.handleGetFly)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	s.writeJSON(w, health)
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	state, err := s.storage.Load()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load state")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, s.stateView(state))
}

func (s *Server) handleGetPnL(w http.ResponseWriter, _ *http.Request) {
	state, err := s.storage.Load()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load state")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	view := PnLView{
		TotalPnL:    state.TotalPnL.StringFixed(2),
		RealizedPnL: state.RealizedPnL.StringFixed(2),
		MinNetPnL:   state.MinNetPnL.StringFixed(2),
		MaxNetPnL:   state.MaxNetPnL.StringFixed(2),
		PerFly:      make(map[string]string, len(state.PerFlyPnL)),
	}
	for body, p := range state.PerFlyPnL {
		view.PerFly[body] = p.StringFixed(2)
	}
	s.writeJSON(w, view)
}

func (s *Server) handleGetFly(w http.ResponseWriter, r *http.Request) {
	body := chi.URLParam(r, "body")

	state, err := s.storage.Load()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load state")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	fly, ok := state.ActiveFlies[body]
	if !ok {
		fly, ok = state.ClosedFlies[body]
	}
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.flyView(state, fly))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) stateView(state *models.StrategyState) StateView {
	view := StateView{
		EnteredToday: state.EnteredToday,
		Expiry:       state.Expiry,
		ActiveFlies:  make([]FlyView, 0, len(state.ActiveFlies)),
		ClosedFlies:  make([]FlyView, 0, len(state.ClosedFlies)),
		TotalPnL:     state.TotalPnL.StringFixed(2),
		RealizedPnL:  state.RealizedPnL.StringFixed(2),
		MinNetPnL:    state.MinNetPnL.StringFixed(2),
		MaxNetPnL:    state.MaxNetPnL.StringFixed(2),
	}
	for _, fly := range state.ActiveFlies {
		view.ActiveFlies = append(view.ActiveFlies, s.flyView(state, fly))
	}
	for _, fly := range state.ClosedFlies {
		view.ClosedFlies = append(view.ClosedFlies, s.flyView(state, fly))
	}
	return view
}

func (s *Server) flyView(state *models.StrategyState, fly *models.Fly) FlyView {
	view := FlyView{
		ID:         fly.ID,
		Body:       fly.BodyKey(),
		Width:      fly.Width,
		Quantity:   fly.Quantity,
		State:      string(fly.State),
		EntryTime:  fly.EntryTime.UTC().Format(time.RFC3339),
		EntryPrice: fly.EntryPrice.StringFixed(2),
	}
	if fly.Mark != nil {
		m := fly.Mark.StringFixed(2)
		view.Mark = &m
	}
	if fly.ClosePrice != nil {
		c := fly.ClosePrice.StringFixed(2)
		view.ClosePrice = &c
	}
	switch fly.State {
	case models.FlyClosed:
		p := fly.RealizedPnL().StringFixed(2)
		view.PnL = &p
	default:
		if pnl, ok := state.PerFlyPnL[fly.BodyKey()]; ok {
			p := pnl.StringFixed(2)
			view.PnL = &p
		}
	}
	return view
}
