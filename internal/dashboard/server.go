package dashboard

import (
	"alertpipe/internal/logging"
	"alertpipe/internal/types"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

//go:embed templates/*
var templatesFS embed.FS

// Server represents the status HTTP server
type Server struct {
	store     StatusStore
	metrics   http.Handler
	templates *template.Template
	router    *chi.Mux
	server    *http.Server
	logger    *zap.Logger
}

// NewServer creates a new status server. metrics may be nil.
func NewServer(store StatusStore, metrics http.Handler, logger *zap.Logger) (*Server, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"since": func(t time.Time) string { return time.Since(t).Truncate(time.Second).String() },
	}).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:     store,
		metrics:   metrics,
		templates: tmpl,
		router:    chi.NewRouter(),
		logger:    logging.OrNop(logger).Named("dashboard"),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/", s.handleDashboard)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/alerts", s.handleAPIAlerts)
		r.Get("/attempts", s.handleAPIAttempts)
		r.Get("/stats", s.handleAPIStats)
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Stop. It returns once the listener
// is bound; serve errors are logged.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down with a 5s grace period
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()), zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// handleDashboard renders the main status page
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	attempts, _ := s.store.RecentAttempts(50)

	data := map[string]interface{}{
		"Alerts":   s.store.OpenAlerts(),
		"Attempts": attempts,
		"Stats":    s.store.Stats(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "dashboard.html", data); err != nil {
		s.logger.Warn("failed to render dashboard", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleAPIAlerts returns open incidents as JSON
func (s *Server) handleAPIAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.store.OpenAlerts()
	if alerts == nil {
		alerts = []types.Alert{}
	}
	writeJSON(w, alerts)
}

// handleAPIAttempts returns recent delivery attempts as JSON
func (s *Server) handleAPIAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	attempts, err := s.store.RecentAttempts(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if attempts == nil {
		attempts = []types.DeliveryAttempt{}
	}
	writeJSON(w, attempts)
}

// handleAPIStats returns run statistics as JSON
func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Stats())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
