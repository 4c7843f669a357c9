// Package dashboard serves a silo's status, health and metrics over HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/cluster"
	"github.com/devrev/silohost/internal/dashboard/middleware"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/health"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Config holds dashboard settings
type Config struct {
	Host string
	Port int
	// RequestsPerSecond disables rate limiting when zero
	RequestsPerSecond float64
	BurstSize         int
}

// Ports are the resolved ports of the node, 0 when a role is disabled
type Ports struct {
	Silo      int `json:"silo"`
	Gateway   int `json:"gateway"`
	Dashboard int `json:"dashboard"`
}

// Server is the dashboard HTTP server
type Server struct {
	cfg        Config
	silo       *cluster.Silo
	ports      Ports
	health     *health.Checker
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	done       chan struct{}
}

// NewServer creates a dashboard for silo. Nothing listens until Start.
func NewServer(cfg Config, silo *cluster.Silo, ports Ports, checker *health.Checker, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		silo:   silo,
		ports:  ports,
		health: checker,
		router: mux.NewRouter(),
		logger: logger,
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	}
	if s.cfg.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(s.cfg.RequestsPerSecond, s.cfg.BurstSize, s.logger)
		chain = append(chain, limiter.Limit)
	}
	s.router.Use(middleware.Chain(chain...))

	s.router.HandleFunc("/health", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.silo.Metrics().Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/silos", s.handleSilos).Methods(http.MethodGet)
	api.HandleFunc("/activations", s.handleActivations).Methods(http.MethodGet)
	api.HandleFunc("/activations/{kind}", s.handleActivationsOfKind).Methods(http.MethodGet)
	api.HandleFunc("/ports", s.handlePorts).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})
}

// Handler returns the router, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the dashboard port and serves in the background
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return sierrors.StartupFailed("failed to bind dashboard port", err)
	}

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Dashboard server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Dashboard started", zap.String("addr", lis.Addr().String()))
	return nil
}

// Shutdown stops the server, waiting for open requests until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	<-s.done
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.silo.Status())
}

func (s *Server) handleSilos(w http.ResponseWriter, r *http.Request) {
	members, err := s.silo.Membership().Members(r.Context())
	if err != nil {
		s.logger.Warn("Failed to read membership table", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "MEMBERSHIP_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleActivations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.silo.ActivationCounts())
}

func (s *Server) handleActivationsOfKind(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	if _, err := s.silo.Registry().Lookup(kind); err != nil {
		writeError(w, http.StatusNotFound, "ENTITY_NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{kind: s.silo.ActivationCounts()[kind]})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ports)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errorCode, message string) {
	writeJSON(w, code, map[string]string{
		"status":     "error",
		"error_code": errorCode,
		"message":    message,
	})
}
