package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/millegrilles/datacollector/internal/logging"
)

// HealthChecker reports connectivity of one dependency.
type HealthChecker func(ctx context.Context) error

// Server is the status HTTP surface: /health and /metrics.
type Server struct {
	server   *http.Server
	checkers map[string]HealthChecker
}

// NewServer builds the status server on the given port.
func NewServer(port string, checkers map[string]HealthChecker) *Server {
	s := &Server{checkers: checkers}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.server = &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{"status": "healthy", "service": "datacollector"}
	healthy := true
	for name, check := range s.checkers {
		if err := check(ctx); err != nil {
			status[name] = "error"
			healthy = false
		} else {
			status[name] = "connected"
		}
	}
	if !healthy {
		status["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Start runs the server until Shutdown.
func (s *Server) Start() {
	log := logging.WithComponent("monitoring")
	log.Info().Str("addr", s.server.Addr).Msg("status server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("status server stopped")
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
