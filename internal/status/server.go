// Package status exposes a small local HTTP endpoint reporting live run
// statistics while the pipeline executes.
package status

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/stocktake/internal/pipeline"
)

// Server serves run statistics over HTTP.
type Server struct {
	addr  string
	stats func() pipeline.RunStats
	srv   *http.Server
}

// New creates a status server. stats is polled on every request.
func New(addr string, stats func() pipeline.RunStats) *Server {
	s := &Server{addr: addr, stats: stats}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is canceled. Listen errors other than a clean
// shutdown are logged, not fatal: the status endpoint is best-effort and
// must never take the run down with it.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info().Str("addr", s.addr).Msg("Status endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Status endpoint stopped")
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.stats()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
