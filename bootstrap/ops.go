package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"argus/config"
	"argus/health"
	"argus/util/goroutine"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// opsServer exposes the operational endpoints: Prometheus metrics and a
// liveness/health rollup
type opsServer struct {
	server *http.Server
	health *health.Scheduler
	logger *zap.SugaredLogger
}

func newOpsServer(cfg *config.Config, hs *health.Scheduler, logger *zap.SugaredLogger) *opsServer {
	s := &opsServer{health: hs, logger: logger}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Ops.Host, cfg.Ops.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *opsServer) Start() {
	goroutine.Go("ops-server", s.logger, func() {
		s.logger.Infow("Ops endpoint listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("Ops server failed", "error", err)
		}
	})
}

func (s *opsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Errorw("Ops server shutdown failed", "error", err)
	}
}

func (s *opsServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	summary, err := s.health.Summary(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"summary": summary,
	})
}
