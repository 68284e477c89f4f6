package ptunp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Handler returns the HTTP handler of the info API. It has two endpoints:
// 1. /tunnel	the Status of the server as JSON
// 2. /metrics	the server's prometheus metrics
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/tunnel", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Add("Content-Type", "application/json")
		if err := json.NewEncoder(writer).Encode(s.Status()); err != nil {
			log.WithError(err).Debug("failed to write tunnel status")
		}
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// ServeAPI serves Handler on addr until ctx is done
func (s *Server) ServeAPI(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", addr).Info("serving tunnel info api")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ServeAPI: failed to start http server: %w", err)
	}
	return nil
}
