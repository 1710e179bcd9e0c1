// SPDX-License-Identifier: MIT

// Package proxy is the HTTP front of the licensing proxy: routing,
// mode-aware request handling and the control surface.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/frlproxy/frlproxy/internal/config"
	"github.com/frlproxy/frlproxy/internal/forwarder"
	"github.com/frlproxy/frlproxy/internal/log"
	"github.com/frlproxy/frlproxy/internal/metrics"
	"github.com/frlproxy/frlproxy/internal/store"
	"github.com/frlproxy/frlproxy/internal/upstream"
	"github.com/frlproxy/frlproxy/internal/version"
)

const shutdownTimeout = 10 * time.Second

// Server ties the handlers to their collaborators.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	client   *upstream.Client
	fwd      *forwarder.Forwarder
	mode     *ModeHolder
	logger   zerolog.Logger
	sf       singleflight.Group
	started  time.Time
	originID string

	background sync.WaitGroup
}

// New assembles the HTTP server. fwd may be nil when no forwarder runs
// (the manual forward endpoint then reports unavailable).
func New(cfg *config.Config, st *store.Store, client *upstream.Client, fwd *forwarder.Forwarder, mode *ModeHolder) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		client:   client,
		fwd:      fwd,
		mode:     mode,
		logger:   log.WithComponent("proxy"),
		started:  time.Now(),
		originID: uuid.NewString(),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(log.Middleware())

	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/control", func(cr chi.Router) {
		cr.Use(httprate.LimitByIP(30, time.Minute))
		cr.Use(s.controlSecret)
		cr.Post("/mode", s.handleSetMode)
		cr.Post("/forward", s.handleForward)
		cr.Get("/export", s.handleExport)
		cr.Post("/import", s.handleImport)
	})

	r.HandleFunc("/*", s.handleProxy)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully and waits
// for in-flight background refreshes.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("event", "proxy.listening").
			Str("addr", srv.Addr).
			Str("mode", s.mode.Get()).
			Bool("tls", s.cfg.SSL.Enabled).
			Str("version", version.Version).
			Msg("proxy listening")
		var err error
		if s.cfg.SSL.Enabled {
			err = srv.ListenAndServeTLS(s.cfg.SSL.CertPath, s.cfg.SSL.KeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Str("event", "proxy.shutdown_timeout").Err(err).Msg("forcing close")
		_ = srv.Close()
	}
	s.background.Wait()
	s.logger.Info().Str("event", "proxy.stopped").Msg("proxy stopped")
	return nil
}

// metricsMiddleware times every inbound request.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.HTTPDuration.
			WithLabelValues(r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// requestIDMiddleware threads the client's X-Request-Id (or a minted one)
// through the logging context. The header itself is left untouched so the
// response only echoes ids the client actually sent.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
