// Package server exposes a broker over HTTP: the admin endpoints under /_broker/ and the
// interception handler for everything else.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/casualjim/fetchbroker"
	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminPrefix is the path prefix of the admin endpoints. It is never intercepted.
const AdminPrefix = "/_broker"

// Departures is told when a client is gone for good.
type Departures interface {
	Forget(id string)
}

type Server struct {
	broker   *fetchbroker.Broker
	clients  Departures
	sources  http.Handler
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

var (
	// Clients enables DELETE /_broker/clients/{id}.
	Clients = opts.ForName[Server, Departures]("clients")
	// Sources mounts a source transport, usually a transport.WebSocket, at /_broker/sources.
	Sources = opts.ForName[Server, http.Handler]("sources")
	// Gatherer enables /_broker/metrics.
	Gatherer = opts.ForName[Server, prometheus.Gatherer]("gatherer")
	Logger   = opts.ForName[Server, *slog.Logger]("logger")
)

func New(broker *fetchbroker.Broker, options ...opts.Option[Server]) (*Server, error) {
	if broker == nil {
		return nil, errors.New("a broker is required")
	}
	s := &Server{
		broker: broker,
		logger: slog.Default(),
	}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	s.logger = s.logger.With(slogx.LoggerName("server"))
	return s, nil
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Get("/status", s.status)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
		if s.sources != nil {
			r.Handle("/sources", s.sources)
		}
		if s.clients != nil {
			r.Delete("/clients/{id}", s.forgetClient)
		}
	})
	r.Handle("/*", s.broker)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// readyz answers 503 until a source registered or the grace period ran out.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.broker.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("waiting for sources"))
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.broker.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		s.logger.DebugContext(r.Context(), "failed to write status", slogx.Error(err))
	}
}

func (s *Server) forgetClient(w http.ResponseWriter, r *http.Request) {
	s.clients.Forget(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
