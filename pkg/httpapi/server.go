// Package httpapi exposes a small operator-facing HTTP surface
// alongside the JSON-RPC broker and CLI: liveness, Prometheus metrics,
// and a Server-Sent Events stream of one workflow's progress.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sentryscan/sentryscan/pkg/events"
	"github.com/sentryscan/sentryscan/pkg/telemetry"
)

// Config controls the operator HTTP surface.
type Config struct {
	Address string
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8090"
	}
}

// HealthProvider reports the liveness-relevant state of the broker
// session and scheduler a Server is running alongside. It is optional;
// a Server built without one reports a bare "ok".
type HealthProvider interface {
	BrokerState() string
	SchedulerInFlight() int
}

// Server serves the operator HTTP surface. It holds no scan state of
// its own; it reads through to the event bus, metrics collector, and
// health provider it is given.
type Server struct {
	cfg     Config
	bus     *events.Bus
	metrics *telemetry.Metrics
	health  HealthProvider
	server  *http.Server
}

// New builds a Server. metrics and health may both be nil: a nil
// metrics collector makes /metrics report 404, and a nil health
// provider makes /healthz report a bare "ok" with no broker/scheduler
// detail.
func New(cfg Config, bus *events.Bus, metrics *telemetry.Metrics, health HealthProvider) *Server {
	cfg.SetDefaults()
	return &Server{cfg: cfg, bus: bus, metrics: metrics, health: health}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metricsHandler())
	r.Get("/events/{workflow_id}", s.handleEvents)

	return r
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	return s.metrics.Handler()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.health != nil {
		body["broker_state"] = s.health.BrokerState()
		body["scheduler_in_flight"] = s.health.SchedulerInFlight()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// handleEvents streams workflow progress events as Server-Sent
// Events, replaying any buffered events newer than from_seq before
// switching to a live feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")

	var fromSeq int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		fromSeq = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, replay, cancel := s.bus.Subscribe(workflowID, fromSeq)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range replay {
		if !writeEvent(w, ev) {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if !writeEvent(w, ev) {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return false
	}
	return true
}

// Start runs the HTTP server until Shutdown is called, returning
// http.ErrServerClosed on a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections may stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
