// Package health serves the consumer's liveness, readiness and queue stats
// endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"notifyhub/internal/types"
)

// probeTimeout bounds a full readiness check. Probes still running at the
// deadline are reported as timed out.
const probeTimeout = 2 * time.Second

// Probe checks one dependency.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

type probeFunc struct {
	name  string
	check func(ctx context.Context) error
}

func (p probeFunc) Name() string                    { return p.name }
func (p probeFunc) Check(ctx context.Context) error { return p.check(ctx) }

// ProbeFunc adapts a function to Probe.
func ProbeFunc(name string, check func(ctx context.Context) error) Probe {
	return probeFunc{name: name, check: check}
}

// StatsFunc returns a JSON-encodable snapshot, typically broker queue stats.
type StatsFunc func(ctx context.Context) (any, error)

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type response struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// Handler exposes:
//
//	GET /healthz  process liveness, always 200
//	GET /readyz   every probe, 503 when any fails or times out
//	GET /stats    StatsFunc output, 404 when no StatsFunc is set
type Handler struct {
	probes []Probe
	stats  StatsFunc
	logger types.Logger
	router *chi.Mux
}

func NewHandler(probes []Probe, stats StatsFunc, logger types.Logger) *Handler {
	h := &Handler{probes: probes, stats: stats, logger: logger, router: chi.NewRouter()}
	h.router.Get("/healthz", h.handleLive)
	h.router.Get("/readyz", h.handleReady)
	h.router.Get("/stats", h.handleStats)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	resp := check(ctx, h.probes)
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
		h.logger.Warn("Readiness check failed", "components", resp.Components)
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		http.NotFound(w, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	stats, err := h.stats(ctx)
	if err != nil {
		h.logger.Warn("Stats request failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, response{
			Status:     "unavailable",
			Components: map[string]componentStatus{"stats": {Status: "unhealthy", Message: err.Error()}},
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type probeResult struct {
	name string
	err  error
}

// check runs probes concurrently and collects results until ctx expires.
func check(ctx context.Context, probes []Probe) response {
	if len(probes) == 0 {
		return response{Status: "healthy"}
	}

	results := make(chan probeResult, len(probes))
	for _, p := range probes {
		go func(p Probe) {
			var err error
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("probe panicked: %v", r)
				}
				results <- probeResult{name: p.Name(), err: err}
			}()
			err = p.Check(ctx)
		}(p)
	}

	resp := response{Status: "healthy", Components: make(map[string]componentStatus, len(probes))}
	for range probes {
		select {
		case res := <-results:
			if res.err != nil {
				resp.Status = "unhealthy"
				resp.Components[res.name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
			} else {
				resp.Components[res.name] = componentStatus{Status: "healthy"}
			}
		case <-ctx.Done():
		}
	}

	for _, p := range probes {
		if _, ok := resp.Components[p.Name()]; !ok {
			resp.Status = "unhealthy"
			resp.Components[p.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Server runs Handler on its own listener.
type Server struct {
	srv    *http.Server
	logger types.Logger
}

func NewServer(addr string, h http.Handler, logger types.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	return s.Serve(ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Health server listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
