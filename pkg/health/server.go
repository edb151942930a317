// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the part of the packet engine the server reports on.
type Engine interface {
	// Running reports whether packet workers are accepting work.
	Running() bool
	// Targets returns the acquisition ids that have a root context.
	Targets() []string
	// Dump writes the live context tree of liid.
	Dump(liid string, w io.Writer) error
}

// Readiness reasons.
const (
	reasonDraining  = "draining"
	reasonStopped   = "engine not running"
	reasonNoTargets = "no targets"
)

// Server exposes the engine over HTTP:
//
//	/health   liveness and context tree totals
//	/ready    200 once the engine runs with at least one target
//	/stats    counter snapshot
//	/tree     live context tree of one target, or all of them
//	/metrics  Prometheus exposition
type Server struct {
	logger  *zap.Logger
	stats   *Stats
	engine  Engine
	version string
	addr    string

	draining atomic.Bool
	httpSrv  *http.Server
}

// NewServer creates a server reporting on eng and stats.
func NewServer(addr, version string, stats *Stats, eng Engine, logger *zap.Logger) *Server {
	return &Server{
		logger:  logger,
		stats:   stats,
		engine:  eng,
		version: version,
		addr:    addr,
	}
}

// Drain makes /ready fail so the instance is taken out of rotation before
// shutdown.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/tree", s.handleTree)
	mux.Handle("/metrics", promhttp.HandlerFor(s.stats.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()
	s.logger.Info("health server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

type contextCounts struct {
	Live     int64 `json:"live"`
	Created  int64 `json:"created"`
	Reaped   int64 `json:"reaped"`
	Released int64 `json:"released"`
}

type healthResponse struct {
	Status         string        `json:"status"`
	Version        string        `json:"version"`
	Uptime         string        `json:"uptime"`
	Targets        int           `json:"targets"`
	Contexts       contextCounts `json:"contexts"`
	Packets        int64         `json:"packets"`
	CallbackErrors int64         `json:"callback_errors"`
}

type readyResponse struct {
	Ready   bool     `json:"ready"`
	Reason  string   `json:"reason,omitempty"`
	Targets []string `json:"targets"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "serving",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
		Targets: len(s.engine.Targets()),
		Contexts: contextCounts{
			Live:     snap.ContextsLive,
			Created:  snap.ContextsCreated,
			Reaped:   snap.ContextsReaped,
			Released: snap.ContextsReleased,
		},
		Packets:        snap.Packets,
		CallbackErrors: snap.CallbackErrors,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	resp := readyResponse{Targets: s.engine.Targets()}
	switch {
	case s.draining.Load():
		resp.Reason = reasonDraining
	case !s.engine.Running():
		resp.Reason = reasonStopped
	case len(resp.Targets) == 0:
		resp.Reason = reasonNoTargets
	default:
		resp.Ready = true
	}
	if resp.Targets == nil {
		resp.Targets = []string{}
	}

	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// handleTree dumps the tree of ?liid=, or of every target when absent.
func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	liids := s.engine.Targets()
	if liid := r.URL.Query().Get("liid"); liid != "" {
		liids = []string{liid}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, liid := range liids {
		if err := s.engine.Dump(liid, w); err != nil {
			if len(liids) == 1 {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			s.logger.Debug("tree dump failed", zap.String("liid", liid), zap.Error(err))
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
