// Package metrics defines the Prometheus collectors lightway-server
// exposes on /metrics, and the small HTTP server that serves them.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks the number of sessions currently in each
	// lifecycle state.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lightway_sessions_active",
		Help: "Number of sessions currently in each lifecycle state",
	}, []string{"state"})

	// SessionsTotal counts sessions that have been torn down, by reason.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightway_sessions_total",
		Help: "Total sessions torn down, by disconnect reason",
	}, []string{"reason"})

	// IpPoolAllocated tracks the number of inside addresses currently
	// allocated to a session.
	IpPoolAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lightway_ippool_allocated",
		Help: "Number of inside addresses currently allocated",
	})

	// IpPoolFree tracks the number of inside addresses immediately
	// available for allocation (excludes quarantined addresses).
	IpPoolFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lightway_ippool_free",
		Help: "Number of inside addresses immediately available for allocation",
	})

	// ExpresslaneReplayDropped counts dropped Expresslane packets, by reason
	// (open_failed: rejected by Codec.Open's replay window or
	// authentication; inbox_full: the owning session's inbox was full).
	ExpresslaneReplayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightway_expresslane_replay_dropped_total",
		Help: "Expresslane packets dropped by Codec.Open or a full session inbox",
	}, []string{"reason"})

	// ExpresslaneRotations counts completed Expresslane key rotations, by
	// direction (send, recv).
	ExpresslaneRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightway_expresslane_rotations_total",
		Help: "Completed Expresslane key rotations",
	}, []string{"direction"})

	// InsideDropped counts inside-network packets dropped before reaching
	// a client, by reason (no_owner, inbox_full).
	InsideDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightway_inside_drops_total",
		Help: "Inside-network packets dropped before delivery",
	}, []string{"reason"})

	// FrameBytes counts Expresslane data-plane packet bytes, by direction
	// (inbound, outbound).
	FrameBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightway_frame_bytes_total",
		Help: "Expresslane data-plane packet bytes transferred",
	}, []string{"direction"})
)

// Server wraps the /metrics scrape endpoint as its own small HTTP server,
// separate from the control/data listeners. Grounded on
// joaobrasildev-poc-connection-pooling-for-some-rds's cmd/proxy/main.go
// metrics server wiring.
type Server struct {
	http *http.Server
}

// NewServer builds a metrics HTTP server bound to addr, not yet listening.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{http: &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}}
}

// ListenAndServe blocks serving /metrics until the server is closed.
func (s *Server) ListenAndServe() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }
