// Package metrics exposes the service's ambient ops surface: a chi
// `/healthz` liveness probe and a Prometheus-text `/metrics` endpoint
// reporting pool fill, publisher breaker state and drops, processed/dropped
// tick counts, order-executor queue and DLQ size, and instrument registry
// size, alongside host CPU and memory-used percentages (batcher depth is
// not reported). The full REST control plane is
// served by a separate control-plane deployment; this is only the thin
// health/ops surface every long-running service needs.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketstream/internal/reliability"
)

// PoolStats is the subset of broker.ConnectionStats the health surface
// reports, kept as a local shape so this package doesn't import
// internal/broker just for a struct tag.
type PoolStats struct {
	AccountID    string
	ConnectionID string
	Capacity     int
	Subscribed   int
	Connected    bool
}

// Collectors are the read-only snapshots the metrics endpoint renders.
// Every field is optional: a nil function is simply omitted from the
// response instead of panicking, so metrics can be wired up incrementally
// as components start.
type Collectors struct {
	PoolStats          func() []PoolStats
	PublisherState     func() (state reliability.CircuitState, dropped int64)
	ProcessorProcessed func() (processed, dropped int64)
	OrderQueueDepth    func() (pending, deadLetter int)
	InstrumentCount    func() int
}

// Server is the minimal chi-routed health/metrics HTTP surface.
type Server struct {
	cfg    Collectors
	log    zerolog.Logger
	router chi.Router
	server *http.Server
}

// New constructs a Server listening on port, wired with cfg's collectors.
func New(port int, cfg Collectors, log zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "metrics_server").Logger(),
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/metrics", s.handleMetrics)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully. Intended to be run under reliability.TaskMonitor.Spawn.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleMetrics renders a Prometheus-text exposition of whatever
// collectors are wired. Using getSystemStats-style short-interval sampling
// (100ms CPU window) so the endpoint stays fast under a health-check
// poller that itself has a short timeout.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to sample cpu percent")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	fmt.Fprintf(&b, "marketstream_process_cpu_percent %f\n", cpuAvg)

	if memStat, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(&b, "marketstream_process_mem_used_percent %f\n", memStat.UsedPercent)
	}

	if s.cfg.PoolStats != nil {
		for _, p := range s.cfg.PoolStats() {
			fmt.Fprintf(&b, "marketstream_broker_connection_subscribed{account=%q,connection=%q} %d\n", p.AccountID, p.ConnectionID, p.Subscribed)
			fmt.Fprintf(&b, "marketstream_broker_connection_capacity{account=%q,connection=%q} %d\n", p.AccountID, p.ConnectionID, p.Capacity)
			connected := 0
			if p.Connected {
				connected = 1
			}
			fmt.Fprintf(&b, "marketstream_broker_connection_connected{account=%q,connection=%q} %d\n", p.AccountID, p.ConnectionID, connected)
		}
	}

	if s.cfg.PublisherState != nil {
		state, dropped := s.cfg.PublisherState()
		fmt.Fprintf(&b, "marketstream_publisher_circuit_state{state=%q} 1\n", state.String())
		fmt.Fprintf(&b, "marketstream_publisher_dropped_total %d\n", dropped)
	}

	if s.cfg.ProcessorProcessed != nil {
		processed, dropped := s.cfg.ProcessorProcessed()
		fmt.Fprintf(&b, "marketstream_ticks_processed_total %d\n", processed)
		fmt.Fprintf(&b, "marketstream_ticks_dropped_total %d\n", dropped)
	}

	if s.cfg.OrderQueueDepth != nil {
		pending, deadLetter := s.cfg.OrderQueueDepth()
		fmt.Fprintf(&b, "marketstream_order_queue_pending %d\n", pending)
		fmt.Fprintf(&b, "marketstream_order_queue_dead_letter %d\n", deadLetter)
	}

	if s.cfg.InstrumentCount != nil {
		fmt.Fprintf(&b, "marketstream_instrument_registry_size %d\n", s.cfg.InstrumentCount())
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}
