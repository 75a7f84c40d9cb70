// SPDX-License-Identifier: MIT

// Package health serves the engine's /healthz and /metrics endpoints,
// using real client_golang collectors for Prometheus exposition and an
// HdrHistogram-backed latency recorder so stop()/merge-tick timings are
// observable rather than just asserted in tests.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider supplies the daemon's live session snapshot. The session
// façade implements the subset health needs through a small adapter in
// cmd/loopcast-engine, keeping internal/session free of a health import.
type StatusProvider interface {
	State() string
	DurationMS() int64
	WindowSegments() int
	BufferedDurationMS() int64
}

// Response is the JSON body served at /healthz.
type Response struct {
	Status              string    `json:"status"`
	Timestamp           time.Time `json:"timestamp"`
	State               string    `json:"state"`
	DurationMS          int64     `json:"duration_ms"`
	WindowSegments      int       `json:"window_segments"`
	BufferedDurationMS  int64     `json:"buffered_duration_ms"`
}

// Metrics holds the engine's Prometheus collectors plus two HdrHistogram
// recorders for latency distributions that don't fit Prometheus's
// exponential-bucket histograms well at microsecond resolution.
type Metrics struct {
	registry *prometheus.Registry

	windowSegments   prometheus.Gauge
	bufferedDuration prometheus.Gauge
	planMergedSkew   prometheus.Gauge
	waveformEmits    prometheus.Counter
	mergeTicks       prometheus.Counter
	mergeFailures    prometheus.Counter

	stopLatency  *hdrhistogram.Histogram
	tickLatency  *hdrhistogram.Histogram
}

// NewMetrics registers the engine's collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		windowSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopcast_window_segments",
			Help: "Number of segments currently admitted to the rolling window.",
		}),
		bufferedDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopcast_buffered_duration_ms",
			Help: "Total duration of audio currently buffered in the rolling window.",
		}),
		planMergedSkew: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopcast_plan_merged_version_skew",
			Help: "plan_version minus merged_version; nonzero while the background merger is catching up.",
		}),
		waveformEmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_waveform_emits_total",
			Help: "Total waveform_data events emitted to subscribers.",
		}),
		mergeTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_merge_ticks_total",
			Help: "Total background merger ticks observed, including ticks with nothing to merge.",
		}),
		mergeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_merge_failures_total",
			Help: "Total background merger ticks that returned an error.",
		}),
		// 1 microsecond floor, 10 second ceiling, 3 significant digits:
		// generous enough for sub-300ms stop latencies while keeping the
		// histogram's memory footprint small.
		stopLatency: hdrhistogram.New(1, 10_000_000, 3),
		tickLatency: hdrhistogram.New(1, 10_000_000, 3),
	}
	reg.MustRegister(m.windowSegments, m.bufferedDuration, m.planMergedSkew,
		m.waveformEmits, m.mergeTicks, m.mergeFailures)
	return m
}

// SetWindowState updates the window-derived gauges.
func (m *Metrics) SetWindowState(segments int, bufferedMS, planVersionSkew int64) {
	m.windowSegments.Set(float64(segments))
	m.bufferedDuration.Set(float64(bufferedMS))
	m.planMergedSkew.Set(float64(planVersionSkew))
}

// IncWaveformEmit counts one waveform_data event.
func (m *Metrics) IncWaveformEmit() { m.waveformEmits.Inc() }

// ObserveMergeTick records a completed merger tick's latency and outcome.
func (m *Metrics) ObserveMergeTick(d time.Duration, err error) {
	m.mergeTicks.Inc()
	if err != nil {
		m.mergeFailures.Inc()
	}
	_ = m.tickLatency.RecordValue(d.Microseconds())
}

// ObserveStop records one stop() call's end-to-end latency.
func (m *Metrics) ObserveStop(d time.Duration) {
	_ = m.stopLatency.RecordValue(d.Microseconds())
}

// StopLatencyPercentile returns the given percentile (0-100) of recorded
// stop() latencies, in microseconds.
func (m *Metrics) StopLatencyPercentile(p float64) int64 {
	return m.stopLatency.ValueAtQuantile(p)
}

// TickLatencyPercentile returns the given percentile (0-100) of recorded
// merge-tick latencies, in microseconds.
func (m *Metrics) TickLatencyPercentile(p float64) int64 {
	return m.tickLatency.ValueAtQuantile(p)
}

// Handler serves /healthz (JSON) and /metrics (Prometheus text exposition).
type Handler struct {
	provider StatusProvider
	metrics  *Metrics
	mux      *http.ServeMux
}

// NewHandler builds the combined health/metrics handler.
func NewHandler(provider StatusProvider, metrics *Metrics) *Handler {
	h := &Handler{provider: provider, metrics: metrics, mux: http.NewServeMux()}
	h.mux.HandleFunc("/healthz", h.serveHealth)
	h.mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Timestamp: time.Now(), Status: "healthy"}
	if h.provider != nil {
		resp.State = h.provider.State()
		resp.DurationMS = h.provider.DurationMS()
		resp.WindowSegments = h.provider.WindowSegments()
		resp.BufferedDurationMS = h.provider.BufferedDurationMS()
	} else {
		resp.Status = "unknown"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// ListenAndServeReady starts the health/metrics HTTP server on addr,
// signaling readiness on ready (if non-nil) once bound, and shutting down
// gracefully when ctx is cancelled. Binding happens on the caller's
// goroutine so port-in-use failures surface immediately instead of being
// swallowed in a detached goroutine.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
