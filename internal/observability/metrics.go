package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trafficsim/viewer/internal/api"
	"github.com/trafficsim/viewer/pkg/core"
)

// ViewerCollector bundles Prometheus metrics for the viewer: transport
// requests, snapshot ordering, frames and the mirrored entity counts.
type ViewerCollector struct {
	gatherer prometheus.Gatherer

	Requests         *prometheus.CounterVec
	RequestDurations *prometheus.HistogramVec
	StaleSnapshots   *prometheus.CounterVec

	Entities            *prometheus.GaugeVec
	AgentsAtDestination prometheus.Gauge
	DroppedLights       prometheus.Gauge

	Frames       prometheus.Counter
	RenderErrors prometheus.Counter
}

// FrameSample is what the scheduler reports after every frame.
type FrameSample struct {
	Entities      map[core.Category]int
	AtDestination int
	DroppedLights int
	RenderErr     error
}

// NewViewerCollector registers viewer metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewViewerCollector(reg prometheus.Registerer) (*ViewerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "viewer_requests_total",
		Help: "Requests to the simulation server, labeled by endpoint and outcome.",
	}, []string{"endpoint", "outcome"}), "viewer_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "viewer_request_duration_seconds",
		Help:    "Simulation server request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"endpoint"}), "viewer_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	stale, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "viewer_stale_snapshots_total",
		Help: "Snapshots discarded because a newer one was already applied.",
	}, []string{"category"}), "viewer_stale_snapshots_total")
	if err != nil {
		return nil, err
	}

	entities, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "viewer_entities",
		Help: "Entities mirrored from the server, by category.",
	}, []string{"category"}), "viewer_entities")
	if err != nil {
		return nil, err
	}

	parked, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_agents_at_destination",
		Help: "Agents that reached a destination and are no longer drawn.",
	}), "viewer_agents_at_destination")
	if err != nil {
		return nil, err
	}

	dropped, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_dropped_lights",
		Help: "Traffic lights beyond the uniform capacity in the last frame.",
	}), "viewer_dropped_lights")
	if err != nil {
		return nil, err
	}

	frames, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "viewer_frames_total",
		Help: "Frames rendered.",
	}), "viewer_frames_total")
	if err != nil {
		return nil, err
	}

	renderErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "viewer_render_errors_total",
		Help: "Frames the renderer failed to draw.",
	}), "viewer_render_errors_total")
	if err != nil {
		return nil, err
	}

	return &ViewerCollector{
		gatherer:            gatherer,
		Requests:            requests,
		RequestDurations:    durations,
		StaleSnapshots:      stale,
		Entities:            entities,
		AgentsAtDestination: parked,
		DroppedLights:       dropped,
		Frames:              frames,
		RenderErrors:        renderErrors,
	}, nil
}

// ObserveRequest satisfies api.RequestObserver.
func (c *ViewerCollector) ObserveRequest(endpoint string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(endpoint, Outcome(err)).Inc()
	c.RequestDurations.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveStale satisfies reconcile.StaleObserver.
func (c *ViewerCollector) ObserveStale(cat core.Category) {
	if c == nil {
		return
	}
	c.StaleSnapshots.WithLabelValues(cat.String()).Inc()
}

// ObserveFrame records one rendered frame.
func (c *ViewerCollector) ObserveFrame(s FrameSample) {
	if c == nil {
		return
	}
	c.Frames.Inc()
	if s.RenderErr != nil {
		c.RenderErrors.Inc()
	}
	for cat, n := range s.Entities {
		c.Entities.WithLabelValues(cat.String()).Set(float64(n))
	}
	c.AgentsAtDestination.Set(float64(s.AtDestination))
	c.DroppedLights.Set(float64(s.DroppedLights))
}

// Outcome buckets a request error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, api.ErrNetwork):
		return "network_error"
	default:
		return "malformed"
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ViewerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *ViewerCollector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
