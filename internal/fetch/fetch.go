// Package fetch runs network cycles against the simulation server and posts
// what comes back to a mailbox for the frame loop.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trafficsim/viewer/internal/api"
	"github.com/trafficsim/viewer/internal/queue"
	"github.com/trafficsim/viewer/pkg/core"
)

// ErrTickFailed is returned by Cycle when the server did not advance, in which
// case nothing is refetched.
var ErrTickFailed = errors.New("tick failed")

// Kind says which field of a Result is set.
type Kind int

const (
	KindSnapshot Kind = iota
	KindStats
)

// Result is one successful response, tagged with the sequence number of the
// cycle that requested it.
type Result struct {
	Kind       Kind
	Category   core.Category
	Seq        uint64
	Records    []core.Record
	Stats      core.Stats
	ReceivedAt time.Time
}

// Source is the subset of the API client used here.
type Source interface {
	Init(ctx context.Context, params api.InitParams) (api.Ack, error)
	Tick(ctx context.Context) (api.Ack, error)
	Snapshot(ctx context.Context, cat core.Category) ([]core.Record, error)
	Stats(ctx context.Context) (core.Stats, error)
}

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// BootstrapOrder is the order categories are fetched in before the first frame.
var BootstrapOrder = []core.Category{
	core.CategoryTrafficLight,
	core.CategoryAgent,
	core.CategoryBuilding,
	core.CategoryRoad,
	core.CategoryDestination,
}

// cycleOrder is what every network cycle refetches after a tick.
var cycleOrder = []core.Category{
	core.CategoryAgent,
	core.CategoryTrafficLight,
}

// Fetcher issues requests and posts results to a mailbox.
type Fetcher struct {
	src    Source
	out    *queue.Mailbox[Result]
	logger Logger
	now    func() time.Time

	seq          atomic.Uint64
	inFlight     atomic.Int64
	lastDuration atomic.Int64

	// OTEL metrics
	cycles   metric.Int64Counter
	failures metric.Int64Counter
	results  metric.Int64Counter
	duration metric.Float64Histogram
	pending  metric.Int64ObservableGauge
}

// New creates a Fetcher posting to out.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(src Source, out *queue.Mailbox[Result], logger Logger) (*Fetcher, error) {
	f := &Fetcher{
		src:    src,
		out:    out,
		logger: logger,
		now:    time.Now,
	}

	m := meter()

	var err error

	f.cycles, err = m.Int64Counter(
		"fetch.cycles",
		metric.WithDescription("Network cycles started"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cycles counter: %w", err)
	}

	f.failures, err = m.Int64Counter(
		"fetch.failures",
		metric.WithDescription("Failed requests by endpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failures counter: %w", err)
	}

	f.results, err = m.Int64Counter(
		"fetch.results",
		metric.WithDescription("Results posted to the mailbox"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating results counter: %w", err)
	}

	f.duration, err = m.Float64Histogram(
		"fetch.cycle.duration",
		metric.WithDescription("Network cycle duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	f.pending, err = m.Int64ObservableGauge(
		"fetch.cycles.in_flight",
		metric.WithDescription("Network cycles currently running"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating in-flight gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(f.pending, f.inFlight.Load())
			return nil
		},
		f.pending,
	)
	if err != nil {
		return nil, fmt.Errorf("registering in-flight callback: %w", err)
	}

	return f, nil
}

// NextSeq reserves the next snapshot sequence number.
func (f *Fetcher) NextSeq() uint64 {
	return f.seq.Add(1)
}

// InFlight returns the number of cycles currently running.
func (f *Fetcher) InFlight() int64 {
	return f.inFlight.Load()
}

// LastDuration returns how long the most recent finished cycle took.
func (f *Fetcher) LastDuration() time.Duration {
	return time.Duration(f.lastDuration.Load())
}

// Launch reserves a sequence number and runs one cycle on its own goroutine.
// A cycle still in flight does not prevent a new one.
func (f *Fetcher) Launch(ctx context.Context) uint64 {
	seq := f.NextSeq()
	go func() {
		_ = f.Cycle(ctx, seq)
	}()
	return seq
}

// Cycle advances the simulation one tick and refetches agents, lights and
// stats. Failures are logged and counted; each successful response is posted
// on its own so one bad endpoint does not hold back the others.
func (f *Fetcher) Cycle(ctx context.Context, seq uint64) error {
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	start := time.Now()
	f.cycles.Add(ctx, 1)
	f.logger.Debug("network cycle started", "seq", seq)

	defer func() {
		d := time.Since(start)
		f.lastDuration.Store(int64(d))
		f.duration.Record(ctx, d.Seconds())
	}()

	if _, err := f.src.Tick(ctx); err != nil {
		f.fail(ctx, api.PathUpdate, seq, err)
		return fmt.Errorf("%w: %w", ErrTickFailed, err)
	}

	var errs []error
	for _, cat := range cycleOrder {
		if err := f.snapshot(ctx, cat, seq); err != nil {
			errs = append(errs, err)
		}
	}

	stats, err := f.src.Stats(ctx)
	if err != nil {
		f.fail(ctx, api.PathStats, seq, err)
		errs = append(errs, err)
	} else {
		f.post(ctx, Result{Kind: KindStats, Seq: seq, Stats: stats, ReceivedAt: f.now()})
	}

	f.logger.Debug("network cycle complete", "seq", seq, "duration", time.Since(start))
	return errors.Join(errs...)
}

// Bootstrap initializes the simulation and fetches every category once, in
// BootstrapOrder. An init failure is logged and the snapshots are still
// attempted, so a viewer attached to a running server picks up its state.
func (f *Fetcher) Bootstrap(ctx context.Context, params api.InitParams) error {
	seq := f.NextSeq()

	var errs []error
	ack, err := f.src.Init(ctx, params)
	if err != nil {
		f.fail(ctx, api.PathInit, seq, err)
		errs = append(errs, err)
	} else {
		f.logger.Info("Simulation initialized",
			"agents", params.NAgents,
			"width", params.Width,
			"height", params.Height,
			"message", ack.Message)
	}

	for _, cat := range BootstrapOrder {
		if err := f.snapshot(ctx, cat, seq); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fetcher) snapshot(ctx context.Context, cat core.Category, seq uint64) error {
	records, err := f.src.Snapshot(ctx, cat)
	if err != nil {
		f.fail(ctx, api.SnapshotPath(cat), seq, err)
		return err
	}
	f.post(ctx, Result{
		Kind:       KindSnapshot,
		Category:   cat,
		Seq:        seq,
		Records:    records,
		ReceivedAt: f.now(),
	})
	return nil
}

func (f *Fetcher) post(ctx context.Context, r Result) {
	f.out.Post(r)
	kind := "stats"
	if r.Kind == KindSnapshot {
		kind = r.Category.String()
	}
	f.results.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (f *Fetcher) fail(ctx context.Context, endpoint string, seq uint64, err error) {
	f.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	if errors.Is(err, context.Canceled) {
		f.logger.Debug("request cancelled", "endpoint", endpoint, "seq", seq)
		return
	}
	f.logger.Error("request failed", "endpoint", endpoint, "seq", seq, "error", err)
}
