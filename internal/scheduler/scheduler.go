// Package scheduler owns the frame loop: it applies fetched snapshots, paces
// network cycles, interpolates agents, packs lights and hands frames to the
// renderer.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cogentcore.org/core/math32"

	"github.com/trafficsim/viewer/internal/api"
	"github.com/trafficsim/viewer/internal/fetch"
	"github.com/trafficsim/viewer/internal/geo"
	"github.com/trafficsim/viewer/internal/interp"
	"github.com/trafficsim/viewer/internal/lights"
	"github.com/trafficsim/viewer/internal/observability"
	"github.com/trafficsim/viewer/internal/queue"
	"github.com/trafficsim/viewer/internal/reconcile"
	"github.com/trafficsim/viewer/internal/render"
	"github.com/trafficsim/viewer/internal/store"
	"github.com/trafficsim/viewer/pkg/core"
	"github.com/trafficsim/viewer/pkg/streaming"
)

const (
	DefaultFPS            = 60
	DefaultUpdateInterval = 100 * time.Millisecond
)

// Clock supplies frame timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds frame loop settings.
type Config struct {
	UpdateInterval time.Duration
	FPS            int
	Tolerance      float32
	MaxLights      int
	CameraOffset   math32.Vector3
	Init           api.InitParams
	Meshes         render.Meshes
}

func (c Config) withDefaults() Config {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.Tolerance <= 0 {
		c.Tolerance = geo.DefaultTolerance
	}
	if c.MaxLights <= 0 {
		c.MaxLights = lights.DefaultMax
	}
	return c
}

// ViewerState is everything a frame is drawn from. Only the frame goroutine
// touches it.
type ViewerState struct {
	Store  *store.EntityStore
	Camera streaming.Camera
	Lights *lights.Uniforms
	Stats  core.Stats
	Frames uint64
}

// FrameObserver is told about every rendered frame.
type FrameObserver interface {
	ObserveFrame(s observability.FrameSample)
}

// StatsSink receives every stats result applied by the frame loop.
type StatsSink interface {
	WriteStats(ctx context.Context, stats core.Stats, agentsVisible, lights int) error
}

// Status is a point-in-time summary safe to read from any goroutine.
type Status struct {
	Frames        uint64            `json:"frames"`
	Seq           uint64            `json:"seq"`
	AppliedSeq    map[string]uint64 `json:"appliedSeq"`
	Entities      map[string]int    `json:"entities"`
	AtDestination int               `json:"atDestination"`
	DroppedLights int               `json:"droppedLights"`
	Stats         core.Stats        `json:"stats"`
	InFlight      int64             `json:"inFlight"`
	Pending       int               `json:"pending"`
	LastCycleMs   float32           `json:"lastCycleMs"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Scheduler drives the viewer one frame at a time.
type Scheduler struct {
	cfg      Config
	clock    Clock
	logger   *slog.Logger
	observer FrameObserver
	sink     StatsSink

	state      *ViewerState
	mailbox    *queue.Mailbox[fetch.Result]
	fetcher    *fetch.Fetcher
	reconciler *reconcile.Engine
	interp     *interp.Engine
	packer     *lights.Packer
	renderer   render.Renderer
	handles    render.Handles
	frame      render.Frame

	reconcileOpts []reconcile.Option

	lastNetwork  time.Time
	lastStatsSeq uint64
	lastDropped  int
	visible      int

	frameNo atomic.Uint64
	seq     atomic.Uint64

	mu     sync.RWMutex
	status Status
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithFrameObserver reports every frame, typically to the metrics collector.
func WithFrameObserver(o FrameObserver) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// WithStatsSink forwards stats results, typically to InfluxDB.
func WithStatsSink(sink StatsSink) Option {
	return func(s *Scheduler) {
		s.sink = sink
	}
}

// WithReconcileOptions passes options through to the reconciliation engine.
func WithReconcileOptions(opts ...reconcile.Option) Option {
	return func(s *Scheduler) {
		s.reconcileOpts = append(s.reconcileOpts, opts...)
	}
}

// New wires a scheduler around src and renderer.
func New(cfg Config, src fetch.Source, renderer render.Renderer, opts ...Option) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:      cfg,
		clock:    systemClock{},
		logger:   slog.Default(),
		mailbox:  queue.New[fetch.Result](),
		renderer: renderer,
		packer:   lights.New(cfg.MaxLights),
		interp:   interp.New(cfg.Tolerance),
	}
	for _, opt := range opts {
		opt(s)
	}

	fetcher, err := fetch.New(src, s.mailbox, s.logger)
	if err != nil {
		return nil, fmt.Errorf("creating fetcher: %w", err)
	}
	s.fetcher = fetcher

	st := store.New()
	rOpts := append([]reconcile.Option{reconcile.WithLogger(s.logger)}, s.reconcileOpts...)
	s.reconciler = reconcile.New(st, cfg.UpdateInterval, rOpts...)

	s.state = &ViewerState{
		Store:  st,
		Camera: render.NewCamera(cfg.CameraOffset, cfg.Init.Width, cfg.Init.Height),
		Lights: s.packer.Uniforms(),
	}
	return s, nil
}

// State returns the viewer state. It must only be used from the frame
// goroutine.
func (s *Scheduler) State() *ViewerState {
	return s.state
}

// Bootstrap creates scene resources, initializes the simulation and applies
// one snapshot of every category. Only a renderer failure is returned; network
// failures leave the viewer with whatever arrived.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	handles, err := s.renderer.CreateSceneResources(ctx, render.MeshDescriptors(s.cfg.Meshes))
	if err != nil {
		return fmt.Errorf("creating scene resources: %w", err)
	}
	s.handles = handles

	if err := s.fetcher.Bootstrap(ctx, s.cfg.Init); err != nil {
		s.logger.Warn("Bootstrap incomplete, continuing with partial state", "error", err)
	}

	now := s.clock.Now()
	s.drain(ctx, now)
	s.lastNetwork = now

	counts := s.state.Store.Counts()
	s.logger.Info("Bootstrap complete",
		"agents", counts[core.CategoryAgent],
		"lights", counts[core.CategoryTrafficLight],
		"buildings", counts[core.CategoryBuilding],
		"roads", counts[core.CategoryRoad],
		"destinations", counts[core.CategoryDestination])
	return nil
}

// Frame runs one iteration of the loop at time now. A render error is logged,
// counted and returned; it never stops the loop.
func (s *Scheduler) Frame(ctx context.Context, now time.Time) error {
	s.drain(ctx, now)

	if now.Sub(s.lastNetwork) >= s.cfg.UpdateInterval {
		s.lastNetwork = now
		s.seq.Store(s.fetcher.Launch(ctx))
	}

	st := s.state.Store
	res := s.interp.Frame(now, st.All(core.CategoryAgent), st.All(core.CategoryDestination))
	if res.Arrived > 0 {
		s.logger.Debug("Agents reached destination", "arrived", res.Arrived, "parked", res.Parked)
	}
	s.visible = res.Moving

	lr := s.packer.Pack(st.All(core.CategoryTrafficLight))
	if lr.Dropped != s.lastDropped {
		if lr.Dropped > 0 {
			s.logger.Warn("Light capacity exceeded",
				"max", s.packer.Max(),
				"lights", lr.Count+lr.Dropped,
				"dropped", lr.Dropped)
		}
		s.lastDropped = lr.Dropped
	}

	n := s.frameNo.Add(1)
	s.state.Frames = n
	s.frame.Number = n
	s.frame.Time = now
	s.frame.Camera = s.state.Camera
	s.frame.Lights = s.state.Lights
	s.frame.Stats = s.state.Stats
	render.BuildInstances(&s.frame, st)

	err := s.renderer.RenderFrame(ctx, s.handles, &s.frame)
	if err != nil {
		s.logger.Error("Render failed", "frame", n, "error", err)
	}

	counts := st.Counts()
	if s.observer != nil {
		s.observer.ObserveFrame(observability.FrameSample{
			Entities:      counts,
			AtDestination: res.Parked,
			DroppedLights: lr.Dropped,
			RenderErr:     err,
		})
	}
	s.publish(now, counts, res.Parked, lr.Dropped)
	return err
}

// Run renders frames at the configured rate until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	s.logger.Info("Frame loop started", "fps", s.cfg.FPS, "updateInterval", s.cfg.UpdateInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Frame loop stopped", "frames", s.frameNo.Load())
			return
		case <-ticker.C:
			_ = s.Frame(ctx, s.clock.Now())
		}
	}
}

// drain applies every result posted since the last frame.
func (s *Scheduler) drain(ctx context.Context, now time.Time) {
	for _, r := range s.mailbox.Take() {
		if r.Kind == fetch.KindStats {
			s.applyStats(ctx, r)
			continue
		}
		out := s.reconciler.Apply(now, reconcile.Snapshot{
			Category: r.Category,
			Seq:      r.Seq,
			Records:  r.Records,
		})
		if out.Created > 0 {
			s.logger.Debug("Entities created",
				"category", r.Category.String(),
				"seq", r.Seq,
				"created", out.Created)
		}
	}
}

func (s *Scheduler) applyStats(ctx context.Context, r fetch.Result) {
	if r.Seq < s.lastStatsSeq {
		s.logger.Debug("Discarding stale stats", "seq", r.Seq, "lastApplied", s.lastStatsSeq)
		return
	}
	s.lastStatsSeq = r.Seq
	s.state.Stats = r.Stats

	if s.sink == nil {
		return
	}
	if err := s.sink.WriteStats(ctx, r.Stats, s.visible, s.state.Store.Len(core.CategoryTrafficLight)); err != nil {
		s.logger.Warn("Failed to export stats", "seq", r.Seq, "error", err)
	}
}

func (s *Scheduler) publish(now time.Time, counts map[core.Category]int, parked, dropped int) {
	entities := make(map[string]int, len(counts))
	for cat, n := range counts {
		entities[cat.String()] = n
	}
	applied := make(map[string]uint64, len(core.Categories))
	for _, cat := range core.Categories {
		if seq, ok := s.reconciler.LastSeq(cat); ok {
			applied[cat.String()] = seq
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Status{
		Frames:        s.frameNo.Load(),
		Seq:           s.seq.Load(),
		AppliedSeq:    applied,
		Entities:      entities,
		AtDestination: parked,
		DroppedLights: dropped,
		Stats:         s.state.Stats,
		InFlight:      s.fetcher.InFlight(),
		Pending:       s.mailbox.Pending(),
		LastCycleMs:   float32(s.fetcher.LastDuration().Microseconds()) / 1000,
		UpdatedAt:     now,
	}
}

// Status returns the summary published by the most recent frame.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LogAttrs returns the current frame and tick sequence for log records.
func (s *Scheduler) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.Uint64("frame", s.frameNo.Load()),
		slog.Uint64("seq", s.seq.Load()),
	}
}
