package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficsim/viewer/internal/api"
	"github.com/trafficsim/viewer/internal/fetch"
	"github.com/trafficsim/viewer/internal/observability"
	"github.com/trafficsim/viewer/internal/render"
	"github.com/trafficsim/viewer/pkg/core"
	"github.com/trafficsim/viewer/pkg/streaming"
)

// simServer mimics the simulation server. Agent 1 moves one cell along x per
// tick; agent 2 sits on the only destination.
type simServer struct {
	ticks  atomic.Int32
	inits  atomic.Int32
	lights int

	mu   sync.Mutex
	init api.InitParams
}

func newSimServer(t *testing.T, lights int) (*httptest.Server, *simServer) {
	t.Helper()
	sim := &simServer{lights: lights}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case api.PathInit:
			var p api.InitParams
			_ = json.NewDecoder(r.Body).Decode(&p)
			sim.mu.Lock()
			sim.init = p
			sim.mu.Unlock()
			sim.inits.Add(1)
			_, _ = w.Write([]byte(`{"message":"Parameters recieved, model initiated."}`))
		case api.PathUpdate:
			n := sim.ticks.Add(1)
			fmt.Fprintf(w, `{"message":"Model updated to step %d.","currentStep":%d}`, n, n)
		case api.PathAgents:
			fmt.Fprintf(w, `{"positions":[{"id":1,"x":%d,"y":0,"z":0},{"id":2,"x":5,"y":0,"z":5}]}`, sim.ticks.Load())
		case api.PathLights:
			entries := make([]string, 0, sim.lights)
			for i := 0; i < sim.lights; i++ {
				entries = append(entries, fmt.Sprintf(`{"id":"tl_%d","x":%d,"y":1,"z":0,"state":%t}`, i, i, i%2 == 0))
			}
			fmt.Fprintf(w, `{"positions":[%s]}`, strings.Join(entries, ","))
		case api.PathBuildings:
			_, _ = w.Write([]byte(`{"positions":[{"id":"b_1","x":3,"y":0,"z":3}]}`))
		case api.PathRoads:
			_, _ = w.Write([]byte(`{"positions":[{"id":"r_1","x":0,"y":0,"z":0,"direction":"Right"}]}`))
		case api.PathDestinations:
			_, _ = w.Write([]byte(`{"positions":[{"id":"d_1","x":5,"y":0,"z":5}]}`))
		case api.PathStats:
			fmt.Fprintf(w, `{"in_grid":2,"reached_destination":%d}`, sim.ticks.Load())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, sim
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeRenderer struct {
	mu        sync.Mutex
	frames    int
	instances []streaming.Instance
	fail      bool
}

func (r *fakeRenderer) CreateSceneResources(_ context.Context, meshes []streaming.MeshDescriptor) (render.Handles, error) {
	h := make(render.Handles, len(meshes))
	for i, m := range meshes {
		h[m.Key] = uint32(i + 1)
	}
	return h, nil
}

func (r *fakeRenderer) RenderFrame(_ context.Context, _ render.Handles, f *render.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("device lost")
	}
	r.frames++
	r.instances = append(r.instances[:0], f.Instances...)
	return nil
}

func (r *fakeRenderer) Close() error { return nil }

func (r *fakeRenderer) count(mesh string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inst := range r.instances {
		if inst.Mesh == mesh {
			n++
		}
	}
	return n
}

type frameRecorder struct {
	samples []observability.FrameSample
}

func (f *frameRecorder) ObserveFrame(s observability.FrameSample) {
	f.samples = append(f.samples, s)
}

type statsRecorder struct {
	mu    sync.Mutex
	stats []core.Stats
}

func (s *statsRecorder) WriteStats(_ context.Context, stats core.Stats, _, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stats)
	return nil
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, lights int, cfg Config, opts ...Option) (*Scheduler, *simServer, *fakeRenderer) {
	t.Helper()
	srv, sim := newSimServer(t, lights)
	r := &fakeRenderer{}

	cfg.Init = api.InitParams{NAgents: 2, Width: 10, Height: 10}
	cfg.Meshes = render.DefaultMeshes()
	opts = append([]Option{
		WithClock(&fakeClock{now: t0}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	s, err := New(cfg, api.New(srv.URL), r, opts...)
	require.NoError(t, err)
	return s, sim, r
}

func ctxForTest(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestBootstrapAppliesEveryCategory(t *testing.T) {
	s, sim, _ := newTestScheduler(t, 2, Config{})
	require.NoError(t, s.Bootstrap(ctxForTest(t)))

	assert.Equal(t, int32(1), sim.inits.Load())
	sim.mu.Lock()
	assert.Equal(t, api.InitParams{NAgents: 2, Width: 10, Height: 10}, sim.init)
	sim.mu.Unlock()

	st := s.State().Store
	assert.Equal(t, 2, st.Len(core.CategoryAgent))
	assert.Equal(t, 2, st.Len(core.CategoryTrafficLight))
	assert.Equal(t, 1, st.Len(core.CategoryBuilding))
	assert.Equal(t, 1, st.Len(core.CategoryRoad))
	assert.Equal(t, 1, st.Len(core.CategoryDestination))

	assert.Equal(t, [3]float32{5, 9, 14}, s.State().Camera.Position)
}

func TestBootstrap_ServerDownIsNotFatal(t *testing.T) {
	r := &fakeRenderer{}
	s, err := New(Config{Meshes: render.DefaultMeshes()}, api.New("http://127.0.0.1:1"), r,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	require.NoError(t, s.Bootstrap(ctxForTest(t)))
	require.NoError(t, s.Frame(ctxForTest(t), t0))

	assert.Equal(t, 1, r.frames)
	assert.Equal(t, 0, s.State().Store.Len(core.CategoryAgent))
}

func TestFrame_NetworkGating(t *testing.T) {
	s, sim, _ := newTestScheduler(t, 1, Config{UpdateInterval: 100 * time.Millisecond})
	ctx := ctxForTest(t)
	require.NoError(t, s.Bootstrap(ctx))

	require.NoError(t, s.Frame(ctx, t0.Add(50*time.Millisecond)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), sim.ticks.Load(), "no cycle before the interval elapses")

	require.NoError(t, s.Frame(ctx, t0.Add(100*time.Millisecond)))
	require.Eventually(t, func() bool { return sim.ticks.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Frame(ctx, t0.Add(150*time.Millisecond)))
	require.NoError(t, s.Frame(ctx, t0.Add(199*time.Millisecond)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), sim.ticks.Load())

	require.NoError(t, s.Frame(ctx, t0.Add(200*time.Millisecond)))
	require.Eventually(t, func() bool { return sim.ticks.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), s.Status().Seq, "bootstrap takes seq 1")
}

func TestFrame_InterpolatesCycleResults(t *testing.T) {
	s, _, r := newTestScheduler(t, 1, Config{UpdateInterval: 100 * time.Millisecond})
	ctx := ctxForTest(t)
	require.NoError(t, s.Bootstrap(ctx))

	require.NoError(t, s.Frame(ctx, t0.Add(100*time.Millisecond)))
	// agents, lights and stats
	require.Eventually(t, func() bool { return s.mailbox.Pending() == 3 }, time.Second, 5*time.Millisecond)

	t1 := t0.Add(150 * time.Millisecond)
	require.NoError(t, s.Frame(ctx, t1))

	agent, ok := s.State().Store.Get(core.CategoryAgent, "1")
	require.True(t, ok)
	assert.Equal(t, float32(0), agent.Agent.PreviousPosition.X)
	assert.Equal(t, float32(1), agent.Agent.TargetPosition.X)
	assert.Equal(t, t1, agent.Agent.LastUpdate)
	assert.Equal(t, 2, s.State().Stats.InGrid)
	assert.Equal(t, 1, s.State().Stats.ReachedDestination)

	require.NoError(t, s.Frame(ctx, t1.Add(50*time.Millisecond)))
	assert.InDelta(t, 0.5, agent.Agent.CurrentPosition.X, 1e-5)
	assert.InDelta(t, 0, agent.Agent.Heading, 1e-5)

	assert.Equal(t, 1, r.count(render.MeshCar), "the parked agent is not drawn")
	assert.Equal(t, 1, s.Status().AtDestination)
}

func TestStatus_ReportsAppliedSeqAndPending(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, Config{UpdateInterval: 100 * time.Millisecond})
	ctx := ctxForTest(t)
	require.NoError(t, s.Bootstrap(ctx))

	require.NoError(t, s.Frame(ctx, t0.Add(100*time.Millisecond)))
	require.Eventually(t, func() bool { return s.mailbox.Pending() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]uint64{
		"agent": 1, "traffic_light": 1, "building": 1, "road": 1, "destination": 1,
	}, s.Status().AppliedSeq, "cycle results are not applied before the next frame")

	require.NoError(t, s.Frame(ctx, t0.Add(150*time.Millisecond)))
	status := s.Status()
	assert.Equal(t, map[string]uint64{
		"agent": 2, "traffic_light": 2, "building": 1, "road": 1, "destination": 1,
	}, status.AppliedSeq)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, uint64(2), status.Frames)
}

func TestFrame_RenderErrorIsNotFatal(t *testing.T) {
	rec := &frameRecorder{}
	s, _, r := newTestScheduler(t, 1, Config{UpdateInterval: time.Hour}, WithFrameObserver(rec))
	ctx := ctxForTest(t)
	require.NoError(t, s.Bootstrap(ctx))

	r.mu.Lock()
	r.fail = true
	r.mu.Unlock()
	assert.Error(t, s.Frame(ctx, t0.Add(time.Millisecond)))

	r.mu.Lock()
	r.fail = false
	r.mu.Unlock()
	assert.NoError(t, s.Frame(ctx, t0.Add(2*time.Millisecond)))

	require.Len(t, rec.samples, 2)
	assert.Error(t, rec.samples[0].RenderErr)
	assert.NoError(t, rec.samples[1].RenderErr)
	assert.Equal(t, 2, rec.samples[1].Entities[core.CategoryAgent])
	assert.Equal(t, uint64(2), s.Status().Frames)
}

func TestFrame_LightCapacity(t *testing.T) {
	s, _, _ := newTestScheduler(t, 3, Config{UpdateInterval: time.Hour, MaxLights: 2})
	ctx := ctxForTest(t)
	require.NoError(t, s.Bootstrap(ctx))
	require.NoError(t, s.Frame(ctx, t0.Add(time.Millisecond)))

	assert.Equal(t, 1, s.Status().DroppedLights)
	assert.Equal(t, 2, s.State().Lights.Count)
	assert.Equal(t, 3, s.Status().Entities["traffic_light"])
}

func TestFrame_StaleStatsDiscarded(t *testing.T) {
	sink := &statsRecorder{}
	s, _, _ := newTestScheduler(t, 1, Config{UpdateInterval: time.Hour}, WithStatsSink(sink))
	ctx := ctxForTest(t)
	require.NoError(t, s.Bootstrap(ctx))

	s.mailbox.Post(
		fetch.Result{Kind: fetch.KindStats, Seq: 3, Stats: core.Stats{InGrid: 3}},
		fetch.Result{Kind: fetch.KindStats, Seq: 2, Stats: core.Stats{InGrid: 2}},
	)
	require.NoError(t, s.Frame(ctx, t0.Add(time.Millisecond)))

	assert.Equal(t, 3, s.State().Stats.InGrid)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.stats, 1)
	assert.Equal(t, 3, sink.stats[0].InGrid)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _, r := newTestScheduler(t, 1, Config{FPS: 200, UpdateInterval: time.Hour})
	require.NoError(t, s.Bootstrap(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.frames >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLogAttrs(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, Config{UpdateInterval: time.Hour})
	ctx := ctxForTest(t)
	require.NoError(t, s.Bootstrap(ctx))
	require.NoError(t, s.Frame(ctx, t0.Add(time.Millisecond)))

	attrs := s.LogAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "frame", attrs[0].Key)
	assert.Equal(t, uint64(1), attrs[0].Value.Uint64())
	assert.Equal(t, "seq", attrs[1].Key)
}
