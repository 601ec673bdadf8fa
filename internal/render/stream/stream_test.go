package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficsim/viewer/internal/render"
	"github.com/trafficsim/viewer/pkg/core"
	"github.com/trafficsim/viewer/pkg/streaming"
)

// Compile-time interface check.
var _ render.Renderer = (*Renderer)(nil)

type received struct {
	conn int
	env  streaming.Envelope
}

type messageLog struct {
	mu       sync.Mutex
	messages []received
	tokens   []string
}

func (m *messageLog) add(conn int, env streaming.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, received{conn: conn, env: env})
}

func (m *messageLog) all() []received {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]received, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func (m *messageLog) count(msgType string) int {
	n := 0
	for _, r := range m.all() {
		if r.env.Type == msgType {
			n++
		}
	}
	return n
}

// testServer upgrades to WebSocket, records envelopes and acks scenes.
// When dropFirst is set, the first connection is closed after its first frame.
func testServer(t *testing.T, dropFirst bool) (*httptest.Server, *messageLog) {
	t.Helper()
	ml := &messageLog{}
	var conns atomic.Int32

	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ml.mu.Lock()
		ml.tokens = append(ml.tokens, r.URL.Query().Get("token"))
		ml.mu.Unlock()

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()
		id := int(conns.Add(1))

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}

			var env streaming.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			ml.add(id, env)

			if env.Type == streaming.TypeScene {
				data, _ := json.Marshal(streaming.AckMessage{Type: streaming.TypeAck, For: env.Type})
				if err := c.WriteMessage(ws.TextMessage, data); err != nil {
					return
				}
			}
			if dropFirst && id == 1 && env.Type == streaming.TypeFrame {
				return
			}
		}
	}))

	return srv, ml
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testFrame(n uint64) *render.Frame {
	return &render.Frame{
		Number: n,
		Time:   time.Unix(int64(n), 0),
		Camera: render.NewCamera(render.DefaultCameraOffset, 10, 10),
		Instances: []streaming.Instance{
			{ID: "1", Mesh: render.MeshCar, Position: [3]float32{1, 0.7, 2}},
		},
		Stats: core.Stats{InGrid: 1},
	}
}

func TestSceneAndFrames(t *testing.T) {
	srv, ml := testServer(t, false)
	defer srv.Close()

	r := New(Config{URL: wsURL(srv), Token: "abc"}, nil)
	require.NoError(t, r.Connect())
	defer r.Close()

	handles, err := r.CreateSceneResources(context.Background(), render.MeshDescriptors(render.DefaultMeshes()))
	require.NoError(t, err)
	assert.Len(t, handles, 6)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, r.RenderFrame(context.Background(), handles, testFrame(i)))
	}

	require.Eventually(t, func() bool { return ml.count(streaming.TypeFrame) == 3 }, 2*time.Second, 10*time.Millisecond)

	msgs := ml.all()
	assert.Equal(t, streaming.TypeScene, msgs[0].env.Type)

	var scene streaming.ScenePayload
	require.NoError(t, json.Unmarshal(msgs[0].env.Payload, &scene))
	assert.Len(t, scene.Meshes, 6)

	var frame streaming.FramePayload
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].env.Payload, &frame))
	assert.Equal(t, uint64(3), frame.Frame)
	require.Len(t, frame.Instances, 1)
	assert.Equal(t, render.MeshCar, frame.Instances[0].Mesh)
	assert.Equal(t, [3]float32{5, 9, 14}, frame.Camera.Position)

	ml.mu.Lock()
	assert.Equal(t, "abc", ml.tokens[0])
	ml.mu.Unlock()
}

func TestRenderFrame_UnknownMesh(t *testing.T) {
	r := New(Config{URL: "ws://unused"}, nil)
	err := r.RenderFrame(context.Background(), render.Handles{}, testFrame(1))
	assert.ErrorIs(t, err, render.ErrUnknownMesh)
}

func TestRenderFrame_DisconnectedDrops(t *testing.T) {
	r := New(Config{URL: "ws://unused"}, nil)
	handles := render.Handles{render.MeshCar: 1}

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, r.RenderFrame(context.Background(), handles, testFrame(i)))
	}
	assert.Equal(t, uint64(5), r.Dropped())
}

func TestConnect_BadURL(t *testing.T) {
	r := New(Config{URL: "ws://127.0.0.1:1/nothing"}, nil)
	assert.Error(t, r.Connect())
}

func TestReconnectReplaysScene(t *testing.T) {
	srv, ml := testServer(t, true)
	defer srv.Close()

	r := New(Config{URL: wsURL(srv)}, nil)
	r.conn.backoff = 10 * time.Millisecond
	require.NoError(t, r.Connect())
	defer r.Close()

	handles, err := r.CreateSceneResources(context.Background(), render.MeshDescriptors(render.DefaultMeshes()))
	require.NoError(t, err)
	require.NoError(t, r.RenderFrame(context.Background(), handles, testFrame(1)))

	require.Eventually(t, func() bool {
		for _, m := range ml.all() {
			if m.conn == 2 && m.env.Type == streaming.TypeScene {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return r.conn.connected() }, time.Second, 10*time.Millisecond)
	require.NoError(t, r.RenderFrame(context.Background(), handles, testFrame(2)))
	require.Eventually(t, func() bool {
		for _, m := range ml.all() {
			if m.conn == 2 && m.env.Type == streaming.TypeFrame {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSceneGoesAheadOfQueuedFrames(t *testing.T) {
	srv, ml := testServer(t, false)
	defer srv.Close()

	c := newConnection(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer c.close()

	frame, err := marshalEnvelope(streaming.TypeFrame, testFrame(1).Payload())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.True(t, c.sendFrame(frame))
	}
	scene, err := marshalEnvelope(streaming.TypeScene, streaming.ScenePayload{})
	require.NoError(t, err)
	c.control <- scene

	require.NoError(t, c.dial(wsURL(srv), ""))
	require.Eventually(t, func() bool { return len(ml.all()) == 4 }, time.Second, 10*time.Millisecond)

	got := ml.all()
	assert.Equal(t, streaming.TypeScene, got[0].env.Type)
	for _, m := range got[1:] {
		assert.Equal(t, streaming.TypeFrame, m.env.Type)
	}
}

func TestNextBackoffIsCapped(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second))
	assert.Equal(t, maxBackoff, nextBackoff(20*time.Second))
	assert.Equal(t, maxBackoff, nextBackoff(maxBackoff))
}
