package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/trafficsim/viewer/pkg/streaming"
)

const (
	frameBuffer  = 64
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
	ackTimeout   = 10 * time.Second
)

var errClosed = errors.New("render stream closed")

// connection owns the socket to the render page. Scene messages and frames
// travel on separate channels so a backlog of frames never delays a scene;
// one write goroutine per socket drains both.
type connection struct {
	mu     sync.Mutex
	conn   *ws.Conn
	scene  []byte // replayed after every reconnect
	closed bool

	control chan []byte
	frames  chan []byte
	acks    chan string
	done    chan struct{}

	target  string
	backoff time.Duration
	dropped atomic.Uint64

	logger *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		control: make(chan []byte, 1),
		frames:  make(chan []byte, frameBuffer),
		acks:    make(chan string, 4),
		done:    make(chan struct{}),
		backoff: time.Second,
		logger:  logger,
	}
}

// dial opens the first socket. The token, when set, is passed as a query
// parameter.
func (c *connection) dial(rawURL, token string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid render stream URL: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	c.target = u.String()

	conn, err := c.open()
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

func (c *connection) open() (*ws.Conn, error) {
	conn, _, err := ws.DefaultDialer.Dial(c.target, nil)
	if err != nil {
		return nil, fmt.Errorf("render stream dial failed: %w", err)
	}
	return conn, nil
}

// attach makes conn the live socket and starts its loops.
func (c *connection) attach(conn *ws.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)
}

func (c *connection) live(conn *ws.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *connection) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func writeText(conn *ws.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

// writeLoop serves one socket. Pending scene messages go out before any
// frame. It exits on shutdown or the first write error, which hands the
// socket to reconnect.
func (c *connection) writeLoop(conn *ws.Conn) {
	for {
		var data []byte
		select {
		case <-c.done:
			return
		case data = <-c.control:
		default:
			select {
			case <-c.done:
				return
			case data = <-c.control:
			case data = <-c.frames:
			}
		}

		if !c.live(conn) {
			return
		}
		if err := writeText(conn, data); err != nil {
			c.logger.Warn("Render stream write failed", "error", err)
			go c.reconnect(conn)
			return
		}
	}
}

// readLoop forwards acks from the page. Anything else is ignored.
func (c *connection) readLoop(conn *ws.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.live(conn) {
				c.logger.Warn("Render stream read failed", "error", err)
				go c.reconnect(conn)
			}
			return
		}

		var ack streaming.AckMessage
		if err := json.Unmarshal(message, &ack); err != nil || ack.Type != streaming.TypeAck {
			c.logger.Debug("Ignoring render page message", "raw", string(message))
			continue
		}
		select {
		case c.acks <- ack.For:
		default:
			c.logger.Debug("Ack backlog full, dropping", "for", ack.For)
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	return min(2*d, maxBackoff)
}

// reconnect replaces a failed socket. Only the first caller for a given
// socket does any work. The cached scene is written before the loops start,
// so the page rebuilds its meshes before it sees another frame.
func (c *connection) reconnect(failed *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != failed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wait := c.backoff
	c.mu.Unlock()
	_ = failed.Close()

	for attempt := 1; attempt <= maxReconnect; attempt, wait = attempt+1, nextBackoff(wait) {
		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}

		conn, err := c.open()
		if err != nil {
			c.logger.Warn("Render stream reconnect failed", "attempt", attempt, "retryIn", nextBackoff(wait), "error", err)
			continue
		}

		c.mu.Lock()
		scene := c.scene
		c.mu.Unlock()
		if scene != nil {
			if err := writeText(conn, scene); err != nil {
				c.logger.Warn("Scene replay failed", "attempt", attempt, "error", err)
				_ = conn.Close()
				continue
			}
		}

		c.logger.Info("Render stream reconnected", "attempt", attempt)
		c.attach(conn)
		return
	}
	c.logger.Error("Giving up on render stream", "attempts", maxReconnect)
}

// sendFrame queues a frame without blocking and counts it as dropped when
// the page is behind.
func (c *connection) sendFrame(data []byte) bool {
	select {
	case c.frames <- data:
		return true
	default:
		if c.dropped.Add(1) == 1 {
			c.logger.Warn("Render page is behind, dropping frames")
		}
		return false
	}
}

// sendScene caches data for replay, sends it and waits for the page's ack.
func (c *connection) sendScene(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	c.scene = data
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.control <- data:
	case <-timer.C:
		return fmt.Errorf("timeout queueing %s", streaming.TypeScene)
	case <-c.done:
		return errClosed
	}

	for {
		select {
		case kind := <-c.acks:
			if kind == streaming.TypeScene {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ack of %q", streaming.TypeScene)
		case <-c.done:
			return errClosed
		}
	}
}

// close sends a close frame and stops every goroutine.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
