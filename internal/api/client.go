// internal/api/client.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/trafficsim/viewer/internal/parser"
	"github.com/trafficsim/viewer/pkg/core"
)

// ErrNetwork wraps every transport failure and non-success status.
var ErrNetwork = errors.New("network error")

// Endpoint paths on the simulation server.
const (
	PathInit         = "/init"
	PathAgents       = "/getAgents"
	PathLights       = "/getLights"
	PathBuildings    = "/getBuildings"
	PathRoads        = "/getRoads"
	PathDestinations = "/getDestinations"
	PathUpdate       = "/update"
	PathStats        = "/getStats"
)

// SnapshotPath returns the endpoint serving a category snapshot.
func SnapshotPath(cat core.Category) string {
	switch cat {
	case core.CategoryAgent:
		return PathAgents
	case core.CategoryTrafficLight:
		return PathLights
	case core.CategoryBuilding:
		return PathBuildings
	case core.CategoryRoad:
		return PathRoads
	case core.CategoryDestination:
		return PathDestinations
	}
	return ""
}

// InitParams is the body of POST /init.
type InitParams struct {
	NAgents int `json:"NAgents"`
	Width   int `json:"width"`
	Height  int `json:"height"`
}

// Ack is the parsed reply of /init and /update.
type Ack struct {
	Status  int
	Message string
}

// RequestObserver receives the outcome of every request. The metrics
// collector implements it; nil disables observation.
type RequestObserver interface {
	ObserveRequest(endpoint string, duration time.Duration, err error)
}

// Client talks to the simulation server. Each call is a single request and
// response; there is no retry and no backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client
	observer   RequestObserver
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithObserver attaches a request observer.
func WithObserver(o RequestObserver) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithLogger sets the logger used for skipped records.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a new API client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Init bootstraps the simulation with the given grid parameters.
func (c *Client) Init(ctx context.Context, params InitParams) (Ack, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to encode init params: %w", err)
	}
	status, resp, err := c.do(ctx, http.MethodPost, PathInit, body)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Status: status, Message: parser.ParseMessage(resp)}, nil
}

// Tick advances the simulation by one step.
func (c *Client) Tick(ctx context.Context) (Ack, error) {
	status, resp, err := c.do(ctx, http.MethodGet, PathUpdate, nil)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Status: status, Message: parser.ParseMessage(resp)}, nil
}

// Snapshot fetches and validates the current records of one category.
// Malformed records are logged and skipped.
func (c *Client) Snapshot(ctx context.Context, cat core.Category) ([]core.Record, error) {
	path := SnapshotPath(cat)
	if path == "" {
		return nil, fmt.Errorf("no endpoint for category %s", cat)
	}
	_, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	snap, err := parser.ParseSnapshot(cat, body)
	if err != nil {
		return nil, err
	}
	for _, skipped := range snap.Skipped {
		c.logger.Warn("Skipping malformed record", "endpoint", path, "error", skipped)
	}
	return snap.Records, nil
}

// Stats fetches the display-only simulation counters.
func (c *Client) Stats(ctx context.Context) (core.Stats, error) {
	_, body, err := c.do(ctx, http.MethodGet, PathStats, nil)
	if err != nil {
		return core.Stats{}, err
	}
	return parser.ParseStats(body)
}

// do performs one request and returns the status and body of a 2xx reply.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	start := time.Now()
	status, resp, err := c.roundTrip(ctx, method, path, body)
	if c.observer != nil {
		c.observer.ObserveRequest(path, time.Since(start), err)
	}
	return status, resp, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to create %s request: %w", ErrNetwork, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s request failed: %w", ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: reading %s response: %w", ErrNetwork, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := parser.ParseMessage(data)
		if msg != "" {
			return resp.StatusCode, nil, fmt.Errorf("%w: %s returned status %d: %s", ErrNetwork, path, resp.StatusCode, msg)
		}
		return resp.StatusCode, nil, fmt.Errorf("%w: %s returned status %d", ErrNetwork, path, resp.StatusCode)
	}
	return resp.StatusCode, data, nil
}
