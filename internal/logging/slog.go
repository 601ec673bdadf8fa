package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ServiceName identifies this program in OTel and GELF records.
const ServiceName = "trafficviewer"

// swapped in tests
var (
	osStdout io.Writer = os.Stdout
	osPipe             = os.Pipe
)

// SlogManager owns the process logger. Setup may be called again once the
// config is known; the bootstrap logger only writes to stdout.
type SlogManager struct {
	logger      *slog.Logger
	logProvider *sdklog.LoggerProvider
}

// NewSlogManager returns a manager whose Logger is slog.Default until Setup.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// SetupOption adds an optional sink or decorator to Setup.
type SetupOption func(*setupOptions)

type setupOptions struct {
	gelf  GelfWriter
	host  string
	state StateProvider
}

// WithGelf also sends every record to a Graylog GELF writer.
func WithGelf(w GelfWriter, host string) SetupOption {
	return func(o *setupOptions) {
		o.gelf = w
		o.host = host
	}
}

// WithState adds the provider's attributes to every record.
func WithState(p StateProvider) SetupOption {
	return func(o *setupOptions) {
		o.state = p
	}
}

// parseLevel maps a logLevel config value to a slog level; unknown values
// mean info.
func parseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// utcTime renders record times as RFC3339 in UTC so logs from viewers in
// different zones line up.
func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
	}
	return a
}

// Setup rebuilds the logger. Text records go to file, or to stdout when file
// is nil. A non-nil provider adds the OTel bridge.
func (m *SlogManager) Setup(file io.Writer, level string, provider *sdklog.LoggerProvider, opts ...SetupOption) {
	var o setupOptions
	for _, opt := range opts {
		opt(&o)
	}

	lvl := parseLevel(level)
	if file == nil {
		file = osStdout
	}
	sinks := []slog.Handler{
		slog.NewTextHandler(file, &slog.HandlerOptions{Level: lvl, ReplaceAttr: utcTime}),
	}
	if provider != nil {
		sinks = append(sinks, otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(provider)))
	}
	if o.gelf != nil {
		sinks = append(sinks, NewGelfHandler(o.gelf, o.host, lvl))
	}

	m.logProvider = provider
	m.logger = slog.New(withState(fanout(sinks...), o.state))
	m.logger.Info("Logging initialized", "level", lvl.String())
}

// Logger returns the configured logger, or slog.Default before Setup.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush exports records buffered by the OTel bridge.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider == nil {
		return nil
	}
	return m.logProvider.ForceFlush(ctx)
}
