package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/trafficsim/viewer/internal/scheduler"
)

// StatusFileName is written inside the status directory.
const StatusFileName = "status.json"

// StatusSource is anything that can report the viewer status.
type StatusSource interface {
	Status() scheduler.Status
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Source    StatusSource
	Logger    *slog.Logger
	StatusDir string
	Interval  time.Duration
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.Mutex
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// Path returns the status file location.
func (s *Service) Path() string {
	return filepath.Join(s.deps.StatusDir, StatusFileName)
}

// GetProgramStatus returns the current status and its indented JSON form.
func (s *Service) GetProgramStatus() (scheduler.Status, []byte) {
	status := s.deps.Source.Status()
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		out = []byte(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	return status, out
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(s.deps.StatusDir, 0o755); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("creating status dir: %w", err)
	}
	statusFile, err := os.Create(s.Path())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("creating status file: %w", err)
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	go func() {
		defer func() {
			statusFile.Close()
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			close(done)
		}()

		logger := s.deps.Logger
		logger.Debug("Starting status monitor", "path", s.Path(), "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				status, out := s.GetProgramStatus()
				if status.Frames == 0 {
					continue
				}

				if err := statusFile.Truncate(0); err != nil {
					logger.Error("Error truncating status file", "error", err)
					continue
				}
				if _, err := statusFile.Seek(0, 0); err != nil {
					logger.Error("Error rewinding status file", "error", err)
					continue
				}
				if _, err := statusFile.Write(append(out, '\n')); err != nil {
					logger.Error("Error writing status file", "error", err)
					continue
				}

				logger.Debug("Status",
					"frames", status.Frames,
					"seq", status.Seq,
					"agents", status.Entities["agent"],
					"atDestination", status.AtDestination,
					"inFlight", status.InFlight,
					"lastCycleMs", status.LastCycleMs)
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for the file to be closed.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.doneChan
	s.mu.Unlock()
	<-done
}
