package pixelblaze

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/pixelbridge/internal/infrastructure/mqtt"
)

// defaultStatusInterval is how often controller status is republished.
const defaultStatusInterval = 60 * time.Second

// StatusReporter periodically publishes whether the controller's websocket
// is up. Broker-level presence is covered by the MQTT client's Last Will.
type StatusReporter struct {
	topic     string
	qos       byte
	interval  time.Duration
	publisher StatusPublisher
	connected func() bool

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// StatusPublisher is the interface for publishing status messages.
// This is typically implemented by an MQTT client.
type StatusPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatusReporterConfig holds configuration for the status reporter.
type StatusReporterConfig struct {
	// Topic is where status is published.
	Topic string

	// QoS for status messages.
	QoS byte

	// Interval is how often to publish.
	// Default: 60 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher StatusPublisher

	// Connected reports the controller connection state.
	// When nil the controller is assumed connected.
	Connected func() bool
}

// NewStatusReporter creates a new status reporter. Call Start to begin
// reporting.
func NewStatusReporter(cfg StatusReporterConfig) *StatusReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	connected := cfg.Connected
	if connected == nil {
		connected = func() bool { return true }
	}

	return &StatusReporter{
		topic:     cfg.Topic,
		qos:       cfg.QoS,
		interval:  interval,
		publisher: cfg.Publisher,
		connected: connected,
		done:      make(chan struct{}),
	}
}

// Start begins periodic status reporting, publishing once immediately.
func (s *StatusReporter) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "Disconnected".
// Safe to call multiple times.
func (s *StatusReporter) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		s.publish(mqtt.PayloadDisconnected)
	})
}

// SetLogger sets the logger for this reporter.
func (s *StatusReporter) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// PublishNow publishes the current status immediately.
func (s *StatusReporter) PublishNow() error {
	return s.publish(s.status())
}

func (s *StatusReporter) status() string {
	if s.connected() {
		return mqtt.PayloadOnline
	}
	return mqtt.PayloadDisconnected
}

func (s *StatusReporter) publish(status string) error {
	if s.publisher == nil || !s.publisher.IsConnected() {
		return nil
	}
	return s.publisher.Publish(s.topic, []byte(status), s.qos, false)
}

func (s *StatusReporter) reportLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.PublishNow(); err != nil {
		s.logError("failed to publish initial status", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.PublishNow(); err != nil {
				s.logError("failed to publish status", err)
			}
		}
	}
}

func (s *StatusReporter) logError(msg string, err error) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "topic", s.topic, "error", err)
	}
}
