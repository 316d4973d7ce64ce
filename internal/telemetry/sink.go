package telemetry

import (
	"fmt"
	"sync"

	"github.com/nerrad567/pixelbridge/internal/session"
)

// Sink receives frames a controller pushed without being asked.
// It is satisfied by anything a session accepts as its telemetry sink.
type Sink interface {
	HandleFrame(device string, f session.Frame)
}

// SinkFunc adapts an ordinary function to a Sink.
type SinkFunc func(device string, f session.Frame)

// HandleFrame calls fn(device, f).
func (fn SinkFunc) HandleFrame(device string, f session.Frame) {
	fn(device, f)
}

// Logger interface for optional logging.
type Logger interface {
	Error(msg string, keysAndValues ...any)
}

// Fanout forwards every frame to each of its sinks in registration order.
// A panicking sink is logged and does not stop delivery to the others.
type Fanout struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger Logger
}

// NewFanout returns a Fanout delivering to sinks. Nil sinks are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add registers another sink.
func (f *Fanout) Add(s Sink) {
	if s == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

// Len returns the number of registered sinks.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// SetLogger sets the logger used to report sink panics.
func (f *Fanout) SetLogger(logger Logger) {
	f.mu.Lock()
	f.logger = logger
	f.mu.Unlock()
}

// HandleFrame delivers f to every sink.
func (f *Fanout) HandleFrame(device string, frame session.Frame) {
	f.mu.RLock()
	sinks := f.sinks
	logger := f.logger
	f.mu.RUnlock()

	for _, s := range sinks {
		deliver(s, device, frame, logger)
	}
}

func deliver(s Sink, device string, frame session.Frame, logger Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("telemetry sink panic",
				"device", device,
				"kind", frame.Kind.String(),
				"error", fmt.Errorf("%v", r),
			)
		}
	}()
	s.HandleFrame(device, frame)
}

var (
	_ Sink         = (*Fanout)(nil)
	_ Sink         = SinkFunc(nil)
	_ session.Sink = (*Fanout)(nil)
)
