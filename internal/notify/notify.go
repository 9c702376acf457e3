// Package notify delivers user-facing notifications. The sync layer only
// ever talks to the Sink interface; the log, Slack and fan-out sinks live
// here.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/metrics"
)

// Severity of a notification.
type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// ParseSeverity maps a wire value to a Severity, defaulting to Info.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case Success, Warning, Error:
		return Severity(s)
	default:
		return Info
	}
}

// Sink receives notifications. Implementations must not block for long.
type Sink interface {
	Notify(message string, severity Severity)
}

// Func adapts a function into a Sink.
type Func func(message string, severity Severity)

func (f Func) Notify(message string, severity Severity) { f(message, severity) }

// LogSink writes notifications to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

func (s *LogSink) Notify(message string, severity Severity) {
	var evt *zerolog.Event
	switch severity {
	case Error:
		evt = s.logger.Error()
	case Warning:
		evt = s.logger.Warn()
	default:
		evt = s.logger.Info()
	}
	evt.Str("severity", string(severity)).Msg(message)
}

// Multi fans a notification out to every sink in order.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

// NewMulti creates a fan-out sink. m may be nil.
func NewMulti(m *metrics.Metrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: m}
}

func (mu *Multi) Notify(message string, severity Severity) {
	mu.metrics.RecordNotification(string(severity))
	for _, s := range mu.sinks {
		s.Notify(message, severity)
	}
}

// Notification is one recorded call.
type Notification struct {
	Message  string
	Severity Severity
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *Recorder) Notify(message string, severity Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, Notification{Message: message, Severity: severity})
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.got))
	copy(out, r.got)
	return out
}

// Reset forgets recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}
