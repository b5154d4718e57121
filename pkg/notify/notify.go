// Package notify implements the notification sink used by the safety engine
// and elsewhere to surface operator-facing events. Delivery to Slack/email/
// webhooks isn't implemented; the default sink logs, and an optional Sentry
// sink captures CRITICAL events as breadcrumbs/events, wiring
// getsentry/sentry-go into the circuit-breaker notification path.
package notify

import (
	"log"

	"github.com/getsentry/sentry-go"
)

// Level is the notification severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Sink is the narrow NotificationSink interface: notify(message, level, details).
type Sink interface {
	Notify(message string, level Level, details map[string]interface{})
}

// LogSink writes notifications through the stdlib logger.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink builds a LogSink; a nil logger falls back to log.Default().
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(message string, level Level, details map[string]interface{}) {
	s.logger.Printf("[%s] %s %v", level, message, details)
}

// SentrySink forwards CRITICAL/ERROR notifications to Sentry as captured
// messages with the level and details attached as extras; INFO/WARN are
// recorded as breadcrumbs only, to keep noise down in the Sentry project.
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink builds a SentrySink against the given hub (nil uses the
// current global hub, e.g. after sentry.Init in the composition root).
func NewSentrySink(hub *sentry.Hub) *SentrySink {
	return &SentrySink{hub: hub}
}

func (s *SentrySink) Notify(message string, level Level, details map[string]interface{}) {
	hub := s.hub
	if hub == nil {
		hub = sentry.CurrentHub()
	}

	hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category: "mevengine",
		Message:  message,
		Level:    sentryLevel(level),
		Data:     details,
	}, nil)

	if level == LevelError || level == LevelCritical {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentryLevel(level))
			for k, v := range details {
				scope.SetExtra(k, v)
			}
			hub.CaptureMessage(message)
		})
	}
}

func sentryLevel(l Level) sentry.Level {
	switch l {
	case LevelCritical:
		return sentry.LevelFatal
	case LevelError:
		return sentry.LevelError
	case LevelWarn:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}

// Composite fans a single Notify call out to every configured sink.
type Composite struct {
	sinks []Sink
}

// NewComposite builds a fan-out sink over the given children.
func NewComposite(sinks ...Sink) *Composite {
	return &Composite{sinks: sinks}
}

func (c *Composite) Notify(message string, level Level, details map[string]interface{}) {
	for _, s := range c.sinks {
		s.Notify(message, level, details)
	}
}
