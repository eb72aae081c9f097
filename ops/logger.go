// Package ops provides the operational logging surface shared by all agent
// components. Components log through a Logger interface rather than the
// logrus package directly, so that hosts embedding the agent can route log
// events to their own sink (an MQTT logs topic, a file, or stderr) and so
// that tests can capture them.
package ops

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Logger is an interface for publishing log events that relate to a specific
// agent component. Events may be filtered by a publisher, typically based on
// the level.
type Logger interface {
	// Log writes a log event with the given level, fields and message.
	Log(level log.Level, fields log.Fields, message string)
	// Level returns the current configured level filter of the Logger.
	Level() log.Level
}

// StdLogger returns a Logger that writes to the process-wide logrus sink.
func StdLogger() Logger {
	return &stdLogger{}
}

type stdLogger struct{}

func (stdLogger) Log(level log.Level, fields log.Fields, message string) {
	log.WithFields(fields).Log(level, message)
}

func (stdLogger) Level() log.Level { return log.GetLevel() }

// NewLoggerWithFields wraps |delegate| and returns a Logger which adds the
// given fields to every event. It is used to scope a component's Logger with
// identifiers such as the campaign or decoder id.
func NewLoggerWithFields(delegate Logger, add log.Fields) Logger {
	return &withFieldsLogger{delegate: delegate, add: add}
}

type withFieldsLogger struct {
	delegate Logger
	add      log.Fields
}

func (l *withFieldsLogger) Level() log.Level { return l.delegate.Level() }

func (l *withFieldsLogger) Log(level log.Level, fields log.Fields, message string) {
	var merged = make(log.Fields, len(l.add)+len(fields))
	for k, v := range fields {
		merged[k] = v
	}
	// Scoping fields win over event fields on collision.
	for k, v := range l.add {
		merged[k] = v
	}
	l.delegate.Log(level, merged, message)
}

// Event is a captured log event, as retained by CaptureLogger.
type Event struct {
	Time    time.Time
	Level   log.Level
	Fields  log.Fields
	Message string
}

// CaptureLogger is a Logger for tests which retains every event.
type CaptureLogger struct {
	mu     sync.Mutex
	events []Event
}

// NewCaptureLogger returns an empty CaptureLogger accepting all levels.
func NewCaptureLogger() *CaptureLogger { return &CaptureLogger{} }

func (c *CaptureLogger) Log(level log.Level, fields log.Fields, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{
		Time:    time.Now(),
		Level:   level,
		Fields:  fields,
		Message: message,
	})
}

func (c *CaptureLogger) Level() log.Level { return log.TraceLevel }

// Events returns a snapshot of all captured events.
func (c *CaptureLogger) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Match returns captured events whose message equals |message|.
func (c *CaptureLogger) Match(message string) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.Message == message {
			out = append(out, ev)
		}
	}
	return out
}
