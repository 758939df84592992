package hio

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Severity is a log level (spec §6, L7). Options.LogMask holds the minimum
// Severity that is emitted; lower levels are dropped.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	// severityCount must stay last.
	severityCount
)

// Logger is the pluggable L7 sink. Implementations receive a message plus
// an even-length slice of alternating key/value pairs, the same structured
// convention used by the pack's logging facades
// (joeycumines-go-utilpkg/logiface, ehrlich-b-go-ublk/internal/logging).
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// noopLogger discards everything; it is the default until SetLogger or
// WithLogger installs a real sink.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// zerologLogger adapts the reactor's narrow Logger interface onto
// github.com/rs/zerolog, the structured backend the pack's own logging
// facade (logiface-zerolog) wires for severity-filtered output.
type zerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds the default Logger, writing leveled structured
// records to w (os.Stderr if nil).
func NewZerologLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &zerologLogger{log: zerolog.New(w).With().Timestamp().Logger()}
}

func kvFields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (z *zerologLogger) Debug(msg string, kv ...any) { kvFields(z.log.Debug(), kv).Msg(msg) }
func (z *zerologLogger) Info(msg string, kv ...any)  { kvFields(z.log.Info(), kv).Msg(msg) }
func (z *zerologLogger) Warn(msg string, kv ...any)  { kvFields(z.log.Warn(), kv).Msg(msg) }
func (z *zerologLogger) Error(msg string, kv ...any) { kvFields(z.log.Error(), kv).Msg(msg) }

// maskedLogger enforces log_mask (spec §6) in front of any Logger so the
// reactor never even formats an event below the configured severity,
// independent of whatever filtering the underlying sink also performs.
type maskedLogger struct {
	sink Logger
	mask Severity // minimum severity that passes through
}

func (m *maskedLogger) Debug(msg string, kv ...any) {
	if SeverityDebug >= m.mask {
		m.sink.Debug(msg, kv...)
	}
}
func (m *maskedLogger) Info(msg string, kv ...any) {
	if SeverityInfo >= m.mask {
		m.sink.Info(msg, kv...)
	}
}
func (m *maskedLogger) Warn(msg string, kv ...any) {
	if SeverityWarn >= m.mask {
		m.sink.Warn(msg, kv...)
	}
}
func (m *maskedLogger) Error(msg string, kv ...any) {
	if SeverityError >= m.mask {
		m.sink.Error(msg, kv...)
	}
}
