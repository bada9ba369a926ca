package logging

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"econos/internal/observability"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface so they can be wired with the process
// logger, a test logger, or nothing at all.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// processLogger holds the structured logger shared by every component logger.
// It defaults to a text logger on stdout until SetProcessLogger runs during
// bootstrap.
var processLogger atomic.Pointer[observability.Logger]

// SetProcessLogger installs the structured logger used by component loggers.
func SetProcessLogger(logger *observability.Logger) {
	if logger == nil {
		return
	}
	processLogger.Store(logger)
}

func currentProcessLogger() *observability.Logger {
	if logger := processLogger.Load(); logger != nil {
		return logger
	}
	fallback := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"})
	processLogger.CompareAndSwap(nil, fallback)
	return processLogger.Load()
}

// NewComponentLogger returns the process logger scoped to a component,
// preserving printf-style call sites.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

type componentLogger struct {
	component string
}

func (l *componentLogger) scoped() *observability.Logger {
	logger := currentProcessLogger()
	if l.component == "" {
		return logger
	}
	return logger.With("component", l.component)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.scoped().Debug(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Info(format string, args ...any) {
	l.scoped().Info(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.scoped().Warn(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Error(format string, args ...any) {
	l.scoped().Error(fmt.Sprintf(format, args...))
}

// FromObservability wraps a structured logger and preserves printf-style call
// sites by formatting the message before emitting it.
func FromObservability(logger *observability.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	scoped := logger
	if component != "" {
		scoped = scoped.With("component", component)
	}
	return &observabilityPrintfLogger{logger: scoped}
}

type observabilityPrintfLogger struct {
	logger *observability.Logger
}

func (l *observabilityPrintfLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *observabilityPrintfLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *observabilityPrintfLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *observabilityPrintfLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
