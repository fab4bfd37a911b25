// Package dlog is the library's internal out-of-band diagnostic logger.
//
// Name-owner and name-watcher operations never surface errors directly to
// the caller (terminal failures become a lost/vanished callback instead,
// per the alternation invariant); dlog is where the reason goes so it is
// not simply swallowed.
//
// Adapted from the teacher's clog package (rob-gra-go-iecp5/clog/clog.go):
// same provider-interface-plus-atomic-enable-flag shape, backed by the
// standard library logger until a caller installs its own Provider. Kept
// to three levels (Error/Warn/Debug) since nothing in this library ever
// needs Critical. clog itself never reached past the standard library for
// this, and no logging library appears anywhere else in the retrieval
// pack either, so dlog doesn't either.
package dlog

import (
	"log"
	"os"
	"sync/atomic"
)

// Provider is anything that can sink leveled diagnostic messages.
// Applications embedding this library can supply their own to route
// diagnostics into their own logging stack.
type Provider interface {
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Logger is a leveled logger that can be cheaply disabled.
type Logger struct {
	provider Provider
	// enabled is 1 when output is enabled, 0 when disabled.
	enabled uint32
}

// New returns a Logger with the given prefix, enabled by default and
// backed by the standard library logger until SetProvider overrides it.
func New(prefix string) Logger {
	return Logger{
		provider: stdProvider{log.New(os.Stderr, prefix, log.LstdFlags)},
		enabled:  1,
	}
}

// SetEnabled toggles whether log output is emitted.
func (l *Logger) SetEnabled(enabled bool) {
	if enabled {
		atomic.StoreUint32(&l.enabled, 1)
	} else {
		atomic.StoreUint32(&l.enabled, 0)
	}
}

// SetProvider replaces the sink for subsequent log calls.
func (l *Logger) SetProvider(p Provider) {
	if p != nil {
		l.provider = p
	}
}

// Error logs at error level.
func (l Logger) Error(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Error(format, v...)
	}
}

// Warn logs at warn level.
func (l Logger) Warn(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Warn(format, v...)
	}
}

// Debug logs at debug level.
func (l Logger) Debug(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Debug(format, v...)
	}
}

type stdProvider struct {
	*log.Logger
}

var _ Provider = stdProvider{}

func (p stdProvider) Error(format string, v ...interface{}) { p.Printf("[E] "+format, v...) }
func (p stdProvider) Warn(format string, v ...interface{})  { p.Printf("[W] "+format, v...) }
func (p stdProvider) Debug(format string, v ...interface{}) { p.Printf("[D] "+format, v...) }
