// Package logging provides the default external.Logger implementation,
// matching the stdlib log.Printf idiom used throughout the teacher repo
// (internal/driver/device/*.go, internal/config/config.go) rather than
// introducing a structured logging dependency the example pack never reaches
// for in this subsystem.
package logging

import (
	"log"
	"os"

	"bitforge/internal/external"
)

// StdLogger adapts the stdlib *log.Logger to external.Logger.
type StdLogger struct {
	l     *log.Logger
	debug bool
}

var _ external.Logger = (*StdLogger)(nil)

// New returns a StdLogger writing to stderr with a timestamp prefix. When
// debug is false, Debugf calls are discarded.
func New(debug bool) *StdLogger {
	return &StdLogger{
		l:     log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		debug: debug,
	}
}

func (s *StdLogger) Debugf(format string, args ...interface{}) {
	if !s.debug {
		return
	}
	s.l.Printf("DEBUG "+format, args...)
}

func (s *StdLogger) Infof(format string, args ...interface{}) {
	s.l.Printf("INFO  "+format, args...)
}

func (s *StdLogger) Warnf(format string, args ...interface{}) {
	s.l.Printf("WARN  "+format, args...)
}

func (s *StdLogger) Errorf(format string, args ...interface{}) {
	s.l.Printf("ERROR "+format, args...)
}
