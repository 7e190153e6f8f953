// Package ilog gives each introspector instance its own debug sink
// instead of the compile-time debug stream the original library used.
// The zero value discards everything, matching a production default of
// "silent unless the caller asks."
package ilog

import "fmt"

// Func receives one formatted debug line per call.
type Func func(string)

// Sink wraps an optional Func so nil sinks are safe to call through.
type Sink struct {
	fn Func
}

// New wraps fn in a Sink. A nil fn produces a Sink that discards output.
func New(fn Func) Sink {
	return Sink{fn: fn}
}

// Printf formats and forwards a line, doing nothing if no Func was set.
func (s Sink) Printf(format string, args ...any) {
	if s.fn == nil {
		return
	}
	s.fn(fmt.Sprintf(format, args...))
}
