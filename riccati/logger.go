// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package riccati

import (
	"fmt"
	"io"
)

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated (level < 0)
	LogNoop LogLevel = -1
	// LogLast print only the final status summary
	LogLast LogLevel = 0
	// LogStat print also the residual norms of the final iterate
	LogStat LogLevel = 1
	// LogTrace print the full per-iteration statistics table
	LogTrace LogLevel = 2
)

// Logger handles diagnostic output for the solver.
// The output is advisory only and has no control-flow effect.
// Note the writer must be thread-safe.
type Logger struct {
	Level LogLevel
	Msg   io.Writer // Writer to output log messages.
}

// Enable reports whether the given level produces output.
func (l *Logger) Enable(level LogLevel) bool {
	return l != nil && l.Msg != nil && l.Level >= level
}

// Log writes one formatted message.
func (l *Logger) Log(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}
