package grpchost

import (
	"io"

	"github.com/rs/zerolog"
)

// NewLogger builds a structured logger writing to w at the given level,
// suitable for [WithServerLogger]. Callers embedding this package in a
// larger application will usually pass their own zerolog.Logger instead.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
