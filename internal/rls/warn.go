package rls

import (
	"context"
	"log/slog"
	"sync"
)

// warnSet remembers which causes were already logged.
type warnSet struct {
	seen sync.Map
}

// processWarnings lives for the whole process; it is never cleared.
var processWarnings = &warnSet{}

// first reports whether cause has not been seen before, and records it.
func (s *warnSet) first(cause string) bool {
	_, loaded := s.seen.LoadOrStore(cause, struct{}{})
	return !loaded
}

func (s *warnSet) warn(ctx context.Context, logger *slog.Logger, cause string, msg string, args ...any) {
	if !s.first(cause) {
		return
	}
	logger.WarnContext(ctx, msg, append(args, slog.String("cause", cause))...)
}
