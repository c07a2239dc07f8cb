//go:build !linux

package keystroke

import "log/slog"

// NewPlatformSource returns ErrNotAvailable on platforms without a native
// capture source; feed events through a JSONSource instead.
func NewPlatformSource(logger *slog.Logger) (Source, error) {
	return nil, ErrNotAvailable
}
