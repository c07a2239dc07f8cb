//go:build !linux

package focus

import (
	"context"
	"log/slog"
)

// Tracker is a stub on platforms without a focus implementation.
type Tracker struct{}

// NewTracker creates a tracker that always reports ErrUnsupported.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{}
}

// Focused returns Unknown and ErrUnsupported.
func (t *Tracker) Focused(ctx context.Context) (Info, error) {
	return Unknown, ErrUnsupported
}

// Close is a no-op.
func (t *Tracker) Close() error {
	return nil
}
