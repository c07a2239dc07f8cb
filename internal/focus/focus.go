// Package focus reports which application window has keyboard focus.
//
// Focus is attached to every processed key so the rendering sink can group
// statistics by application. Lookups are best effort: any failure maps to
// Unknown and never interrupts key processing.
package focus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Info describes the focused window.
type Info struct {
	AppName     string `json:"appName"`
	WindowTitle string `json:"windowTitle"`
}

// Unknown is reported when the focused window cannot be determined.
var Unknown = Info{AppName: "unknown"}

// ErrUnsupported is returned by providers that cannot work on this platform
// or display server.
var ErrUnsupported = errors.New("focus detection not supported")

// Provider looks up the currently focused window.
type Provider interface {
	Focused(ctx context.Context) (Info, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Info, error)

// Focused calls f.
func (f ProviderFunc) Focused(ctx context.Context) (Info, error) {
	return f(ctx)
}

// Static always reports the same window.
func Static(info Info) Provider {
	return ProviderFunc(func(context.Context) (Info, error) { return info, nil })
}

// CachedProvider remembers the last lookup for a fixed time so a fast drain
// loop does not spawn helper processes for every key.
type CachedProvider struct {
	provider Provider
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	last    Info
	fetched time.Time
	failing bool
}

// Cached wraps provider. A non-positive ttl disables caching.
func Cached(provider Provider, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{
		provider: provider,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// Focused returns the cached window or performs a fresh lookup. It never
// returns an error; failures yield Unknown.
func (c *CachedProvider) Focused(ctx context.Context) (Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.fetched.IsZero() && now.Sub(c.fetched) < c.ttl {
		return c.last, nil
	}

	info, err := c.provider.Focused(ctx)
	if err != nil {
		// Log once per failure streak.
		if !c.failing {
			c.logger.Debug("focus lookup failed", "error", err)
		}
		c.failing = true
		info = Unknown
	} else {
		c.failing = false
		if info.AppName == "" {
			info.AppName = Unknown.AppName
		}
	}

	c.last = info
	c.fetched = now
	return info, nil
}

// Invalidate forces the next call to perform a lookup.
func (c *CachedProvider) Invalidate() {
	c.mu.Lock()
	c.fetched = time.Time{}
	c.mu.Unlock()
}
