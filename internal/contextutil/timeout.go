// Package contextutil has small context helpers shared by the router's
// delivery paths.
package contextutil

import (
	"context"
	"time"
)

// WithTimeout wraps parent with a timeout when d is positive; otherwise it
// returns parent unchanged with a no-op cancel. A nil parent falls back to
// context.Background.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}
