package rabbitmq

import (
	"context"
	"time"
)

// WithSleep replaces the retry wait so tests can count and skip it.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = f }
}
