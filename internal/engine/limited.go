package engine

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited wraps an Engine so Chat and Embed calls share a token bucket.
// Background workers use it to keep their load on the provider bounded.
type Limited struct {
	Engine
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls per second with the given burst.
// A non-positive perSecond disables limiting.
func NewLimited(e Engine, perSecond float64, burst int) *Limited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{Engine: e, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Chat(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: waiting for rate limit: %w", ErrUnavailable, err)
	}
	return l.Engine.Chat(ctx, req)
}

func (l *Limited) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for rate limit: %w", ErrUnavailable, err)
	}
	return l.Engine.Embed(ctx, model, text)
}
