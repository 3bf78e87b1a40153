package delivery

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled spaces deliveries of ch with a token bucket so a burst of jobs
// does not trip the remote's own rate limiting.
type Throttled struct {
	ch  Channel
	lim *rate.Limiter
}

func NewThrottled(ch Channel, perSecond float64) *Throttled {
	return &Throttled{ch: ch, lim: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (t *Throttled) Name() string { return t.ch.Name() }

func (t *Throttled) Deliver(ctx context.Context, r Report) error {
	if err := t.lim.Wait(ctx); err != nil {
		return Retryable("delivery throttle wait aborted").Wrap(err)
	}
	return t.ch.Deliver(ctx, r)
}
