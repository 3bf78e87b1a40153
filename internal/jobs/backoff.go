package jobs

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes the wait before retry n (1-based):
// min(Max, Base * Multiplier^(n-1)), drawn uniformly from [0, delay] when
// Jitter is set.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool

	randN func(n int64) int64
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       time.Second,
		Max:        10 * time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

func (p BackoffPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	d := p.Max
	if f := float64(p.Base) * math.Pow(mult, float64(retry-1)); f < float64(p.Max) {
		d = time.Duration(f)
	}
	if d <= 0 || !p.Jitter {
		return d
	}

	randN := p.randN
	if randN == nil {
		randN = rand.Int64N
	}
	return time.Duration(randN(int64(d) + 1))
}
