package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy names one of the supported retry backoff shapes.
type Strategy string

const (
	StrategyExponential        Strategy = "exponential"
	StrategyLinear             Strategy = "linear"
	StrategyFibonacci          Strategy = "fibonacci"
	StrategyDecorrelatedJitter Strategy = "decorrelated_jitter"
)

// RetryConfig parameterizes a retry loop.
type RetryConfig struct {
	Strategy   Strategy
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 60s
	MaxRetries int           // default 0, which means unlimited (bounded only by ctx)
}

func (c *RetryConfig) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = StrategyExponential
	}
}

// newBackOff builds the backoff.BackOff for cfg.Strategy. exponential is
// provided directly by cenkalti/backoff; linear, fibonacci and
// decorrelated_jitter have no library implementation in the pack and are
// hand-rolled over the same backoff.BackOff interface so callers use one
// retry API regardless of strategy.
func newBackOff(cfg RetryConfig) backoff.BackOff {
	switch cfg.Strategy {
	case StrategyLinear:
		return &linearBackOff{base: cfg.BaseDelay, max: cfg.MaxDelay}
	case StrategyFibonacci:
		return &fibonacciBackOff{base: cfg.BaseDelay, max: cfg.MaxDelay}
	case StrategyDecorrelatedJitter:
		return &decorrelatedJitterBackOff{base: cfg.BaseDelay, max: cfg.MaxDelay, prev: cfg.BaseDelay}
	default: // exponential
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BaseDelay
		b.MaxInterval = cfg.MaxDelay
		b.MaxElapsedTime = 0
		return b
	}
}

// Do runs fn, retrying per cfg.Strategy until it succeeds, cfg.MaxRetries
// is exhausted (if nonzero), or ctx is cancelled.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg.setDefaults()
	b := newBackOff(cfg)
	b = backoff.WithContext(b, ctx)

	attempts := 0
	op := func() error {
		attempts++
		err := fn()
		if err != nil && cfg.MaxRetries > 0 && attempts >= cfg.MaxRetries {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, b)
}

type linearBackOff struct {
	base, max time.Duration
	n         int
}

func (l *linearBackOff) Reset() { l.n = 0 }

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	d := time.Duration(l.n) * l.base
	if d > l.max {
		d = l.max
	}
	return d
}

type fibonacciBackOff struct {
	base, max time.Duration
	a, b      int
}

func (f *fibonacciBackOff) Reset() { f.a, f.b = 0, 0 }

func (f *fibonacciBackOff) NextBackOff() time.Duration {
	if f.a == 0 && f.b == 0 {
		f.a, f.b = 1, 1
	} else {
		f.a, f.b = f.b, f.a+f.b
	}
	d := time.Duration(f.a) * f.base
	if d > f.max {
		d = f.max
	}
	return d
}

// decorrelatedJitterBackOff implements the "decorrelated jitter" formula:
// sleep = min(max, random_between(base, prev*3)).
type decorrelatedJitterBackOff struct {
	base, max, prev time.Duration
}

func (d *decorrelatedJitterBackOff) Reset() { d.prev = d.base }

func (d *decorrelatedJitterBackOff) NextBackOff() time.Duration {
	upper := d.prev * 3
	if upper < d.base {
		upper = d.base
	}
	span := upper - d.base
	next := d.base
	if span > 0 {
		next += time.Duration(rand.Int63n(int64(span)))
	}
	if next > d.max {
		next = d.max
	}
	d.prev = next
	return next
}
