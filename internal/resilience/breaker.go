// Package resilience provides the circuit breaker and retry strategies
// used around outbound router sends and optional service fan-out.
package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig holds the circuit breaker's tunable parameters.
type BreakerConfig struct {
	Name                     string
	FailureThreshold         uint32        // default 5 consecutive failures
	RollingFailureRate       float64       // default 0.5 (>50% over RollingWindow trips too)
	RollingWindow            time.Duration // default 30s
	OpenTimeout              time.Duration // default 60s
	SuccessThresholdHalfOpen uint32        // default 2
}

func (c *BreakerConfig) setDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RollingFailureRate == 0 {
		c.RollingFailureRate = 0.5
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = 30 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.SuccessThresholdHalfOpen == 0 {
		c.SuccessThresholdHalfOpen = 2
	}
}

// Breaker wraps gobreaker.CircuitBreaker with a trip condition of either
// FailureThreshold consecutive failures, or a rolling failure rate over
// RollingWindow exceeding RollingFailureRate.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker constructs a Breaker from cfg, filling in defaults for any
// zero field.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.setDefaults()

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThresholdHalfOpen,
		Interval:    cfg.RollingWindow,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			if counts.Requests == 0 {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate > cfg.RollingFailureRate
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker's current state as a string: "closed",
// "open", or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Execute runs fn through the breaker. When the breaker is open, fn is not
// called and gobreaker.ErrOpenState is returned.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}
