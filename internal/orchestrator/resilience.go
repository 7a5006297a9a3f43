package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/productteam/internal/config"
)

// RetryConfig configures the exponential backoff between node attempts.
// The number of attempts is bounded by the node's retry budget, not by time.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// RetryConfigFrom takes the intervals from the scheduler configuration.
func RetryConfigFrom(sc config.SchedulerConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if sc.RetryInitialInterval > 0 {
		rc.InitialInterval = sc.RetryInitialInterval
	}
	if sc.RetryMaxInterval > 0 {
		rc.MaxInterval = sc.RetryMaxInterval
	}
	return rc
}

func (rc RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialInterval
	b.MaxInterval = rc.MaxInterval
	b.MaxElapsedTime = 0
	b.Multiplier = rc.Multiplier
	b.RandomizationFactor = rc.RandomizationFactor
	b.Reset()
	return b
}
