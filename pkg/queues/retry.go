package queues

import (
	"time"
)

// RetryPolicy defines redelivery behavior for failed messages. It is
// separate from the per-call model retry budget: a message is redelivered
// only when persisting its evaluation failed.
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Minute,
		BackoffFactor:  2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry attempt.
func (p RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return p.InitialBackoff
	}

	backoff := p.InitialBackoff
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffFactor)
		if backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// RetryDecision represents the decision about whether to retry.
type RetryDecision struct {
	ShouldRetry     bool
	BackoffDuration time.Duration
	Reason          string
}

// DecideRetry makes a retry decision based on the error and the number of
// failed deliveries, counting the one being decided. err may be nil when the
// caller only knows that the delivery failed.
func (p RetryPolicy) DecideRetry(err error, failures int) RetryDecision {
	if failures >= p.MaxRetries {
		return RetryDecision{
			ShouldRetry: false,
			Reason:      ErrMaxRetriesExceeded.Error(),
		}
	}

	if procErr := Categorize(err); procErr != nil && !procErr.IsRetryable() {
		return RetryDecision{
			ShouldRetry: false,
			Reason:      "permanent error: " + procErr.Code,
		}
	}

	return RetryDecision{
		ShouldRetry:     true,
		BackoffDuration: p.CalculateBackoff(failures - 1),
		Reason:          "retryable error",
	}
}
