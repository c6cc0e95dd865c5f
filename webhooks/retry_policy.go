package webhooks

import "time"

const (
	defaultRetryBaseDelay = 60 * time.Second
	defaultRetryMaxDelay  = 3600 * time.Second
)

type RetryPolicy interface {
	NextDelay(retryCount int) time.Duration
}

// ExponentialRetryPolicy waits Base * 2^retryCount, capped at Max.
type ExponentialRetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(retryCount int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = defaultRetryMaxDelay
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}
