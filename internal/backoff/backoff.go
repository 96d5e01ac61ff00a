// Package backoff implements the retry policies used by jobs and pipeline
// nodes: fixed, linear and exponential intervals with optional jitter.
package backoff

import (
	"errors"
	"math/rand"
	"time"
)

// ErrRetriesExhausted is returned by a Retrier when the policy allows no
// further attempts.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy computes the wait interval before a given attempt.
type RetryPolicy interface {
	// ComputeInterval returns the interval to wait before attempt
	// (0-based retry count) or an error when no retries remain.
	ComputeInterval(attempt int) (time.Duration, error)
}

// FixedBackoffPolicy waits the same interval before every retry.
type FixedBackoffPolicy struct {
	Interval   time.Duration
	MaxRetries int // 0 means retry indefinitely
}

func (p *FixedBackoffPolicy) ComputeInterval(attempt int) (time.Duration, error) {
	if p.MaxRetries > 0 && attempt >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return p.Interval, nil
}

// LinearBackoffPolicy grows the interval by Increment per attempt.
type LinearBackoffPolicy struct {
	Interval    time.Duration
	Increment   time.Duration
	MaxInterval time.Duration
	MaxRetries  int
}

func (p *LinearBackoffPolicy) ComputeInterval(attempt int) (time.Duration, error) {
	if p.MaxRetries > 0 && attempt >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	interval := p.Interval + time.Duration(attempt)*p.Increment
	if p.MaxInterval > 0 && interval > p.MaxInterval {
		interval = p.MaxInterval
	}
	return interval, nil
}

// ExponentialBackoffPolicy multiplies the interval by BackoffFactor per
// attempt, capped at MaxInterval.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	MaxRetries      int
}

// NewExponentialBackoffPolicy returns a policy with factor 2 and a one
// minute cap.
func NewExponentialBackoffPolicy(initial time.Duration) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: initial,
		BackoffFactor:   2.0,
		MaxInterval:     time.Minute,
	}
}

func (p *ExponentialBackoffPolicy) ComputeInterval(attempt int) (time.Duration, error) {
	if p.MaxRetries > 0 && attempt >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	interval := float64(p.InitialInterval)
	for i := 0; i < attempt; i++ {
		interval *= p.BackoffFactor
		if p.MaxInterval > 0 && interval >= float64(p.MaxInterval) {
			return p.MaxInterval, nil
		}
	}
	return time.Duration(interval), nil
}

// JitterFunc perturbs a computed interval.
type JitterFunc func(time.Duration) time.Duration

// FullJitter returns a random interval in [0, d).
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// HalfJitter perturbs the interval by up to ±50%.
func HalfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(int64(d)))
}

type jitteredPolicy struct {
	base   RetryPolicy
	jitter JitterFunc
}

// WithJitter wraps a policy so every computed interval is perturbed.
func WithJitter(base RetryPolicy, jitter JitterFunc) RetryPolicy {
	return &jitteredPolicy{base: base, jitter: jitter}
}

func (p *jitteredPolicy) ComputeInterval(attempt int) (time.Duration, error) {
	interval, err := p.base.ComputeInterval(attempt)
	if err != nil {
		return 0, err
	}
	return p.jitter(interval), nil
}

// Retrier tracks attempts against a policy.
type Retrier struct {
	policy  RetryPolicy
	attempt int
}

func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{policy: policy}
}

// Next returns the interval to wait before the next attempt.
func (r *Retrier) Next() (time.Duration, error) {
	interval, err := r.policy.ComputeInterval(r.attempt)
	if err != nil {
		return 0, err
	}
	r.attempt++
	return interval, nil
}

// Attempts returns the number of intervals handed out so far.
func (r *Retrier) Attempts() int { return r.attempt }

// Reset rewinds the attempt counter after a success.
func (r *Retrier) Reset() { r.attempt = 0 }
