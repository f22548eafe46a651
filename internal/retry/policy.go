// Package retry computes when a failed mutation should be pushed again and
// when it should be given up on.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultBaseDelay     = 2 * time.Second
	DefaultMaxDelay      = 5 * time.Minute
	DefaultMultiplier    = 2.0
	DefaultJitter        = 0.2
	DefaultMaxAttempts   = 8
	DefaultMaxRejections = 1

	// past this many doublings every interval is already clamped to MaxDelay
	maxSteps = 64
)

type Outcome int

const (
	OutcomeTransient Outcome = iota
	OutcomeRejected
	OutcomeCorrupt
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTransient:
		return "transient"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

type Policy struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        float64
	MaxAttempts   int
	MaxRejections int
}

type Decision struct {
	DeadLetter bool
	Delay      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		Multiplier:    DefaultMultiplier,
		Jitter:        DefaultJitter,
		MaxAttempts:   DefaultMaxAttempts,
		MaxRejections: DefaultMaxRejections,
	}
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxRejections <= 0 {
		p.MaxRejections = DefaultMaxRejections
	}
	return p
}

// NextDelay returns the wait before attempt number attempt+1, given that
// attempt pushes have failed so far. The result is jittered and never exceeds
// MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxSteps {
		attempt = maxSteps
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay < 0 {
		return 0
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempts has reached the MaxAttempts ceiling.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}

// Decide applies the dead-letter ceiling. Corrupt records are never retried,
// rejected ones only until MaxRejections, transient ones until MaxAttempts.
func (p Policy) Decide(attempts, rejections int, outcome Outcome) Decision {
	p = p.normalized()
	switch outcome {
	case OutcomeCorrupt:
		return Decision{DeadLetter: true}
	case OutcomeRejected:
		if rejections >= p.MaxRejections || p.Exhausted(attempts) {
			return Decision{DeadLetter: true}
		}
	default:
		if p.Exhausted(attempts) {
			return Decision{DeadLetter: true}
		}
	}
	return Decision{Delay: p.NextDelay(attempts)}
}
