package queue

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Policy is the queue-level retry policy.
type Policy struct {
	MaxAttempts int           // default 3
	BackoffBase time.Duration // default 5s
	BackoffMax  time.Duration // default 5m
	Jitter      float64       // default 0.2 (±20%)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 5 * time.Second
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 5 * time.Minute
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Delay returns the wait before the next attempt after attempt failed
// (attempt starts at 1). A RetryAfter hint replaces the exponential base.
func (p Policy) Delay(attempt int, err error) time.Duration {
	p = p.withDefaults()

	d := p.BackoffBase
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= p.BackoffMax {
				break
			}
		}
	}
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	if d > 0 {
		r := (randFloat64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// dead reports whether a failure on attempt exhausts the job.
func (p Policy) dead(attempt, maxAttempts int, err error) bool {
	if IsNoRetry(err) {
		return true
	}
	if maxAttempts <= 0 {
		maxAttempts = p.withDefaults().MaxAttempts
	}
	return attempt >= maxAttempts
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}
