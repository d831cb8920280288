package tronscan

import (
	"sync"
	"time"
)

// rateLimiter enforces two constraints under one mutex: a sliding
// 60-second window of at most requestsPerMinute issued requests, and a
// minimum spacing between consecutive requests. After a 429 it holds all
// requests for backoffFactor * 30s since the stamp; a 200 resets.
type rateLimiter struct {
	mu sync.Mutex

	requestsPerMinute int
	minInterval       time.Duration
	requestTimes      []time.Time

	last429       time.Time
	backoffFactor int

	// test hooks
	now   func() time.Time
	sleep func(time.Duration)
}

const (
	minRequestSpacing = 3 * time.Second
	backoffUnit       = 30 * time.Second
	maxBackoffFactor  = 8
)

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	interval := time.Duration(float64(time.Minute) / float64(requestsPerMinute))
	if interval < minRequestSpacing {
		interval = minRequestSpacing
	}
	return &rateLimiter{
		requestsPerMinute: requestsPerMinute,
		minInterval:       interval,
		backoffFactor:     1,
		now:               time.Now,
		sleep:             time.Sleep,
	}
}

// wait blocks until a request may be issued, then records it. Only the
// limiter's own mutex is held while sleeping.
func (r *rateLimiter) wait() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if !r.last429.IsZero() {
		hold := time.Duration(r.backoffFactor) * backoffUnit
		if since := now.Sub(r.last429); since < hold {
			log.WithField("sleep", hold-since).Warn("Backing off after 429")
			r.sleep(hold - since)
			now = r.now()
		}
	}

	r.trim(now)
	if len(r.requestTimes) >= r.requestsPerMinute {
		sleep := time.Minute - now.Sub(r.requestTimes[0]) + 5*time.Second
		if sleep > 0 {
			log.WithField("sleep", sleep).Info("Rate limit window full")
			r.sleep(sleep)
			now = r.now()
			r.trim(now)
		}
	}

	if n := len(r.requestTimes); n > 0 {
		if since := now.Sub(r.requestTimes[n-1]); since < r.minInterval {
			r.sleep(r.minInterval - since)
			now = r.now()
		}
	}

	r.requestTimes = append(r.requestTimes, now)
}

// trim drops request stamps older than the sliding window
func (r *rateLimiter) trim(now time.Time) {
	kept := r.requestTimes[:0]
	for _, t := range r.requestTimes {
		if now.Sub(t) < time.Minute {
			kept = append(kept, t)
		}
	}
	r.requestTimes = kept
}

func (r *rateLimiter) note429() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last429 = r.now()
	r.backoffFactor *= 2
	if r.backoffFactor > maxBackoffFactor {
		r.backoffFactor = maxBackoffFactor
	}
}

func (r *rateLimiter) noteSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last429 = time.Time{}
	r.backoffFactor = 1
}

func (r *rateLimiter) factor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoffFactor
}

// issued reports how many requests were recorded inside the current
// sliding window
func (r *rateLimiter) issued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trim(r.now())
	return len(r.requestTimes)
}
