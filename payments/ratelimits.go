package payments

import (
	"sort"
	"sync"
	"time"

	"gitlab.com/arcanecrypto/troncoil/payerr"
)

// evictBatch is how many user counters one eviction pass frees
const evictBatch = 1_000

type userCounter struct {
	lastSeen    time.Time
	windowStart time.Time
	count       int
}

// formLimiter throttles form creation globally and per user. The user
// counter map is bounded: when it fills up, counters idle past the
// cleanup age go first, then the oldest remaining ones.
type formLimiter struct {
	mu sync.Mutex

	globalInterval time.Duration
	userInterval   time.Duration
	hourlyQuota    int
	maxCounters    int
	cleanupAge     time.Duration

	lastCreation time.Time
	users        map[string]*userCounter

	now func() time.Time
}

func newFormLimiter(globalInterval, userInterval time.Duration,
	hourlyQuota, maxCounters int, cleanupAge time.Duration) *formLimiter {
	return &formLimiter{
		globalInterval: globalInterval,
		userInterval:   userInterval,
		hourlyQuota:    hourlyQuota,
		maxCounters:    maxCounters,
		cleanupAge:     cleanupAge,
		users:          make(map[string]*userCounter),
		now:            time.Now,
	}
}

// check returns a rate_limited error when a creation attempt by the
// given user would come too soon or over quota. The stamp is taken by
// record once the creation goes through, so a rejected request never
// consumes the caller's slot. An empty user key only gets the global
// throttle.
func (l *formLimiter) check(userKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.lastCreation.IsZero() && now.Sub(l.lastCreation) < l.globalInterval {
		return payerr.New(payerr.RateLimited, "form creation rate exceeded")
	}

	if userKey != "" {
		if counter, ok := l.users[userKey]; ok {
			if !counter.lastSeen.IsZero() && now.Sub(counter.lastSeen) < l.userInterval {
				return payerr.New(payerr.RateLimited, "user form creation rate exceeded")
			}
			if now.Sub(counter.windowStart) >= time.Hour {
				counter.windowStart = now
				counter.count = 0
			}
			if counter.count >= l.hourlyQuota {
				return payerr.New(payerr.RateLimited, "user hourly form quota exceeded")
			}
		}
	}
	return nil
}

// record stamps a successful creation for the rate accounting
func (l *formLimiter) record(userKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if userKey != "" {
		counter, ok := l.users[userKey]
		if !ok {
			l.evictIfFull(now)
			counter = &userCounter{windowStart: now}
			l.users[userKey] = counter
		}
		counter.lastSeen = now
		counter.count++
	}
	l.lastCreation = now
}

// evictIfFull frees room for one more counter. Idle counters past the
// cleanup age are dropped first; if that isn't enough the oldest
// counters go until a full batch is freed.
func (l *formLimiter) evictIfFull(now time.Time) {
	if len(l.users) < l.maxCounters {
		return
	}

	for key, counter := range l.users {
		if now.Sub(counter.lastSeen) > l.cleanupAge {
			delete(l.users, key)
		}
	}

	excess := len(l.users) - (l.maxCounters - evictBatch)
	if excess <= 0 {
		return
	}

	type aged struct {
		key      string
		lastSeen time.Time
	}
	oldest := make([]aged, 0, len(l.users))
	for key, counter := range l.users {
		oldest = append(oldest, aged{key: key, lastSeen: counter.lastSeen})
	}
	sort.Slice(oldest, func(i, j int) bool {
		return oldest[i].lastSeen.Before(oldest[j].lastSeen)
	})
	for i := 0; i < excess && i < len(oldest); i++ {
		delete(l.users, oldest[i].key)
	}
}
