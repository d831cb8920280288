package payments

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/troncoil/payerr"
)

// testClock lets the limiter tests control time
type testClock struct {
	current time.Time
}

func (c *testClock) now() time.Time { return c.current }

func (c *testClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestLimiter(clock *testClock) *formLimiter {
	limiter := newFormLimiter(500*time.Millisecond, 2*time.Second, 3, 100, time.Hour)
	limiter.now = clock.now
	return limiter
}

// take drives the limiter the way form creation does: check, then
// record on success
func take(l *formLimiter, key string) error {
	if err := l.check(key); err != nil {
		return err
	}
	l.record(key)
	return nil
}

func TestGlobalInterval(t *testing.T) {
	t.Parallel()
	clock := &testClock{current: time.Unix(1_700_000_000, 0)}
	limiter := newTestLimiter(clock)

	require.NoError(t, take(limiter, ""))

	err := take(limiter, "")
	require.Error(t, err)
	assert.Equal(t, payerr.RateLimited, payerr.KindOf(err))

	clock.advance(600 * time.Millisecond)
	assert.NoError(t, take(limiter, ""))
}

func TestUserInterval(t *testing.T) {
	t.Parallel()
	clock := &testClock{current: time.Unix(1_700_000_000, 0)}
	limiter := newTestLimiter(clock)

	require.NoError(t, take(limiter, "alice"))

	// past the global throttle but inside the per-user one
	clock.advance(time.Second)
	err := take(limiter, "alice")
	require.Error(t, err)
	assert.Equal(t, payerr.RateLimited, payerr.KindOf(err))

	// a different user is not throttled
	assert.NoError(t, take(limiter, "bob"))

	clock.advance(2 * time.Second)
	assert.NoError(t, take(limiter, "alice"))
}

func TestUserHourlyQuota(t *testing.T) {
	t.Parallel()
	clock := &testClock{current: time.Unix(1_700_000_000, 0)}
	limiter := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, take(limiter, "alice"))
		clock.advance(3 * time.Second)
	}

	err := take(limiter, "alice")
	require.Error(t, err)
	assert.Equal(t, payerr.RateLimited, payerr.KindOf(err))

	// the window resets an hour after it opened
	clock.advance(time.Hour)
	assert.NoError(t, take(limiter, "alice"))
}

func TestRejectedCheckConsumesNoSlot(t *testing.T) {
	t.Parallel()
	clock := &testClock{current: time.Unix(1_700_000_000, 0)}
	limiter := newTestLimiter(clock)

	require.NoError(t, take(limiter, "alice"))

	// a check alone, rejected or not, leaves no stamp behind
	clock.advance(time.Second)
	require.Error(t, limiter.check("alice"))
	require.Error(t, limiter.check("alice"))

	clock.advance(time.Second + 100*time.Millisecond)
	assert.NoError(t, take(limiter, "alice"),
		"the interval counts from the last recorded creation, not the last rejection")
}

func TestCounterEviction(t *testing.T) {
	t.Parallel()
	clock := &testClock{current: time.Unix(1_700_000_000, 0)}
	limiter := newFormLimiter(0, 2*time.Second, 100, 10, time.Hour)
	limiter.now = clock.now

	for i := 0; i < 10; i++ {
		require.NoError(t, take(limiter, fmt.Sprintf("user-%d", i)))
		clock.advance(3 * time.Second)
	}
	require.Len(t, limiter.users, 10)

	// all existing counters are now idle past the cleanup age, so the
	// next new user displaces them instead of growing the map
	clock.advance(2 * time.Hour)
	require.NoError(t, take(limiter, "fresh-user"))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.users, 1)
	assert.Contains(t, limiter.users, "fresh-user")
}
