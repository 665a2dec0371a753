package router

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// slidingWindow is a per-user approximate sliding window built from
// second-granularity buckets. Accurate to one second, which is enough for
// abuse containment; this is not a fairness-grade token bucket. State is
// process-local, so the limit is per-instance best-effort, not globally
// exact.
type slidingWindow struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	window time.Duration
	max    int
	users  map[string]map[int64]int // user_id -> unix second -> count
}

func newSlidingWindow(clock clockwork.Clock, window time.Duration, max int) *slidingWindow {
	return &slidingWindow{
		clock:  clock,
		window: window,
		max:    max,
		users:  make(map[string]map[int64]int),
	}
}

// allow sums the user's buckets newer than now-window, pruning older ones,
// and admits the send by incrementing the current second's bucket.
func (w *slidingWindow) allow(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now().Unix()
	cutoff := now - int64(w.window/time.Second)

	buckets, ok := w.users[userID]
	if !ok {
		buckets = make(map[int64]int)
		w.users[userID] = buckets
	}

	total := 0
	for sec, count := range buckets {
		if sec <= cutoff {
			delete(buckets, sec)
			continue
		}
		total += count
	}

	if total >= w.max {
		if len(buckets) == 0 {
			delete(w.users, userID)
		}
		return false
	}

	buckets[now]++
	return true
}
