package identity

import (
	"sync"
	"time"
)

// slidingWindow admits at most limit events in any half-open interval of
// length size. It keeps the timestamps of the last limit admissions in a ring;
// a new event is admitted only once the oldest of them has left the window.
type slidingWindow struct {
	mu     sync.Mutex
	size   time.Duration
	limit  int
	stamps []time.Time
	next   int
	n      int
}

func newSlidingWindow(limit int, size time.Duration) *slidingWindow {
	if size <= 0 {
		size = time.Second
	}
	w := &slidingWindow{size: size, limit: limit}
	if limit > 0 {
		w.stamps = make([]time.Time, limit)
	}
	return w
}

// waitLocked returns how long until one more event fits under limit, which
// may be lower than the ring's capacity. 0 means now.
func (w *slidingWindow) waitLocked(now time.Time, limit int) time.Duration {
	if w.limit <= 0 {
		return 0
	}
	if limit <= 0 || limit > w.limit {
		limit = w.limit
	}
	if w.n < limit {
		return 0
	}
	// The limit-th most recent stamp must have left the window.
	i := (w.next - limit + w.limit) % w.limit
	if d := w.stamps[i].Add(w.size).Sub(now); d > 0 {
		return d
	}
	return 0
}

func (w *slidingWindow) admitLocked(now time.Time) {
	if w.limit <= 0 {
		return
	}
	w.stamps[w.next] = now
	w.next = (w.next + 1) % w.limit
	if w.n < w.limit {
		w.n++
	}
}

// acquirePair admits one event into both windows atomically, or reports the
// wait until both could admit. ownLimit throttles the identity window below its
// capacity. Lock order is always (identity, global).
func acquirePair(now time.Time, own *slidingWindow, ownLimit int, global *slidingWindow) time.Duration {
	own.mu.Lock()
	defer own.mu.Unlock()
	if global != nil {
		global.mu.Lock()
		defer global.mu.Unlock()
	}

	wait := own.waitLocked(now, ownLimit)
	if global != nil {
		if g := global.waitLocked(now, 0); g > wait {
			wait = g
		}
	}
	if wait > 0 {
		return wait
	}
	own.admitLocked(now)
	if global != nil {
		global.admitLocked(now)
	}
	return 0
}
