package identity

import (
	"sync"
	"time"
)

// circuitState is a consecutive-failure breaker for one identity's transport.
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	mu        sync.Mutex
	fails     int
	openUntil time.Time
}

type circuitCfg struct {
	trip      int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func (c circuitCfg) enabled() bool { return c.trip > 0 }

func (st *circuitState) isOpen(now time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.openUntil.IsZero() && now.Before(st.openUntil)
}

// record returns true when this failure tripped the circuit open.
func (st *circuitState) record(now time.Time, cc circuitCfg, failed bool) bool {
	if !cc.enabled() {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		return false
	}
	st.fails++
	if st.fails < cc.trip {
		return false
	}
	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip; i++ {
		d *= 2
		if d >= cc.maxDelay {
			d = cc.maxDelay
			break
		}
	}
	st.openUntil = now.Add(d)
	return st.fails == cc.trip
}
