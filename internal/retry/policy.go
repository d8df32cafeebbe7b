package retry

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"deliveryd/internal/delivery"
)

// Policy is exponential backoff bounded by a retry count.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Multiplier float64
	// MaxDelay caps the computed delay (not the provider hint). 0 = no cap.
	MaxDelay time.Duration
	// Jitter adds a uniform random delay in [0, Jitter).
	Jitter time.Duration
	// TierMaxRetries overrides MaxRetries per subscriber tier.
	TierMaxRetries map[delivery.Tier]int
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Base <= 0 {
		p.Base = 5 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// MaxRetriesFor returns the retry budget for a subscriber tier.
func (p Policy) MaxRetriesFor(t delivery.Tier) int {
	if n, ok := p.TierMaxRetries[delivery.Tier(strings.ToUpper(string(t)))]; ok && n >= 0 {
		return n
	}
	return p.MaxRetries
}

// Delay returns the wait before the attempt following failed attempt k
// (k >= 1): Base × Multiplier^(k-1), capped, plus jitter, and never less
// than hint.
func (p Policy) Delay(k int, hint time.Duration, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	if k < 1 {
		k = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(k-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > float64(math.MaxInt64/2) {
		d = float64(math.MaxInt64 / 2)
	}
	out := time.Duration(d)
	if p.Jitter > 0 && rng != nil {
		out += time.Duration(rng.Int63n(int64(p.Jitter)))
	}
	if hint > out {
		out = hint
	}
	return out
}
