// Package relevance owns the decay/boost policy for relevance_score and
// the only code paths that write it.
package relevance

import (
	"math"
	"time"
)

// Policy is the decay/boost function applied on every recorded use.
//
//	r' = r·2^(-idle/HalfLife) + Boost/(1+ln(1+n))
//
// where idle is the time since relevance was last computed and n is the
// usage count after the use. Each use adds a positive, shrinking boost;
// idle time decays the score toward zero and never below it.
type Policy struct {
	Boost    float64
	HalfLife time.Duration
}

// Initial is the relevance a freshly ingested record starts with.
func (p Policy) Initial() float64 {
	return p.Boost
}

// Decay applies idle decay to r.
func (p Policy) Decay(r float64, idle time.Duration) float64 {
	if r <= 0 {
		return 0
	}
	if idle <= 0 || p.HalfLife <= 0 {
		return r
	}
	d := r * math.Exp2(-float64(idle)/float64(p.HalfLife))
	if d < 1e-9 {
		return 0
	}
	return d
}

// Boosted returns the relevance after one more use, usage being the
// usage count including that use.
func (p Policy) Boosted(r float64, idle time.Duration, usage int64) float64 {
	if usage < 1 {
		usage = 1
	}
	return p.Decay(r, idle) + p.Boost/(1+math.Log1p(float64(usage)))
}

// idleSince converts a millisecond gap into a non-negative duration.
func idleSince(from, now int64) time.Duration {
	if now <= from {
		return 0
	}
	return time.Duration(now-from) * time.Millisecond
}
