// Package macsched picks which MAC identity serves the next stream request.
// Scoring favors MACs the portal has not seen recently, with spare session
// slots, and far from their subscription expiry. Pure and deterministic:
// the same inputs always pick the same MAC.
package macsched

import (
	"sort"
	"time"
)

// Candidate is one MAC with its live accounting.
type Candidate struct {
	MAC string

	// IdleSeconds since this MAC last talked to the portal.
	IdleSeconds float64

	// Limit is the stream cap for this MAC; 0 means unknown, treated as 1.
	Limit int

	// Active sessions currently pinned to this MAC.
	Active int

	// Expiry of the subscription; zero means unknown (never filtered).
	Expiry time.Time
}

// EffectiveLimit resolves the 0-means-unknown cap.
func (c Candidate) EffectiveLimit() int {
	if c.Limit <= 0 {
		return 1
	}
	return c.Limit
}

// FreeSlots never goes negative.
func (c Candidate) FreeSlots() int {
	free := c.EffectiveLimit() - c.Active
	if free < 0 {
		return 0
	}
	return free
}

// Weights tune the three scoring terms.
type Weights struct {
	Idle   float64
	Slots  float64
	Expiry float64
}

// DefaultWeights favor idleness first, then slot headroom, then expiry
// distance.
var DefaultWeights = Weights{Idle: 1.0, Slots: 0.6, Expiry: 0.4}

// expiryHorizon is where "close to expiry" starts mattering: inside 30 days
// the expiry penalty ramps from 0 to 1.
const expiryHorizon = 30 * 24 * time.Hour

// idleScore maps idle seconds to a step curve. Fresh MACs (under a minute)
// score nothing; fully rested ones (over 30 minutes) score 1.
func idleScore(idleSeconds float64) float64 {
	switch {
	case idleSeconds < 60:
		return 0
	case idleSeconds < 300:
		return 0.3
	case idleSeconds < 1800:
		return 0.7
	default:
		return 1.0
	}
}

func expiryCloseness(expiry time.Time, now time.Time) float64 {
	if expiry.IsZero() {
		return 0
	}
	until := expiry.Sub(now)
	if until <= 0 {
		return 1
	}
	if until >= expiryHorizon {
		return 0
	}
	return 1 - float64(until)/float64(expiryHorizon)
}

// Score computes the ranking value for one candidate.
func Score(c Candidate, w Weights, now time.Time) float64 {
	return w.Idle*idleScore(c.IdleSeconds) +
		w.Slots*float64(c.FreeSlots())/float64(c.EffectiveLimit()) -
		w.Expiry*expiryCloseness(c.Expiry, now)
}

// Pick selects the best usable candidate. MACs with no free slots or an
// already-passed expiry are never selected. Ties break on more free slots,
// then later expiry, then lexicographic MAC, so ordering is total.
func Pick(cands []Candidate, w Weights, now time.Time) (Candidate, bool) {
	var usable []Candidate
	for _, c := range cands {
		if c.FreeSlots() == 0 {
			continue
		}
		if !c.Expiry.IsZero() && !c.Expiry.After(now) {
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return Candidate{}, false
	}
	sort.Slice(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		sa, sb := Score(a, w, now), Score(b, w, now)
		if sa != sb {
			return sa > sb
		}
		if a.FreeSlots() != b.FreeSlots() {
			return a.FreeSlots() > b.FreeSlots()
		}
		if !a.Expiry.Equal(b.Expiry) {
			if a.Expiry.IsZero() || b.Expiry.IsZero() {
				return b.Expiry.IsZero()
			}
			return a.Expiry.After(b.Expiry)
		}
		return a.MAC < b.MAC
	})
	return usable[0], true
}

// Rank returns all usable candidates in selection order. Useful for
// failover: try Rank()[0], then Rank()[1], and so on.
func Rank(cands []Candidate, w Weights, now time.Time) []Candidate {
	var out []Candidate
	remaining := cands
	for {
		best, ok := Pick(remaining, w, now)
		if !ok {
			return out
		}
		out = append(out, best)
		next := remaining[:0:0]
		for _, c := range remaining {
			if c.MAC != best.MAC {
				next = append(next, c)
			}
		}
		remaining = next
	}
}
