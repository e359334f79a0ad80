// Package credit applies the site-wide upload and download factors to the byte
// deltas announced by clients.
package credit

import (
	"math"
	"math/bits"
)

// Neutral is the factor that credits a delta unchanged.
const Neutral uint8 = 100

// Apply returns floor(delta * factor / 100).
//
// A factor of 100 is neutral, 0 discounts the delta entirely (freeleech when
// used for downloads) and anything above 100 amplifies it. The product is
// computed on 128 bits; a result that does not fit in 64 bits saturates at
// math.MaxUint64.
func Apply(delta uint64, factor uint8) uint64 {
	hi, lo := bits.Mul64(delta, uint64(factor))
	if hi >= 100 {
		return math.MaxUint64
	}

	q, _ := bits.Div64(hi, lo, 100)
	return q
}

// Delta returns the progress made between two cumulative counters reported by
// a client.
//
// A counter that went backwards means the client reset its session, so the
// whole current value counts as progress.
func Delta(prior, current uint64, hasPrior bool) uint64 {
	if !hasPrior || current < prior {
		return current
	}
	return current - prior
}
