package bittorrent

import (
	"net/netip"

	"github.com/chihaya/unit3d/pkg/log"
)

// SanitizeAnnounce enforces a max and default NumWant, maps unknown events to
// None and unmaps IPv4-mapped IPv6 addresses.
//
// Out of range values are clamped, never rejected.
func SanitizeAnnounce(r *AnnounceRequest, maxNumWant, defaultNumWant uint32) {
	if !r.NumWantProvided {
		r.NumWant = defaultNumWant
	}
	if r.NumWant > maxNumWant {
		r.NumWant = maxNumWant
	}

	switch r.Event {
	case None, Started, Stopped, Completed:
	default:
		r.Event = None
	}

	r.AddrPort = netip.AddrPortFrom(r.AddrPort.Addr().Unmap(), r.AddrPort.Port())

	log.Debug("sanitized announce", r, log.Fields{
		"maxNumWant":     maxNumWant,
		"defaultNumWant": defaultNumWant,
	})
}
