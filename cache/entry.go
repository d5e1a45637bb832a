package cache

import (
	"time"

	"github.com/miekg/dns"
)

// Entry is an immutable cached answer. The stored message keeps the TTL
// values as they arrived; served copies are decremented by the entry age.
type Entry struct {
	msg *dns.Msg

	CreatedAt time.Time
	ExpiresAt time.Time

	Negative  bool
	Validated bool
}

// NewEntry copies msg into an entry valid for ttl from now.
func NewEntry(msg *dns.Msg, now time.Time, ttl time.Duration) *Entry {
	return &Entry{
		msg:       msg.Copy(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Negative:  msg.Rcode != dns.RcodeSuccess || len(msg.Answer) == 0,
		Validated: msg.AuthenticatedData,
	}
}

// TTL returns the remaining lifetime of the entry, never negative.
func (e *Entry) TTL(now time.Time) time.Duration {
	if ttl := e.ExpiresAt.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}

// Expired reports whether the entry is past its expiry.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Msg builds a reply for req from the entry. Record TTLs are decremented
// by the entry age and clamped at zero; the request ID is re-attached.
func (e *Entry) Msg(req *dns.Msg, now time.Time) *dns.Msg {
	m := e.msg.Copy()
	m.Id = req.Id

	age := uint32(now.Sub(e.CreatedAt).Seconds())
	decrement := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if rr.Header().Ttl > age {
				rr.Header().Ttl -= age
			} else {
				rr.Header().Ttl = 0
			}
		}
	}

	decrement(m.Answer)
	decrement(m.Ns)
	decrement(m.Extra)

	return m
}

// Raw returns the stored message without copying. Snapshot encoding only.
func (e *Entry) Raw() *dns.Msg {
	return e.msg
}
