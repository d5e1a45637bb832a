// Package dnsutil provides DNS protocol helpers shared across the gateway.
package dnsutil

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultMsgSize is the EDNS0 advertised UDP buffer size.
	DefaultMsgSize = 4096

	// MaxNameLength is the maximum length of a domain name in octets (RFC 1035).
	MaxNameLength = 255
)

// CanonicalName returns the canonical lowercase absolute form of name.
func CanonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// TrimmedName returns name lowercased with the trailing root dot removed.
// Routing matchers compare names in this form.
func TrimmedName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

// ValidName reports whether name is a well-formed query name: non-empty,
// within the RFC 1035 length limit and built from the DNS label character
// set (letters, digits, hyphen, underscore, dot, and wildcard labels).
func ValidName(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}

	if _, ok := dns.IsDomainName(name); !ok {
		return false
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '*':
		default:
			return false
		}
	}

	return true
}

// MinimalTTL returns the smallest TTL over the answer section of msg,
// falling back to the authority and additional sections when the answer
// section is empty. OPT pseudo-records are skipped. The second return
// value is false when no record carries a TTL at all.
func MinimalTTL(msg *dns.Msg) (time.Duration, bool) {
	minTTL := uint32(0)
	found := false

	scan := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if !found || rr.Header().Ttl < minTTL {
				minTTL = rr.Header().Ttl
				found = true
			}
		}
	}

	scan(msg.Answer)
	if !found {
		scan(msg.Ns)
		scan(msg.Extra)
	}

	return time.Duration(minTTL) * time.Second, found
}

// IsNegative reports whether msg is a negative response: a non-NOERROR
// rcode, or NOERROR with an empty answer section (NODATA).
func IsNegative(msg *dns.Msg) bool {
	if msg.Rcode != dns.RcodeSuccess {
		return true
	}

	return len(msg.Answer) == 0
}

// FormatQuestion returns a log-friendly rendering of q.
func FormatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}
