// Package cache provides the ECS-aware LRU answer cache for the gateway.
package cache

import (
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
	"github.com/owdns/owdns/dnsutil"
	"github.com/owdns/owdns/ecs"
)

// Scope is the ECS scope component of a cache key. The zero value means
// the entry was stored without a client subnet and serves any client.
type Scope struct {
	Family  uint16
	Prefix  uint8
	Network [16]byte
}

// EmptyScope serves any client.
var EmptyScope = Scope{}

// IsEmpty reports whether s carries no client subnet.
func (s Scope) IsEmpty() bool {
	return s.Prefix == 0 && s.Family == 0
}

// ScopeFromSubnet derives the cache scope from an upstream response subnet.
// A zero scope prefix means the answer is valid for any client.
func ScopeFromSubnet(sub *ecs.Subnet) Scope {
	if sub == nil || sub.ScopePrefix == 0 {
		return EmptyScope
	}

	return ScopeFor(sub.Address, sub.Family, sub.ScopePrefix)
}

// ScopeFor masks ip to prefix and returns the resulting scope.
func ScopeFor(ip net.IP, family uint16, prefix uint8) Scope {
	s := Scope{Family: family, Prefix: prefix}

	masked := ecs.MaskIP(ip, prefix)
	if family == ecs.FamilyIPv4 {
		copy(s.Network[:4], masked.To4())
	} else {
		copy(s.Network[:], masked.To16())
	}

	return s
}

// Key identifies a cached answer: the canonical question plus an optional
// ECS scope. Keys are comparable and hashed byte-for-byte.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
	Scope  Scope
}

// NewKey builds a key for question q under scope.
func NewKey(q dns.Question, scope Scope) Key {
	return Key{
		Name:   dnsutil.CanonicalName(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
		Scope:  scope,
	}
}

// Question returns the key without its scope component.
func (k Key) Question() Key {
	k.Scope = EmptyScope
	return k
}

// Bytes returns the canonical byte encoding of k, used for hashing and
// the snapshot format.
func (k Key) Bytes() []byte {
	buf := make([]byte, 0, len(k.Name)+24)

	buf = append(buf, byte(k.Qclass>>8), byte(k.Qclass))
	buf = append(buf, byte(k.Qtype>>8), byte(k.Qtype))
	buf = append(buf, byte(k.Scope.Family>>8), byte(k.Scope.Family))
	buf = append(buf, k.Scope.Prefix)
	buf = append(buf, k.Scope.Network[:]...)
	buf = append(buf, k.Name...)

	return buf
}

// Hash returns the xxhash of the key encoding. The gateway uses it for
// single-flight slot naming.
func (k Key) Hash() uint64 {
	return xxhash.Sum64(k.Bytes())
}
