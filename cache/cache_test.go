package cache

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAnswer(name string, ttl uint32, ip string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Response = true

	rr, err := dns.NewRR(dns.Fqdn(name) + " " + "3600" + " IN A " + ip)
	if err != nil {
		panic(err)
	}
	rr.Header().Ttl = ttl
	m.Answer = append(m.Answer, rr)

	return m
}

func question(name string) dns.Question {
	return dns.Question{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}
}

func Test_CacheHitMiss(t *testing.T) {
	c := New(16)
	now := time.Now()
	c.now = func() time.Time { return now }

	q := question("example.com")

	_, ok := c.Get(q, nil)
	assert.False(t, ok)

	c.Put(q, EmptyScope, NewEntry(testAnswer("example.com", 300, "192.0.2.1"), now, 300*time.Second))

	e, ok := c.Get(q, nil)
	require.True(t, ok)
	assert.False(t, e.Negative)

	// lookups are case-insensitive
	_, ok = c.Get(question("EXAMPLE.com"), nil)
	assert.True(t, ok)
}

func Test_CacheExpiry(t *testing.T) {
	c := New(16)
	now := time.Now()
	c.now = func() time.Time { return now }

	q := question("example.com")
	c.Put(q, EmptyScope, NewEntry(testAnswer("example.com", 60, "192.0.2.1"), now, 60*time.Second))

	now = now.Add(59 * time.Second)
	_, ok := c.Get(q, nil)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get(q, nil)
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entry should be removed on lookup")
}

func Test_CacheLRUEviction(t *testing.T) {
	c := New(2)
	now := time.Now()
	c.now = func() time.Time { return now }

	mk := func(name string) {
		c.Put(question(name), EmptyScope, NewEntry(testAnswer(name, 300, "192.0.2.1"), now, 300*time.Second))
	}

	mk("a.test")
	mk("b.test")

	// touch a.test so b.test is the LRU victim
	_, ok := c.Get(question("a.test"), nil)
	require.True(t, ok)

	mk("c.test")

	assert.Equal(t, 2, c.Len())
	_, ok = c.Get(question("b.test"), nil)
	assert.False(t, ok)
	_, ok = c.Get(question("a.test"), nil)
	assert.True(t, ok)
}

func Test_CacheLastWriterWins(t *testing.T) {
	c := New(16)
	now := time.Now()
	c.now = func() time.Time { return now }

	q := question("example.com")
	c.Put(q, EmptyScope, NewEntry(testAnswer("example.com", 300, "192.0.2.1"), now, 300*time.Second))
	c.Put(q, EmptyScope, NewEntry(testAnswer("example.com", 300, "192.0.2.2"), now, 300*time.Second))

	assert.Equal(t, 1, c.Len())

	e, ok := c.Get(q, nil)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.2", e.Raw().Answer[0].(*dns.A).A.String())
}

func Test_CacheECSScope(t *testing.T) {
	c := New(16)
	now := time.Now()
	c.now = func() time.Time { return now }

	q := question("geo.example.com")
	scoped := ScopeFor(net.ParseIP("192.0.2.0"), ecs.FamilyIPv4, 24)

	c.Put(q, scoped, NewEntry(testAnswer("geo.example.com", 300, "198.51.100.1"), now, 300*time.Second))

	// client inside the scoped network
	e, ok := c.Get(q, net.ParseIP("192.0.2.77"))
	require.True(t, ok)
	assert.Equal(t, "198.51.100.1", e.Raw().Answer[0].(*dns.A).A.String())

	// client outside the network misses
	_, ok = c.Get(q, net.ParseIP("203.0.113.1"))
	assert.False(t, ok)

	// no client IP misses a scoped-only entry
	_, ok = c.Get(q, nil)
	assert.False(t, ok)
}

func Test_CacheECSLongestPrefixWins(t *testing.T) {
	c := New(16)
	now := time.Now()
	c.now = func() time.Time { return now }

	q := question("geo.example.com")

	wide := ScopeFor(net.ParseIP("192.0.0.0"), ecs.FamilyIPv4, 16)
	narrow := ScopeFor(net.ParseIP("192.0.2.0"), ecs.FamilyIPv4, 24)

	c.Put(q, wide, NewEntry(testAnswer("geo.example.com", 300, "198.51.100.16"), now, 300*time.Second))
	c.Put(q, narrow, NewEntry(testAnswer("geo.example.com", 300, "198.51.100.24"), now, 300*time.Second))

	e, ok := c.Get(q, net.ParseIP("192.0.2.9"))
	require.True(t, ok)
	assert.Equal(t, "198.51.100.24", e.Raw().Answer[0].(*dns.A).A.String())

	// outside the /24 but inside the /16 falls back to the wider scope
	e, ok = c.Get(q, net.ParseIP("192.0.9.9"))
	require.True(t, ok)
	assert.Equal(t, "198.51.100.16", e.Raw().Answer[0].(*dns.A).A.String())
}

func Test_CacheScopedAndUnscoped(t *testing.T) {
	c := New(16)
	now := time.Now()
	c.now = func() time.Time { return now }

	q := question("geo.example.com")
	scoped := ScopeFor(net.ParseIP("192.0.2.0"), ecs.FamilyIPv4, 24)

	c.Put(q, scoped, NewEntry(testAnswer("geo.example.com", 300, "198.51.100.24"), now, 300*time.Second))
	c.Put(q, EmptyScope, NewEntry(testAnswer("geo.example.com", 300, "198.51.100.0"), now, 300*time.Second))

	// scoped entry wins for matching clients, unscoped serves the rest
	e, _ := c.Get(q, net.ParseIP("192.0.2.9"))
	assert.Equal(t, "198.51.100.24", e.Raw().Answer[0].(*dns.A).A.String())

	e, _ = c.Get(q, net.ParseIP("203.0.113.9"))
	assert.Equal(t, "198.51.100.0", e.Raw().Answer[0].(*dns.A).A.String())
}

func Test_EntryTTLDecrement(t *testing.T) {
	now := time.Now()
	e := NewEntry(testAnswer("example.com", 300, "192.0.2.1"), now, 300*time.Second)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.Id = 0x1234

	m := e.Msg(req, now.Add(100*time.Second))
	assert.Equal(t, uint16(0x1234), m.Id)
	assert.Equal(t, uint32(200), m.Answer[0].Header().Ttl)

	// age beyond the record TTL clamps at zero
	m = e.Msg(req, now.Add(1000*time.Second))
	assert.Equal(t, uint32(0), m.Answer[0].Header().Ttl)
}

func Test_KeyEncoding(t *testing.T) {
	q := question("Example.COM")

	k := NewKey(q, EmptyScope)
	assert.Equal(t, "example.com.", k.Name)

	scoped := NewKey(q, ScopeFor(net.ParseIP("192.0.2.5"), ecs.FamilyIPv4, 24))
	assert.NotEqual(t, k.Hash(), scoped.Hash())
	assert.Equal(t, k, scoped.Question())

	// masking is part of the scope: two IPs in the same /24 share a key
	other := NewKey(q, ScopeFor(net.ParseIP("192.0.2.200"), ecs.FamilyIPv4, 24))
	assert.Equal(t, scoped, other)
}
