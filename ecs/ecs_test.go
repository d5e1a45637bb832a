package ecs

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/dnsutil"
	"github.com/stretchr/testify/assert"
)

func subnetOption(family uint16, prefix, scope uint8, addr string) *dns.EDNS0_SUBNET {
	return &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        family,
		SourceNetmask: prefix,
		SourceScope:   scope,
		Address:       net.ParseIP(addr),
	}
}

func newQuery(opts ...dns.EDNS0) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(dnsutil.DefaultMsgSize, false)

	opt := req.IsEdns0()
	opt.Option = append(opt.Option, opts...)

	return req
}

func Test_FromMessage(t *testing.T) {
	req := newQuery(subnetOption(FamilyIPv4, 24, 0, "192.0.2.0"))

	s := FromMessage(req)
	assert.NotNil(t, s)
	assert.Equal(t, uint16(FamilyIPv4), s.Family)
	assert.Equal(t, uint8(24), s.SourcePrefix)

	assert.Nil(t, FromMessage(new(dns.Msg)))
}

func Test_PolicyStrip(t *testing.T) {
	cfg := DefaultConfig()

	req := newQuery(subnetOption(FamilyIPv4, 24, 0, "192.0.2.0"))
	sent, fired := cfg.Apply(req, net.ParseIP("203.0.113.7"))

	assert.Nil(t, sent)
	assert.Equal(t, PolicyStrip, fired)
	assert.Nil(t, FromMessage(req))
}

func Test_PolicyForward(t *testing.T) {
	cfg := Config{Enabled: true, Strategy: PolicyForward, IPv4Prefix: 24, IPv6Prefix: 48}

	// incoming ECS forwarded unchanged, scope reset to zero
	req := newQuery(subnetOption(FamilyIPv4, 20, 24, "192.0.2.0"))
	sent, fired := cfg.Apply(req, net.ParseIP("203.0.113.7"))

	assert.Equal(t, PolicyForward, fired)
	assert.Equal(t, uint8(20), sent.SourcePrefix)
	assert.Equal(t, uint8(0), sent.ScopePrefix)

	// no incoming ECS: synthesized from client IP at full prefix
	req = newQuery()
	sent, _ = cfg.Apply(req, net.ParseIP("203.0.113.7"))
	assert.Equal(t, uint8(32), sent.SourcePrefix)
	assert.Equal(t, "203.0.113.7", sent.Address.String())

	// client opt-out (source prefix 0) strips
	req = newQuery(subnetOption(FamilyIPv4, 0, 0, "0.0.0.0"))
	sent, fired = cfg.Apply(req, net.ParseIP("203.0.113.7"))
	assert.Nil(t, sent)
	assert.Equal(t, PolicyStrip, fired)
}

func Test_PolicyAnonymize(t *testing.T) {
	cfg := Config{Enabled: true, Strategy: PolicyAnonymize, IPv4Prefix: 24, IPv6Prefix: 48}

	// incoming ECS is overridden and masked
	req := newQuery(subnetOption(FamilyIPv4, 32, 0, "192.0.2.77"))
	sent, fired := cfg.Apply(req, net.ParseIP("203.0.113.7"))

	assert.Equal(t, PolicyAnonymize, fired)
	assert.Equal(t, uint8(24), sent.SourcePrefix)
	assert.Equal(t, "192.0.2.0", sent.Address.String())

	// synthesized from client IP
	req = newQuery()
	sent, _ = cfg.Apply(req, net.ParseIP("203.0.113.77"))
	assert.Equal(t, "203.0.113.0", sent.Address.String())

	// ipv6 masked to the configured prefix
	req = newQuery()
	sent, _ = cfg.Apply(req, net.ParseIP("2001:db8:1:2:3:4:5:6"))
	assert.Equal(t, uint8(48), sent.SourcePrefix)
	assert.Equal(t, "2001:db8:1::", sent.Address.String())
}

func Test_MaskIP(t *testing.T) {
	assert.Equal(t, "192.0.2.0", MaskIP(net.ParseIP("192.0.2.200"), 24).String())
	assert.Equal(t, "192.0.2.200", MaskIP(net.ParseIP("192.0.2.200"), 32).String())
	assert.Equal(t, "2001:db8::", MaskIP(net.ParseIP("2001:db8:0:1::1"), 32).String())
}

func Test_RemoveKeepsOtherOptions(t *testing.T) {
	cookie := &dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: "24a5ac1223344556"}
	req := newQuery(cookie, subnetOption(FamilyIPv4, 24, 0, "192.0.2.0"))

	Remove(req)

	opt := req.IsEdns0()
	assert.Len(t, opt.Option, 1)
	assert.Equal(t, uint16(dns.EDNS0COOKIE), opt.Option[0].Option())
}
