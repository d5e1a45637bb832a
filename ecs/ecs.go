// Package ecs implements EDNS Client Subnet (RFC 7871) handling for
// outbound queries and cache key derivation.
package ecs

import (
	"net"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/dnsutil"
)

// Policies applied to outbound queries.
const (
	PolicyStrip     = "strip"
	PolicyForward   = "forward"
	PolicyAnonymize = "anonymize"
)

// Default anonymization prefix lengths (RFC 7871 recommendations).
const (
	DefaultIPv4Prefix = 24
	DefaultIPv6Prefix = 48
)

// ECS address families per RFC 7871.
const (
	FamilyIPv4 = 1
	FamilyIPv6 = 2
)

// Subnet is a parsed EDNS Client Subnet option.
type Subnet struct {
	Family       uint16
	SourcePrefix uint8
	ScopePrefix  uint8
	Address      net.IP
}

// Config selects the policy and anonymization prefixes for a resolver group.
type Config struct {
	Enabled    bool
	Strategy   string
	IPv4Prefix uint8
	IPv6Prefix uint8
}

// DefaultConfig returns the gateway default: strip.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Strategy:   PolicyStrip,
		IPv4Prefix: DefaultIPv4Prefix,
		IPv6Prefix: DefaultIPv6Prefix,
	}
}

// FromMessage extracts the ECS option from msg's OPT record, if any.
func FromMessage(msg *dns.Msg) *Subnet {
	opt := msg.IsEdns0()
	if opt == nil {
		return nil
	}

	for _, option := range opt.Option {
		if e, ok := option.(*dns.EDNS0_SUBNET); ok {
			return &Subnet{
				Family:       e.Family,
				SourcePrefix: e.SourceNetmask,
				ScopePrefix:  e.SourceScope,
				Address:      e.Address,
			}
		}
	}

	return nil
}

// Apply rewrites the ECS option of the outbound query req according to the
// policy. It returns the subnet that will be sent upstream (nil when ECS is
// stripped) and the policy label that fired, for metrics.
func (c Config) Apply(req *dns.Msg, clientIP net.IP) (*Subnet, string) {
	if !c.Enabled {
		return nil, ""
	}

	incoming := FromMessage(req)

	switch c.Strategy {
	case PolicyForward:
		if incoming != nil {
			// Source prefix zero means the client opted out of ECS.
			if incoming.SourcePrefix == 0 {
				Remove(req)
				return nil, PolicyStrip
			}

			sent := &Subnet{
				Family:       incoming.Family,
				SourcePrefix: incoming.SourcePrefix,
				ScopePrefix:  0,
				Address:      incoming.Address,
			}
			setSubnet(req, sent)
			return sent, PolicyForward
		}

		if clientIP == nil {
			return nil, PolicyForward
		}

		sent := subnetFromIP(clientIP, fullPrefix(clientIP))
		setSubnet(req, sent)
		return sent, PolicyForward

	case PolicyAnonymize:
		ip := clientIP
		if incoming != nil {
			if incoming.SourcePrefix == 0 {
				Remove(req)
				return nil, PolicyStrip
			}
			ip = incoming.Address
		}

		if ip == nil {
			return nil, PolicyAnonymize
		}

		prefix := c.IPv4Prefix
		if ip.To4() == nil {
			prefix = c.IPv6Prefix
		}

		sent := subnetFromIP(MaskIP(ip, prefix), prefix)
		setSubnet(req, sent)
		return sent, PolicyAnonymize

	default:
		// Unknown strategies degrade to strip.
		Remove(req)
		return nil, PolicyStrip
	}
}

// Remove strips any ECS option from msg's OPT record.
func Remove(msg *dns.Msg) {
	opt := msg.IsEdns0()
	if opt == nil {
		return
	}

	options := opt.Option[:0]
	for _, option := range opt.Option {
		if _, ok := option.(*dns.EDNS0_SUBNET); !ok {
			options = append(options, option)
		}
	}
	opt.Option = options
}

// MaskIP zeroes all bits of ip beyond prefix.
func MaskIP(ip net.IP, prefix uint8) net.IP {
	if v4 := ip.To4(); v4 != nil {
		if prefix >= 32 {
			return v4
		}
		return v4.Mask(net.CIDRMask(int(prefix), 32))
	}

	if prefix >= 128 {
		return ip
	}
	return ip.Mask(net.CIDRMask(int(prefix), 128))
}

func fullPrefix(ip net.IP) uint8 {
	if ip.To4() != nil {
		return 32
	}
	return 128
}

func subnetFromIP(ip net.IP, prefix uint8) *Subnet {
	family := uint16(FamilyIPv4)
	addr := ip.To4()
	if addr == nil {
		family = FamilyIPv6
		addr = ip.To16()
	}

	return &Subnet{
		Family:       family,
		SourcePrefix: prefix,
		ScopePrefix:  0,
		Address:      addr,
	}
}

func setSubnet(msg *dns.Msg, s *Subnet) {
	opt := msg.IsEdns0()
	if opt == nil {
		msg.SetEdns0(dnsutil.DefaultMsgSize, false)
		opt = msg.IsEdns0()
	}

	e := &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        s.Family,
		SourceNetmask: s.SourcePrefix,
		SourceScope:   s.ScopePrefix,
		Address:       s.Address,
	}

	options := opt.Option[:0]
	for _, option := range opt.Option {
		if _, ok := option.(*dns.EDNS0_SUBNET); !ok {
			options = append(options, option)
		}
	}
	opt.Option = append(options, e)
}
