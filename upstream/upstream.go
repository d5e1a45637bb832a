package upstream

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/config"
	"github.com/owdns/owdns/dnsutil"
	"github.com/owdns/owdns/ecs"
	"github.com/semihalev/zlog/v2"
)

// ErrUpstreamFailure means every resolver attempt for a group failed
// within the query budget.
var ErrUpstreamFailure = errors.New("upstream: all resolvers failed")

// Observer receives attempt outcomes for accounting.
type Observer interface {
	Upstream(group string, d time.Duration)
	UpstreamFailure(group string)
}

// Group is a named pool of resolvers sharing a selection strategy, a
// query budget and an ECS policy.
type Group struct {
	name       string
	transports []Transport
	strategy   string
	timeout    time.Duration
	dnssec     bool
	ecs        ecs.Config

	rr atomic.Uint64
}

// Name returns the group name; the global pool is named "upstream".
func (g *Group) Name() string { return g.name }

// ECS returns the group's effective ECS configuration.
func (g *Group) ECS() ecs.Config { return g.ecs }

// Timeout returns the per-query budget covering all attempts.
func (g *Group) Timeout() time.Duration { return g.timeout }

// rotation returns the transport order for one query. Random selection
// starts at a random offset, round-robin advances a shared counter;
// either way every resolver appears once so failures can fall through.
func (g *Group) rotation() []Transport {
	n := len(g.transports)
	if n == 1 {
		return g.transports
	}

	var start int
	switch g.strategy {
	case config.SelectionRoundRobin:
		start = int(g.rr.Add(1)-1) % n
	default:
		start = rand.Intn(n)
	}

	order := make([]Transport, 0, n)
	for i := 0; i < n; i++ {
		order = append(order, g.transports[(start+i)%n])
	}

	return order
}

// Exchange resolves req against the pool. The group timeout bounds the
// total time across attempts; each failed attempt falls through to the
// next resolver in the rotation with the remaining budget.
func (g *Group) Exchange(ctx context.Context, req *dns.Msg, obs Observer) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	query := req.Copy()
	if g.dnssec {
		setDO(query)
	}

	var lastErr error

	for _, tr := range g.rotation() {
		if ctx.Err() != nil {
			break
		}

		resp, rtt, err := tr.Exchange(ctx, query)

		if obs != nil {
			obs.Upstream(g.name, rtt)
		}

		if err != nil {
			lastErr = err
			if obs != nil {
				obs.UpstreamFailure(g.name)
			}
			zlog.Debug("Upstream attempt failed", "group", g.name, "resolver", tr.Address(), "error", err.Error())
			continue
		}

		if resp.Id != query.Id {
			lastErr = dns.ErrId
			if obs != nil {
				obs.UpstreamFailure(g.name)
			}
			continue
		}

		return resp, nil
	}

	if lastErr != nil {
		zlog.Warn("All upstream attempts failed", "group", g.name, "error", lastErr.Error())
		return nil, errors.Join(ErrUpstreamFailure, lastErr)
	}

	return nil, ErrUpstreamFailure
}

// setDO requests DNSSEC records without clobbering an existing OPT.
func setDO(req *dns.Msg) {
	if opt := req.IsEdns0(); opt != nil {
		opt.SetDo()
		return
	}

	req.SetEdns0(dnsutil.DefaultMsgSize, true)
}

// Dispatcher resolves queries through the global pool or a named
// routing group.
type Dispatcher struct {
	global *Group
	groups map[string]*Group
	obs    Observer
}

// NewDispatcher builds the global pool and every routing group from the
// configuration. The shared HTTP client serves all DoH endpoints.
func NewDispatcher(cfg *config.Resolver, httpClient *http.Client, obs Observer) (*Dispatcher, error) {
	globalECS := ecsConfig(cfg.ECSPolicy)
	globalDNSSEC := cfg.Upstream.EnableDNSSEC != nil && *cfg.Upstream.EnableDNSSEC

	global, err := newGroup("upstream", cfg.Upstream, globalDNSSEC, globalECS, httpClient)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		global: global,
		groups: make(map[string]*Group),
		obs:    obs,
	}

	for name, gc := range cfg.Routing.UpstreamGroups {
		dnssec := globalDNSSEC
		if gc.EnableDNSSEC != nil {
			dnssec = *gc.EnableDNSSEC
		}

		groupECS := globalECS
		if gc.ECSPolicy != nil {
			groupECS = ecsConfig(*gc.ECSPolicy)
		}

		g, err := newGroup(name, gc, dnssec, groupECS, httpClient)
		if err != nil {
			return nil, err
		}

		d.groups[name] = g
	}

	return d, nil
}

func newGroup(name string, cfg config.Upstream, dnssec bool, ecsCfg ecs.Config, httpClient *http.Client) (*Group, error) {
	g := &Group{
		name:     name,
		strategy: cfg.SelectionStrategy,
		timeout:  time.Duration(cfg.QueryTimeoutSecs) * time.Second,
		dnssec:   dnssec,
		ecs:      ecsCfg,
	}

	for _, r := range cfg.Resolvers {
		tr, err := newTransport(r, httpClient)
		if err != nil {
			return nil, err
		}
		g.transports = append(g.transports, tr)
	}

	return g, nil
}

func newTransport(r config.ResolverAddr, httpClient *http.Client) (Transport, error) {
	switch r.Protocol {
	case config.ProtocolUDP:
		return newUDPTransport(r.Address), nil
	case config.ProtocolTCP:
		return newTCPTransport(r.Address), nil
	case config.ProtocolDoT:
		return newDoTTransport(r.Address)
	case config.ProtocolDoH:
		return newDoHTransport(r.Address, httpClient), nil
	default:
		return nil, errors.New("upstream: unknown protocol " + r.Protocol)
	}
}

func ecsConfig(p config.ECSPolicy) ecs.Config {
	return ecs.Config{
		Enabled:    true,
		Strategy:   p.Strategy,
		IPv4Prefix: p.IPv4PrefixLength,
		IPv6Prefix: p.IPv6PrefixLength,
	}
}

// Group returns the pool for a routing decision. The empty name selects
// the global pool.
func (d *Dispatcher) Group(name string) (*Group, bool) {
	if name == "" {
		return d.global, true
	}

	g, ok := d.groups[name]
	return g, ok
}

// Exchange resolves req through the named group.
func (d *Dispatcher) Exchange(ctx context.Context, group string, req *dns.Msg) (*dns.Msg, error) {
	g, ok := d.Group(group)
	if !ok {
		return nil, errors.New("upstream: unknown group " + group)
	}

	return g.Exchange(ctx, req, d.obs)
}
