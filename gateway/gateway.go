// Package gateway coordinates the query pipeline: cache, routing, ECS
// transformation and upstream dispatch.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/cache"
	"github.com/owdns/owdns/dnsutil"
	"github.com/owdns/owdns/ecs"
	"github.com/owdns/owdns/metrics"
	"github.com/owdns/owdns/routing"
	"github.com/owdns/owdns/upstream"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/singleflight"
)

// ErrRouting means a matched rule references a group the dispatcher does
// not know. Config validation prevents this at startup; hitting it at
// runtime is a bug.
var ErrRouting = errors.New("gateway: rule references unknown group")

// Config carries the cache TTL policy for the coordinator.
type Config struct {
	CacheEnabled bool
	TTLMin       uint32
	TTLMax       uint32
	TTLNegative  uint32
}

// Gateway resolves validated questions through the pipeline. At most one
// upstream query is in flight per (cache key, group) tuple; concurrent
// arrivals share the leader's result.
type Gateway struct {
	cfg        Config
	cache      *cache.Cache
	router     *routing.Router
	dispatcher *upstream.Dispatcher
	metrics    *metrics.Metrics

	sf singleflight.Group

	// Testing.
	now func() time.Time
}

// New wires the coordinator. cache may be nil when caching is disabled;
// router may be nil when routing is disabled.
func New(cfg Config, c *cache.Cache, rt *routing.Router, d *upstream.Dispatcher, m *metrics.Metrics) *Gateway {
	if c == nil {
		cfg.CacheEnabled = false
	}
	if m == nil {
		m = metrics.New()
	}

	return &Gateway{
		cfg:        cfg,
		cache:      c,
		router:     rt,
		dispatcher: d,
		metrics:    m,
		now:        time.Now,
	}
}

// Resolve answers a normalised single-question request for clientIP. The
// returned message carries the request's ID.
func (g *Gateway) Resolve(ctx context.Context, req *dns.Msg, clientIP net.IP) (*dns.Msg, error) {
	q := req.Question[0]

	if g.cfg.CacheEnabled {
		if entry, ok := g.cache.Get(q, clientIP); ok {
			g.metrics.CacheHit()

			resp := entry.Msg(req, g.now())
			g.metrics.Query(q.Qtype, resp.Rcode)
			return resp, nil
		}
		g.metrics.CacheMiss()
	}

	group := g.router.Match(q.Name)

	if group == routing.GroupBlackhole {
		resp := g.blackhole(req)
		g.metrics.Query(q.Qtype, resp.Rcode)
		return resp, nil
	}

	pool, ok := g.dispatcher.Group(group)
	if !ok {
		zlog.Error("Routing decision names unknown group", "group", group, "query", dnsutil.FormatQuestion(q))
		return nil, ErrRouting
	}

	outbound := req.Copy()
	sent, fired := pool.ECS().Apply(outbound, clientIP)
	if fired != "" {
		g.metrics.ECSPolicy(fired)
	}

	shared, err := g.exchange(ctx, q, group, pool, outbound, sent)
	if err != nil {
		return nil, err
	}

	resp := shared.Copy()
	resp.Id = req.Id

	g.metrics.Query(q.Qtype, resp.Rcode)

	return resp, nil
}

// exchange runs the upstream leg under single-flight. The slot key is
// the cache key under the subnet actually sent upstream, so clients in
// different ECS networks never share an answer.
func (g *Gateway) exchange(ctx context.Context, q dns.Question, group string, pool *upstream.Group, outbound *dns.Msg, sent *ecs.Subnet) (*dns.Msg, error) {
	slotKey := cache.NewKey(q, sentScope(sent))
	slot := fmt.Sprintf("%x/%s", slotKey.Hash(), group)

	ch := g.sf.DoChan(slot, func() (any, error) {
		defer g.sf.Forget(slot)

		resp, err := pool.Exchange(ctx, outbound, g.metrics)
		if err != nil {
			return nil, err
		}

		if err := validateResponse(q, resp); err != nil {
			zlog.Warn("Upstream response rejected", "group", pool.Name(), "query", dnsutil.FormatQuestion(q), "error", err.Error())
			return nil, errors.Join(upstream.ErrUpstreamFailure, err)
		}

		g.store(q, resp, sent)

		return resp, nil
	})

	select {
	case res := <-ch:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*dns.Msg), nil

	case <-ctx.Done():
		// Only this waiter gives up. The leader keeps the slot until its
		// own fn returns, where the deferred Forget releases it; dropping
		// the slot here would let a third arrival start a second upstream
		// query for the same key while the leader is still in flight.
		return nil, ctx.Err()
	}
}

// store inserts an upstream response, keyed by the scope the upstream
// acknowledged. Truncated answers are never cached.
func (g *Gateway) store(q dns.Question, resp *dns.Msg, sent *ecs.Subnet) {
	if !g.cfg.CacheEnabled || resp.Truncated {
		return
	}

	scope := cache.EmptyScope
	if sent != nil {
		scope = cache.ScopeFromSubnet(ecs.FromMessage(resp))
	}

	now := g.now()
	g.cache.Put(q, scope, cache.NewEntry(resp, now, g.effectiveTTL(resp)))
}

// blackhole synthesises an NXDOMAIN without touching the network and
// caches it for the negative TTL.
func (g *Gateway) blackhole(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeNameError)
	resp.Authoritative = false
	resp.RecursionAvailable = true

	if g.cfg.CacheEnabled {
		now := g.now()
		ttl := time.Duration(g.cfg.TTLNegative) * time.Second
		g.cache.Put(req.Question[0], cache.EmptyScope, cache.NewEntry(resp, now, ttl))
	}

	return resp
}

func (g *Gateway) effectiveTTL(resp *dns.Msg) time.Duration {
	if dnsutil.IsNegative(resp) {
		return time.Duration(g.cfg.TTLNegative) * time.Second
	}

	ttl, ok := dnsutil.MinimalTTL(resp)
	if !ok {
		return time.Duration(g.cfg.TTLNegative) * time.Second
	}

	lo := time.Duration(g.cfg.TTLMin) * time.Second
	hi := time.Duration(g.cfg.TTLMax) * time.Second

	if ttl < lo {
		return lo
	}
	if ttl > hi {
		return hi
	}
	return ttl
}

func sentScope(sent *ecs.Subnet) cache.Scope {
	if sent == nil {
		return cache.EmptyScope
	}
	return cache.ScopeFor(sent.Address, sent.Family, sent.SourcePrefix)
}

func validateResponse(q dns.Question, resp *dns.Msg) error {
	if !resp.Response {
		return errors.New("gateway: answer without QR bit")
	}

	if len(resp.Question) != 1 {
		return fmt.Errorf("gateway: answer with %d questions", len(resp.Question))
	}

	echo := resp.Question[0]
	if dnsutil.CanonicalName(echo.Name) != dnsutil.CanonicalName(q.Name) || echo.Qtype != q.Qtype || echo.Qclass != q.Qclass {
		return errors.New("gateway: answer question does not echo the query")
	}

	return nil
}
