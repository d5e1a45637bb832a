package upstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/config"
	"github.com/owdns/owdns/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runUDPServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &dns.Server{PacketConn: pc, Handler: handler}
	go s.ActivateAndServe()
	t.Cleanup(func() { s.Shutdown() })

	return pc.LocalAddr().String()
}

func runTCPServer(t *testing.T, addr string, handler dns.HandlerFunc) string {
	t.Helper()

	if addr == "" {
		addr = "127.0.0.1:0"
	}

	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	s := &dns.Server{Listener: l, Handler: handler}
	go s.ActivateAndServe()
	t.Cleanup(func() { s.Shutdown() })

	return l.Addr().String()
}

func answerA(req *dns.Msg, ip string) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)

	rr, _ := dns.NewRR(req.Question[0].Name + " 300 IN A " + ip)
	m.Answer = append(m.Answer, rr)

	return m
}

func testQuery(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return m
}

func udpGroup(t *testing.T, addrs ...string) *Group {
	t.Helper()

	cfg := config.Upstream{QueryTimeoutSecs: 5, SelectionStrategy: config.SelectionRandom}
	for _, a := range addrs {
		cfg.Resolvers = append(cfg.Resolvers, config.ResolverAddr{Address: a, Protocol: config.ProtocolUDP})
	}

	g, err := newGroup("test", cfg, false, ecs.DefaultConfig(), nil)
	require.NoError(t, err)
	return g
}

func Test_UDPExchange(t *testing.T) {
	addr := runUDPServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		w.WriteMsg(answerA(req, "192.0.2.1"))
	})

	g := udpGroup(t, addr)

	resp, err := g.Exchange(context.Background(), testQuery("example.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.1", resp.Answer[0].(*dns.A).A.String())
}

func Test_TruncationRetriesOverTCP(t *testing.T) {
	udpAddr := runUDPServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Truncated = true
		w.WriteMsg(m)
	})

	var tcpHits atomic.Int32
	runTCPServer(t, udpAddr, func(w dns.ResponseWriter, req *dns.Msg) {
		tcpHits.Add(1)
		w.WriteMsg(answerA(req, "192.0.2.2"))
	})

	g := udpGroup(t, udpAddr)

	resp, err := g.Exchange(context.Background(), testQuery("example.com"), nil)
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
	assert.Equal(t, "192.0.2.2", resp.Answer[0].(*dns.A).A.String())
	assert.Equal(t, int32(1), tcpHits.Load())
}

func Test_FailoverToNextResolver(t *testing.T) {
	// dead resolver: nothing listens on this address
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	dead.Close()

	live := runUDPServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		w.WriteMsg(answerA(req, "192.0.2.3"))
	})

	cfg := config.Upstream{
		QueryTimeoutSecs:  2,
		SelectionStrategy: config.SelectionRoundRobin,
		Resolvers: []config.ResolverAddr{
			{Address: deadAddr, Protocol: config.ProtocolUDP},
			{Address: live, Protocol: config.ProtocolUDP},
		},
	}

	g, err := newGroup("test", cfg, false, ecs.DefaultConfig(), nil)
	require.NoError(t, err)
	// round-robin starts at the dead resolver on the first query
	g.rr.Store(0)

	resp, err := g.Exchange(context.Background(), testQuery("example.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.3", resp.Answer[0].(*dns.A).A.String())
}

func Test_AllResolversFail(t *testing.T) {
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	dead.Close()

	cfg := config.Upstream{
		QueryTimeoutSecs:  1,
		SelectionStrategy: config.SelectionRandom,
		Resolvers:         []config.ResolverAddr{{Address: deadAddr, Protocol: config.ProtocolUDP}},
	}

	g, err := newGroup("test", cfg, false, ecs.DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = g.Exchange(context.Background(), testQuery("example.com"), nil)
	assert.ErrorIs(t, err, ErrUpstreamFailure)
}

func Test_RoundRobinRotation(t *testing.T) {
	g := &Group{
		strategy:   config.SelectionRoundRobin,
		transports: []Transport{newUDPTransport("a:53"), newUDPTransport("b:53"), newUDPTransport("c:53")},
	}

	first := g.rotation()
	second := g.rotation()

	assert.Equal(t, "a:53", first[0].Address())
	assert.Equal(t, "b:53", second[0].Address())
	assert.Len(t, first, 3, "rotation visits every resolver")
}

func Test_DNSSECSetsDOBit(t *testing.T) {
	var sawDO atomic.Bool
	addr := runUDPServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		if opt := req.IsEdns0(); opt != nil && opt.Do() {
			sawDO.Store(true)
		}

		m := answerA(req, "192.0.2.4")
		m.AuthenticatedData = true
		w.WriteMsg(m)
	})

	cfg := config.Upstream{
		QueryTimeoutSecs:  5,
		SelectionStrategy: config.SelectionRandom,
		Resolvers:         []config.ResolverAddr{{Address: addr, Protocol: config.ProtocolUDP}},
	}

	g, err := newGroup("test", cfg, true, ecs.DefaultConfig(), nil)
	require.NoError(t, err)

	resp, err := g.Exchange(context.Background(), testQuery("signed.example.com"), nil)
	require.NoError(t, err)
	assert.True(t, sawDO.Load(), "outgoing query should carry the DO bit")
	assert.True(t, resp.AuthenticatedData, "AD bit preserved in the returned message")
}

func Test_DoHTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/dns-message", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		req := new(dns.Msg)
		require.NoError(t, req.Unpack(body))

		packed, err := answerA(req, "192.0.2.5").Pack()
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(packed)
	}))
	defer srv.Close()

	tr := newDoHTransport(srv.URL, srv.Client())

	resp, _, err := tr.Exchange(context.Background(), testQuery("example.com"))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.5", resp.Answer[0].(*dns.A).A.String())
}

func Test_DoHTransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := newDoHTransport(srv.URL, srv.Client())

	_, _, err := tr.Exchange(context.Background(), testQuery("example.com"))
	assert.Error(t, err)
}

func Test_DoTTransportAddress(t *testing.T) {
	tr, err := newDoTTransport("dns.google@8.8.8.8:853")
	require.NoError(t, err)
	assert.Equal(t, "dns.google@8.8.8.8:853", tr.Address())
	assert.Equal(t, "8.8.8.8:853", tr.addr)
	assert.Equal(t, "dns.google", tr.client.TLSConfig.ServerName)

	_, err = newDoTTransport("8.8.8.8:853")
	assert.Error(t, err)
}

func Test_DispatcherGroups(t *testing.T) {
	addr := runUDPServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		w.WriteMsg(answerA(req, "192.0.2.6"))
	})

	cfg := &config.Resolver{
		Upstream: config.Upstream{
			QueryTimeoutSecs:  5,
			SelectionStrategy: config.SelectionRandom,
			Resolvers:         []config.ResolverAddr{{Address: addr, Protocol: config.ProtocolUDP}},
		},
		ECSPolicy: config.ECSPolicy{Strategy: ecs.PolicyStrip, IPv4PrefixLength: 24, IPv6PrefixLength: 48},
		Routing: config.Routing{
			UpstreamGroups: map[string]config.Upstream{
				"clean_dns": {
					QueryTimeoutSecs:  5,
					SelectionStrategy: config.SelectionRandom,
					Resolvers:         []config.ResolverAddr{{Address: addr, Protocol: config.ProtocolUDP}},
					ECSPolicy:         &config.ECSPolicy{Strategy: ecs.PolicyAnonymize, IPv4PrefixLength: 24, IPv6PrefixLength: 48},
				},
			},
		},
	}

	d, err := NewDispatcher(cfg, nil, nil)
	require.NoError(t, err)

	// empty name selects the global pool
	g, ok := d.Group("")
	require.True(t, ok)
	assert.Equal(t, "upstream", g.Name())
	assert.Equal(t, ecs.PolicyStrip, g.ECS().Strategy)

	g, ok = d.Group("clean_dns")
	require.True(t, ok)
	assert.Equal(t, ecs.PolicyAnonymize, g.ECS().Strategy, "group ECS policy overrides global")

	_, ok = d.Group("nowhere")
	assert.False(t, ok)

	resp, err := d.Exchange(context.Background(), "clean_dns", testQuery("example.com"))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.6", resp.Answer[0].(*dns.A).A.String())
}
