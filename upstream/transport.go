// Package upstream dispatches queries to named resolver pools over udp,
// tcp, DoT and DoH transports.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/dnsutil"
)

// Transport sends one query to one resolver endpoint.
type Transport interface {
	Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error)
	Address() string
}

// udpTransport sends a single datagram with a 4096-byte EDNS0 receive
// buffer and retries over TCP when the answer comes back truncated.
type udpTransport struct {
	addr string
	udp  *dns.Client
	tcp  *dns.Client
}

func newUDPTransport(addr string) *udpTransport {
	return &udpTransport{
		addr: addr,
		udp:  &dns.Client{Net: "udp", UDPSize: dnsutil.DefaultMsgSize},
		tcp:  &dns.Client{Net: "tcp"},
	}
}

func (t *udpTransport) Address() string { return t.addr }

func (t *udpTransport) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	resp, rtt, err := t.udp.ExchangeContext(ctx, req, t.addr)
	if err != nil {
		return nil, rtt, err
	}

	if resp.Truncated {
		var tcpRtt time.Duration
		resp, tcpRtt, err = t.tcp.ExchangeContext(ctx, req, t.addr)
		rtt += tcpRtt
	}

	return resp, rtt, err
}

// tcpTransport exchanges over plain length-prefixed TCP.
type tcpTransport struct {
	addr   string
	client *dns.Client
}

func newTCPTransport(addr string) *tcpTransport {
	return &tcpTransport{addr: addr, client: &dns.Client{Net: "tcp"}}
}

func (t *tcpTransport) Address() string { return t.addr }

func (t *tcpTransport) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	return t.client.ExchangeContext(ctx, req, t.addr)
}

// dotTransport exchanges over TLS, verifying the hostname part of a
// "hostname@ip:port" address against the server certificate.
type dotTransport struct {
	spec   string
	addr   string
	client *dns.Client
}

func newDoTTransport(spec string) (*dotTransport, error) {
	host, addr, ok := strings.Cut(spec, "@")
	if !ok || host == "" {
		return nil, fmt.Errorf("upstream: dot address %q must be hostname@ip:port", spec)
	}

	return &dotTransport{
		spec: spec,
		addr: addr,
		client: &dns.Client{
			Net:       "tcp-tls",
			TLSConfig: &tls.Config{ServerName: host},
		},
	}, nil
}

func (t *dotTransport) Address() string { return t.spec }

func (t *dotTransport) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	return t.client.ExchangeContext(ctx, req, t.addr)
}

// dohTransport POSTs wire-format queries to an HTTPS endpoint over the
// shared pooled client.
type dohTransport struct {
	url    string
	client *http.Client
}

func newDoHTransport(url string, client *http.Client) *dohTransport {
	return &dohTransport{url: url, client: client}
}

func (t *dohTransport) Address() string { return t.url }

func (t *dohTransport) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	start := time.Now()

	packed, err := req.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("upstream: pack query: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(packed))
	if err != nil {
		return nil, 0, err
	}
	hreq.Header.Set("Content-Type", "application/dns-message")
	hreq.Header.Set("Accept", "application/dns-message")

	hresp, err := t.client.Do(hreq)
	if err != nil {
		return nil, time.Since(start), err
	}
	defer hresp.Body.Close()

	if hresp.StatusCode != http.StatusOK {
		return nil, time.Since(start), fmt.Errorf("upstream: doh status %d from %s", hresp.StatusCode, t.url)
	}

	body, err := io.ReadAll(io.LimitReader(hresp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, time.Since(start), err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, time.Since(start), fmt.Errorf("upstream: unpack doh answer: %w", err)
	}

	return resp, time.Since(start), nil
}
