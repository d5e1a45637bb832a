// Package server terminates the DoH HTTP surface: request decode, client
// identification, rate limiting and status mapping around the gateway.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/config"
	"github.com/owdns/owdns/gateway"
	"github.com/owdns/owdns/metrics"
	"github.com/owdns/owdns/server/doh"
	"github.com/owdns/owdns/upstream"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
)

// Server is the HTTP listener in front of a gateway.
type Server struct {
	cfg     config.HTTPServer
	gw      *gateway.Gateway
	metrics *metrics.Metrics

	proxies cidranger.Ranger
	limiter *rateLimiter

	http *http.Server
}

// New wires the HTTP surface. Invalid trusted-proxy CIDRs were already
// rejected by config validation.
func New(cfg config.HTTPServer, gw *gateway.Gateway, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		gw:      gw,
		metrics: m,
	}

	if len(cfg.TrustedProxies) > 0 {
		s.proxies = cidranger.NewPCTrieRanger()
		for _, cidr := range cfg.TrustedProxies {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				zlog.Error("Trusted proxy parse cidr failed", "cidr", cidr, "error", err.Error())
				continue
			}
			s.proxies.Insert(cidranger.NewBasicRangerEntry(*ipnet))
		}
	}

	if cfg.RateLimit.Enabled {
		s.limiter = newRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.handler(),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	return s
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/dns-query", s.limited(s.handleWire))
	mux.HandleFunc("/resolve", s.limited(s.handleJSON))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

// Run serves until the listener closes. TLS is enabled when the config
// carries a certificate pair.
func (s *Server) Run() error {
	zlog.Info("DoH server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS.Enabled())

	var err error
	if s.cfg.TLS.Enabled() {
		err = s.http.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = s.http.ListenAndServe()
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(s.clientIP(r)) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// clientIP returns the transport peer, or the first trusted forwarding
// header when the peer is a known proxy. X-Forwarded-For's left-most
// entry wins over X-Real-IP.
func (s *Server) clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)

	if s.proxies == nil || peer == nil {
		return peer
	}

	if trusted, _ := s.proxies.Contains(peer); !trusted {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}

	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		if ip := net.ParseIP(strings.TrimSpace(xrip)); ip != nil {
			return ip
		}
	}

	return peer
}

func (s *Server) handleWire(w http.ResponseWriter, r *http.Request) {
	req, err := doh.ParseWireRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := s.resolve(w, r, req)
	if resp == nil {
		return
	}

	if err := doh.WriteWire(w, resp); err != nil {
		zlog.Warn("Wire response write failed", "error", err.Error())
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	req, err := doh.ParseJSONRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := s.resolve(w, r, req)
	if resp == nil {
		return
	}

	if err := doh.WriteJSON(w, r, resp); err != nil {
		zlog.Warn("JSON response write failed", "error", err.Error())
	}
}

// resolve runs the pipeline and maps failures to statuses. It returns
// nil after writing an error response.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request, req *dns.Msg) *dns.Msg {
	resp, err := s.gw.Resolve(r.Context(), req, s.clientIP(r))
	if err != nil {
		writeError(w, err)
		return nil
	}

	return resp
}

func writeError(w http.ResponseWriter, err error) {
	var status int

	switch {
	case errors.Is(err, doh.ErrBadMedia):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, doh.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, upstream.ErrUpstreamFailure):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// client went away or ran out the request timeout
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	http.Error(w, http.StatusText(status), status)
}
