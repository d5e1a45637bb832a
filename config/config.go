// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/owdns/owdns/ecs"
	"github.com/owdns/owdns/routing"
	"github.com/semihalev/zlog/v2"
	"gopkg.in/yaml.v3"
)

const configver = "1.0.0"

// Protocols accepted for upstream resolvers.
const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
	ProtocolDoT = "dot"
	ProtocolDoH = "doh"
)

// Selection strategies for resolver pools.
const (
	SelectionRandom     = "random"
	SelectionRoundRobin = "round_robin"
)

// Config is the root of the YAML configuration.
type Config struct {
	Version    string     `yaml:"version"`
	Log        Log        `yaml:"log"`
	HTTPServer HTTPServer `yaml:"http_server"`
	Resolver   Resolver   `yaml:"dns_resolver"`

	sVersion string
}

// ServerVersion returns the build version the config was loaded with.
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Log settings.
type Log struct {
	Level string `yaml:"level"`
}

// HTTPServer is the listener configuration.
type HTTPServer struct {
	ListenAddr     string    `yaml:"listen_addr"`
	TimeoutSecs    int       `yaml:"timeout_secs"`
	TrustedProxies []string  `yaml:"trusted_proxies"`
	RateLimit      RateLimit `yaml:"rate_limit"`
	TLS            TLS       `yaml:"tls"`
}

// RateLimit is the per-client-IP token bucket.
type RateLimit struct {
	Enabled   bool    `yaml:"enabled"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// TLS holds the optional server certificate pair.
type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether the listener should serve TLS.
func (t TLS) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// Resolver groups everything behind the HTTP surface.
type Resolver struct {
	HTTPClient HTTPClient `yaml:"http_client"`
	Cache      Cache      `yaml:"cache"`
	Upstream   Upstream   `yaml:"upstream"`
	ECSPolicy  ECSPolicy  `yaml:"ecs_policy"`
	Routing    Routing    `yaml:"routing"`
}

// HTTPClient bounds the shared outbound HTTP pool (DoH upstreams and
// URL rule fetches).
type HTTPClient struct {
	TimeoutSecs        int `yaml:"timeout_secs"`
	MaxIdleConnections int `yaml:"max_idle_connections"`
	IdleTimeoutSecs    int `yaml:"idle_timeout_secs"`
}

// Cache settings.
type Cache struct {
	Enabled     bool        `yaml:"enabled"`
	Size        int         `yaml:"size"`
	TTL         TTL         `yaml:"ttl"`
	Persistence Persistence `yaml:"persistence"`
}

// TTL clamping bounds, in seconds.
type TTL struct {
	Min      uint32 `yaml:"min"`
	Max      uint32 `yaml:"max"`
	Negative uint32 `yaml:"negative"`
}

// Persistence controls cache snapshots.
type Persistence struct {
	Enabled                 bool     `yaml:"enabled"`
	Path                    string   `yaml:"path"`
	MaxItemsToSave          int      `yaml:"max_items_to_save"`
	SkipExpiredOnLoad       bool     `yaml:"skip_expired_on_load"`
	ShutdownSaveTimeoutSecs int      `yaml:"shutdown_save_timeout_secs"`
	Periodic                Periodic `yaml:"periodic"`
}

// Periodic controls the background save loop.
type Periodic struct {
	Enabled      bool `yaml:"enabled"`
	IntervalSecs int  `yaml:"interval_secs"`
}

// ResolverAddr is one upstream resolver endpoint.
type ResolverAddr struct {
	Address  string `yaml:"address"`
	Protocol string `yaml:"protocol"`
}

// Upstream is a named pool of resolvers. The top-level upstream is the
// global pool; routing groups override its optional fields when set.
type Upstream struct {
	Resolvers         []ResolverAddr `yaml:"resolvers"`
	EnableDNSSEC      *bool          `yaml:"enable_dnssec,omitempty"`
	QueryTimeoutSecs  int            `yaml:"query_timeout_secs"`
	SelectionStrategy string         `yaml:"selection_strategy"`
	ECSPolicy         *ECSPolicy     `yaml:"ecs_policy,omitempty"`
}

// ECSPolicy configures the EDNS Client Subnet transformer.
type ECSPolicy struct {
	Strategy         string `yaml:"strategy"`
	IPv4PrefixLength uint8  `yaml:"ipv4_prefix_length"`
	IPv6PrefixLength uint8  `yaml:"ipv6_prefix_length"`
}

// Routing settings: named groups plus the ordered rule list.
type Routing struct {
	Enabled              bool                `yaml:"enabled"`
	UpstreamGroups       map[string]Upstream `yaml:"upstream_groups"`
	Rules                []routing.Spec      `yaml:"rules"`
	DefaultUpstreamGroup string              `yaml:"default_upstream_group"`
	URLRefreshSecs       int                 `yaml:"url_rule_refresh_secs"`
}

// Load reads the config at cfgfile, applies defaults and validates. A
// missing file at the default path generates a commented default config
// first.
func Load(cfgfile, version string) (*Config, error) {
	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if filepath.Base(cfgfile) == "owdns.yml" {
			if err := generateConfig(cfgfile); err != nil {
				return nil, err
			}
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	data, err := os.ReadFile(cfgfile)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	config := new(Config)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.HTTPServer.ListenAddr == "" {
		c.HTTPServer.ListenAddr = "127.0.0.1:3000"
	}
	if c.HTTPServer.TimeoutSecs == 0 {
		c.HTTPServer.TimeoutSecs = 120
	}
	if c.HTTPServer.RateLimit.PerSecond == 0 {
		c.HTTPServer.RateLimit.PerSecond = 20
	}
	if c.HTTPServer.RateLimit.Burst == 0 {
		c.HTTPServer.RateLimit.Burst = 40
	}

	hc := &c.Resolver.HTTPClient
	if hc.TimeoutSecs == 0 {
		hc.TimeoutSecs = 120
	}
	if hc.MaxIdleConnections == 0 {
		hc.MaxIdleConnections = 64
	}
	if hc.IdleTimeoutSecs == 0 {
		hc.IdleTimeoutSecs = 30
	}

	cache := &c.Resolver.Cache
	if cache.Size == 0 {
		cache.Size = 10000
	}
	if cache.TTL.Min == 0 {
		cache.TTL.Min = 60
	}
	if cache.TTL.Max == 0 {
		cache.TTL.Max = 86400
	}
	if cache.TTL.Negative == 0 {
		cache.TTL.Negative = 300
	}
	if cache.Persistence.Path == "" {
		cache.Persistence.Path = "owdns-cache.dat"
	}
	if cache.Persistence.ShutdownSaveTimeoutSecs == 0 {
		cache.Persistence.ShutdownSaveTimeoutSecs = 5
	}
	if cache.Persistence.Periodic.IntervalSecs == 0 {
		cache.Persistence.Periodic.IntervalSecs = 3600
	}

	applyUpstreamDefaults(&c.Resolver.Upstream)
	for name, g := range c.Resolver.Routing.UpstreamGroups {
		applyUpstreamDefaults(&g)
		c.Resolver.Routing.UpstreamGroups[name] = g
	}

	e := &c.Resolver.ECSPolicy
	if e.Strategy == "" {
		e.Strategy = ecs.PolicyStrip
	}
	if e.IPv4PrefixLength == 0 {
		e.IPv4PrefixLength = ecs.DefaultIPv4Prefix
	}
	if e.IPv6PrefixLength == 0 {
		e.IPv6PrefixLength = ecs.DefaultIPv6Prefix
	}

	if c.Resolver.Routing.URLRefreshSecs == 0 {
		c.Resolver.Routing.URLRefreshSecs = 3600
	}
}

func applyUpstreamDefaults(u *Upstream) {
	if u.QueryTimeoutSecs == 0 {
		u.QueryTimeoutSecs = 30
	}
	if u.SelectionStrategy == "" {
		u.SelectionStrategy = SelectionRandom
	}
	for i, r := range u.Resolvers {
		if r.Protocol == "" {
			u.Resolvers[i].Protocol = ProtocolUDP
		}
	}
}

// Validate rejects configurations that cannot serve: missing resolvers,
// dangling group references, malformed resolver addresses, inverted TTL
// bounds.
func (c *Config) Validate() error {
	if len(c.Resolver.Upstream.Resolvers) == 0 {
		return fmt.Errorf("config: dns_resolver.upstream needs at least one resolver")
	}

	if err := validateUpstream("upstream", &c.Resolver.Upstream); err != nil {
		return err
	}

	ttl := c.Resolver.Cache.TTL
	if ttl.Min > ttl.Max {
		return fmt.Errorf("config: cache ttl.min %d exceeds ttl.max %d", ttl.Min, ttl.Max)
	}

	if err := validateECSPolicy(&c.Resolver.ECSPolicy); err != nil {
		return err
	}

	for _, cidr := range c.HTTPServer.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("config: trusted proxy %q: %w", cidr, err)
		}
	}

	return c.validateRouting()
}

func (c *Config) validateRouting() error {
	rt := &c.Resolver.Routing

	for name, g := range rt.UpstreamGroups {
		if name == routing.GroupBlackhole {
			return fmt.Errorf("config: upstream group name %q is reserved", name)
		}
		if len(g.Resolvers) == 0 {
			return fmt.Errorf("config: upstream group %q has no resolvers", name)
		}
		if err := validateUpstream(name, &g); err != nil {
			return err
		}
		if g.ECSPolicy != nil {
			if err := validateECSPolicy(g.ECSPolicy); err != nil {
				return err
			}
		}
	}

	groupExists := func(name string) bool {
		if name == routing.GroupBlackhole {
			return true
		}
		_, ok := rt.UpstreamGroups[name]
		return ok
	}

	for i, rule := range rt.Rules {
		if rule.Group == "" {
			return fmt.Errorf("config: routing rule %d missing upstream_group", i)
		}
		if !groupExists(rule.Group) {
			return fmt.Errorf("config: routing rule %d references unknown group %q", i, rule.Group)
		}
	}

	if rt.DefaultUpstreamGroup != "" && !groupExists(rt.DefaultUpstreamGroup) {
		return fmt.Errorf("config: default_upstream_group %q does not exist", rt.DefaultUpstreamGroup)
	}

	return nil
}

func validateUpstream(name string, u *Upstream) error {
	switch u.SelectionStrategy {
	case SelectionRandom, SelectionRoundRobin:
	default:
		return fmt.Errorf("config: upstream %q: unknown selection strategy %q", name, u.SelectionStrategy)
	}

	for _, r := range u.Resolvers {
		if err := validateResolver(r); err != nil {
			return fmt.Errorf("config: upstream %q: %w", name, err)
		}
	}

	return nil
}

func validateResolver(r ResolverAddr) error {
	switch r.Protocol {
	case ProtocolUDP, ProtocolTCP:
		if _, _, err := net.SplitHostPort(r.Address); err != nil {
			return fmt.Errorf("resolver %q: %w", r.Address, err)
		}

	case ProtocolDoT:
		// hostname@ip:port, the hostname is the expected TLS server name
		host, addr, ok := strings.Cut(r.Address, "@")
		if !ok || host == "" {
			return fmt.Errorf("dot resolver %q must be hostname@ip:port", r.Address)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("dot resolver %q: %w", r.Address, err)
		}

	case ProtocolDoH:
		u, err := url.Parse(r.Address)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("doh resolver %q must be an absolute https url", r.Address)
		}

	default:
		return fmt.Errorf("resolver %q: unknown protocol %q", r.Address, r.Protocol)
	}

	return nil
}

func validateECSPolicy(e *ECSPolicy) error {
	switch e.Strategy {
	case ecs.PolicyStrip, ecs.PolicyForward, ecs.PolicyAnonymize:
	default:
		return fmt.Errorf("config: unknown ecs strategy %q", e.Strategy)
	}

	if e.IPv4PrefixLength > 32 {
		return fmt.Errorf("config: ecs ipv4_prefix_length %d out of range", e.IPv4PrefixLength)
	}
	if e.IPv6PrefixLength > 128 {
		return fmt.Errorf("config: ecs ipv6_prefix_length %d out of range", e.IPv6PrefixLength)
	}

	return nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
