package config

var defaultConfig = `# Config version, config and build versions can be different.
version: "%s"

log:
  # Log verbosity level: debug, info, warn, error
  level: info

http_server:
  # Address to bind to for the DoH server
  listen_addr: "127.0.0.1:3000"

  # Request timeout in seconds
  timeout_secs: 120

  # CIDR ranges whose X-Forwarded-For / X-Real-IP headers are trusted
  trusted_proxies: []
  # - "127.0.0.0/8"

  # Per-client-IP token bucket
  rate_limit:
    enabled: false
    per_second: 20
    burst: 40

  # Serve TLS when both files are set
  tls:
    cert_file: ""
    key_file: ""

dns_resolver:
  # Shared outbound HTTP pool for DoH upstreams and URL rule fetches
  http_client:
    timeout_secs: 120
    max_idle_connections: 64
    idle_timeout_secs: 30

  cache:
    enabled: true
    size: 10000

    # TTL clamping bounds in seconds; negative answers use ttl.negative
    ttl:
      min: 60
      max: 86400
      negative: 300

    persistence:
      enabled: false
      path: "owdns-cache.dat"
      # 0 saves everything
      max_items_to_save: 0
      skip_expired_on_load: true
      shutdown_save_timeout_secs: 5
      periodic:
        enabled: false
        interval_secs: 3600

  # Global upstream pool, used when routing is disabled or no rule matches
  upstream:
    resolvers:
      - address: "8.8.8.8:53"
        protocol: udp
      - address: "1.1.1.1:53"
        protocol: udp
    # - address: "cloudflare-dns.com@1.1.1.1:853"
    #   protocol: dot
    # - address: "https://dns.google/dns-query"
    #   protocol: doh
    enable_dnssec: false
    query_timeout_secs: 30
    # random or round_robin
    selection_strategy: random

  # EDNS Client Subnet handling: strip, forward or anonymize
  ecs_policy:
    strategy: strip
    ipv4_prefix_length: 24
    ipv6_prefix_length: 48

  routing:
    enabled: false
    url_rule_refresh_secs: 3600

    upstream_groups: {}
    # clean_dns:
    #   resolvers:
    #     - address: "9.9.9.9:53"
    #       protocol: udp

    # Rules are evaluated top to bottom; the first match wins. The group
    # __blackhole__ answers NXDOMAIN without contacting any resolver.
    rules: []
    # - type: exact
    #   values: ["ads.example.com"]
    #   upstream_group: __blackhole__
    # - type: wildcard
    #   values: ["*.cn"]
    #   upstream_group: clean_dns
    # - type: url
    #   url: "https://example.com/blocklist.txt"
    #   upstream_group: __blackhole__

    default_upstream_group: ""
`
