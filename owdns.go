package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/owdns/owdns/cache"
	"github.com/owdns/owdns/config"
	"github.com/owdns/owdns/gateway"
	"github.com/owdns/owdns/metrics"
	"github.com/owdns/owdns/routing"
	"github.com/owdns/owdns/server"
	"github.com/owdns/owdns/upstream"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
)

const version = "0.1.0"

var flagConfigPath string

var rootCmd = &cobra.Command{
	Use:           "owdns",
	Short:         "owdns is a DNS-over-HTTPS gateway",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "owdns.yml",
		"location of the config file, if not found it will be generated")

	rootCmd.AddCommand(queryCmd)
}

func setupLogging(level string) error {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())

	switch level {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "info":
		logger.SetLevel(zlog.LevelInfo)
	case "warn":
		logger.SetLevel(zlog.LevelWarn)
	case "error":
		logger.SetLevel(zlog.LevelError)
	default:
		return fmt.Errorf("log verbosity level unknown: %q", level)
	}

	zlog.SetDefault(logger)

	return nil
}

// newHTTPClient builds the pooled client shared by DoH upstreams and
// URL rule fetches, HTTP/2 preferred.
func newHTTPClient(cfg config.HTTPClient) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.MaxIdleConnections,
		IdleConnTimeout:     time.Duration(cfg.IdleTimeoutSecs) * time.Second,
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("http client setup: %w", err)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
	}, nil
}

func buildRouter(cfg *config.Routing, client *http.Client) (*routing.Router, error) {
	rules := make([]*routing.Rule, 0, len(cfg.Rules))
	for i, spec := range cfg.Rules {
		rule, err := routing.NewRule(spec, client)
		if err != nil {
			return nil, fmt.Errorf("routing rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}

	return routing.New(cfg.Enabled, rules, cfg.DefaultUpstreamGroup), nil
}

func run() error {
	cfg, err := config.Load(flagConfigPath, version)
	if err != nil {
		return err
	}

	if err := setupLogging(cfg.Log.Level); err != nil {
		return err
	}

	zlog.Info("Starting owdns...", "version", version)

	m := metrics.New()

	httpClient, err := newHTTPClient(cfg.Resolver.HTTPClient)
	if err != nil {
		return err
	}

	dispatcher, err := upstream.NewDispatcher(&cfg.Resolver, httpClient, m)
	if err != nil {
		return err
	}

	router, err := buildRouter(&cfg.Resolver.Routing, httpClient)
	if err != nil {
		return err
	}

	var (
		c     *cache.Cache
		saver *cache.Saver
	)

	cacheCfg := cfg.Resolver.Cache
	if cacheCfg.Enabled {
		c = cache.New(cacheCfg.Size)

		if cacheCfg.Persistence.Enabled {
			persist := cache.PersistConfig{
				Path:              cacheCfg.Persistence.Path,
				MaxItems:          cacheCfg.Persistence.MaxItemsToSave,
				SkipExpiredOnLoad: cacheCfg.Persistence.SkipExpiredOnLoad,
			}
			if cacheCfg.Persistence.Periodic.Enabled {
				persist.Interval = time.Duration(cacheCfg.Persistence.Periodic.IntervalSecs) * time.Second
			}

			saver = cache.NewSaver(c, persist, m)
			saver.Load()
			saver.Run()
		}
	}

	gw := gateway.New(gateway.Config{
		CacheEnabled: cacheCfg.Enabled,
		TTLMin:       cacheCfg.TTL.Min,
		TTLMax:       cacheCfg.TTL.Max,
		TTLNegative:  cacheCfg.TTL.Negative,
	}, c, router, dispatcher, m)

	srv := server.New(cfg.HTTPServer, gw, m)

	reloader := routing.NewReloader(router, httpClient,
		time.Duration(cfg.Resolver.Routing.URLRefreshSecs)*time.Second, m)
	reloader.Start()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Run()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case s := <-sig:
		zlog.Info("Stopping owdns...", "signal", s.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("HTTP server shutdown failed", "error", err.Error())
	}

	reloader.Stop()

	if saver != nil {
		saver.Stop()

		saveCtx, cancelSave := context.WithTimeout(context.Background(),
			time.Duration(cacheCfg.Persistence.ShutdownSaveTimeoutSecs)*time.Second)
		defer cancelSave()

		if err := saver.SaveWithDeadline(saveCtx); err != nil {
			zlog.Warn("Cache save on shutdown failed", "error", err.Error())
		}
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "owdns:", err)
		os.Exit(1)
	}
}
