package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casualjim/fetchbroker"
	"github.com/casualjim/fetchbroker/internal/cache"
	"github.com/casualjim/fetchbroker/internal/config"
	"github.com/casualjim/fetchbroker/internal/host"
	"github.com/casualjim/fetchbroker/internal/metrics"
	"github.com/casualjim/fetchbroker/internal/server"
	"github.com/casualjim/fetchbroker/internal/transport"
	"github.com/casualjim/fetchbroker/internal/upstream"
	"github.com/casualjim/fetchbroker/pkg/natsx"
	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const (
	serverReadHeaderTimeout = 10 * time.Second
	serverIdleTimeout       = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		Long: `Start the broker's HTTP server.

Sources connect over WebSocket at /_broker/sources, or over NATS when nats.url is set.
Every other request is intercepted and answered from the cache, the network or a source.

Settings come from flags, FETCHBROKER_* environment variables (a .env file is loaded
when present) and an optional YAML file given with --config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, v.GetString("config"))
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("listen", ":8080", "Address to listen on")
	flags.String("version", "", "Build version announced to sources")
	flags.String("namespace", "/run/", "Path prefix answered by sources")
	flags.String("cache", config.CacheMemory, "Cache backend (memory, redis, bolt)")
	flags.String("origin", "", "Origin that network requests are sent to")
	flags.String("nats-url", "", "NATS server for the NATS source transport")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format (console, json)")

	for key, flag := range map[string]string{
		"config":           "config",
		"listen":           "listen",
		"broker.version":   "version",
		"broker.namespace": "namespace",
		"cache.backend":    "cache",
		"upstream.origin":  "origin",
		"nats.url":         "nats-url",
		"log.level":        "log-level",
		"log.format":       "log-format",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", flag, err))
		}
	}
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	if cfg.Broker.Version == "" {
		cfg.Broker.Version = version
	}
	if cfg.Cache.Generation == "" {
		cfg.Cache.Generation = cfg.Broker.Version
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := host.NewTracker(
		host.ClientTTL(cfg.Host.ClientTTL),
		host.SourceTTL(cfg.Host.SourceTTL),
		host.Logger(logger),
	)

	store, err := openStore(cfg.Cache)
	if err != nil {
		return err
	}
	responses := cache.New(store, cfg.Cache.VersionParam, logger)
	defer func() {
		if err := responses.Close(); err != nil {
			logger.Warn("failed to close cache", slogx.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	upstreamOpts := []opts.Option[upstream.Client]{
		upstream.MaxTries(cfg.Origin.MaxTries),
		upstream.MaxBodySize(cfg.Broker.MaxBodySize),
		upstream.Logger(logger),
	}
	if cfg.Origin.Origin != "" {
		origin, err := url.Parse(cfg.Origin.Origin)
		if err != nil {
			return fmt.Errorf("invalid upstream origin: %w", err)
		}
		upstreamOpts = append(upstreamOpts, upstream.Origin(origin))
	}
	network, err := upstream.New(upstreamOpts...)
	if err != nil {
		return err
	}

	// the NATS transport needs the broker as its handler, so discovery goes through a
	// late-bound function
	var nt *transport.NATSTransport
	brokerOpts := []opts.Option[fetchbroker.Broker]{
		fetchbroker.WithVersion(cfg.Broker.Version),
		fetchbroker.WithNamespace(cfg.Broker.Namespace),
		fetchbroker.WithGracePeriod(cfg.Broker.GracePeriod),
		fetchbroker.WithSweepInterval(cfg.Broker.SweepInterval),
		fetchbroker.WithMaxBodySize(cfg.Broker.MaxBodySize),
		fetchbroker.WithGeneration(cfg.Cache.Generation),
		fetchbroker.WithCache(responses),
		fetchbroker.WithUpstream(network),
		fetchbroker.WithMetrics(metrics.New(reg)),
		fetchbroker.WithLogger(logger),
	}
	if cfg.NATS.URL != "" {
		brokerOpts = append(brokerOpts, fetchbroker.WithDiscovery(transport.DiscoverFunc(
			func(ctx context.Context, version string) error { return nt.Discover(ctx, version) },
		)))
	}
	b, err := fetchbroker.New(tracker, brokerOpts...)
	if err != nil {
		return err
	}

	if cfg.NATS.URL != "" {
		nc, err := natsx.NewClient(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer nc.Close()
		nt, err = transport.NATS(nc, b,
			transport.NATSPrefix(cfg.NATS.Prefix),
			transport.NATSPresence(tracker),
			transport.NATSLogger(logger),
		)
		if err != nil {
			return err
		}
		if err := nt.Start(ctx); err != nil {
			return fmt.Errorf("failed to start nats transport: %w", err)
		}
		defer func() {
			if err := nt.Close(); err != nil {
				logger.Warn("failed to close nats transport", slogx.Error(err))
			}
		}()
	}

	ws, err := transport.NewWebSocket(b,
		transport.WebSocketPresence(tracker),
		transport.WebSocketLogger(logger),
	)
	if err != nil {
		return err
	}
	srv, err := server.New(b,
		server.Clients(tracker),
		server.Sources(ws),
		server.Gatherer(reg),
		server.Logger(logger),
	)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx, cfg.Host.ExpireInterval) })
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case config.CacheRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return cache.Redis(redis.NewClient(redisOpts), cfg.RedisPrefix), nil
	case config.CacheBolt:
		return cache.Bolt(cfg.BoltPath)
	default:
		return cache.Memory(), nil
	}
}
