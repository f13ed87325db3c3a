// Command reqscope runs the interception proxy together with its control
// API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/reqscope"
	"github.com/hupe1980/reqscope/archive"
	"github.com/hupe1980/reqscope/control"
	"github.com/hupe1980/reqscope/metrics"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint: errcheck // nothing left to report to

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("reqscope stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	collector, err := metrics.New()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	caCert, caKey, err := reqscope.LoadOrCreateCA(
		filepath.Join(cfg.CADir, "ca.cert"),
		filepath.Join(cfg.CADir, "ca.key"),
	)
	if err != nil {
		return fmt.Errorf("certificate authority: %w", err)
	}

	logger.Info("Root certificate ready", zap.String("dir", cfg.CADir), zap.String("subject", caCert.Subject.CommonName))

	var certStorage reqscope.CertStorage = reqscope.NewMapCertStorage()
	if cfg.CertCacheSize > 0 {
		if certStorage, err = reqscope.NewLRUStorage(cfg.CertCacheSize); err != nil {
			return err
		}
	}

	authority, err := reqscope.NewCertificateAuthority(func(o *reqscope.AuthorityOptions) {
		o.CA = caCert
		o.PrivateKey = caKey
		o.CertStorage = certStorage
		o.Logger = newGologAdapter(logger, "ca")
		o.OnIssue = func(string) { collector.ObserveLeafIssued() }
	})
	if err != nil {
		return fmt.Errorf("certificate authority: %w", err)
	}

	upstream := reqscope.NewUpstreamSelector()
	if cfg.Upstream != "" {
		if err := upstream.Set(reqscope.UpstreamConfig{URL: cfg.Upstream, Type: cfg.UpstreamType}); err != nil {
			return err
		}
	}

	var injector *reqscope.InitiatorInjector
	if cfg.Inject {
		injector = reqscope.NewInitiatorInjector(func(o *reqscope.InjectorOptions) {
			o.InjectScripts = cfg.InjectScripts
		})
	}

	proxy, err := reqscope.New(func(o *reqscope.Options) {
		o.Authority = authority
		o.Upstream = upstream
		o.Injector = injector
		o.TunnelOnCertFailure = cfg.TunnelOnCertFailure
		o.Logger = newGologAdapter(logger, "proxy")
	})
	if err != nil {
		return err
	}

	proxy.OnError(func(ex *reqscope.Exchange, err error, kind reqscope.ErrorKind) {
		fields := []zap.Field{zap.Stringer("kind", kind), zap.Error(err)}
		if ex != nil {
			fields = append(fields, zap.String("id", ex.ID), zap.String("url", ex.URL))
		}

		logger.Debug("Exchange failed", fields...)
	})

	detach := collector.Attach(proxy)
	defer detach()

	cache, err := reqscope.NewHeaderCache(cfg.CacheSize, reqscope.WithEvictCallback(collector.ObserveCacheEviction))
	if err != nil {
		return err
	}

	if err := collector.WatchCache(cache.Len); err != nil {
		return err
	}

	tracker := reqscope.NewTracker(proxy, cache, func(o *reqscope.TrackerOptions) {
		o.MaxTracked = cfg.MaxTracked
		o.Logger = newGologAdapter(logger, "tracker")
	})

	replay := reqscope.NewReplayExecutor(cache, func(o *reqscope.ReplayOptions) {
		o.Timeout = cfg.ReplayTimeout
		o.Proxy = upstream.ProxyFunc
	})

	controlOpts := []func(*control.Options){
		func(o *control.Options) {
			o.OnReplay = collector.ObserveReplay
			o.Logger = newGologAdapter(logger, "control")
		},
	}

	if cfg.Metrics {
		controlOpts = append(controlOpts, func(o *control.Options) {
			o.Metrics = collector.Handler()
		})
	}

	if cfg.ArchivePath != "" {
		store, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return err
		}
		defer store.Close()

		unsubscribe := proxy.OnExchange(store.Sink(func(ex *reqscope.Exchange, err error) {
			logger.Error("Archiving exchange failed", zap.String("id", ex.ID), zap.Error(err))
		}))
		defer unsubscribe()

		controlOpts = append(controlOpts, func(o *control.Options) {
			o.Archive = store
		})

		logger.Info("Archiving exchanges", zap.String("path", cfg.ArchivePath))
	}

	api := control.New(tracker, replay, upstream, cache, authority, controlOpts...)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return proxy.ListenAndServe(ctx, cfg.Addr)
	})

	g.Go(func() error {
		return api.ListenAndServe(ctx, cfg.ControlAddr)
	})

	return g.Wait()
}
