// Package app wires the cache, refresher and admin server into an fx
// application with ordered startup and drain.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sigdns/internal/cache"
	"sigdns/internal/config"
	"sigdns/internal/logging"
	"sigdns/internal/obs"
	"sigdns/internal/processor"
	"sigdns/internal/refresher"
	"sigdns/internal/server"
)

// New builds the application. extra options are applied last, so tests can
// replace the clock or the upstream exchanger.
func New(cfg config.Config, logger *slog.Logger, extra ...fx.Option) *fx.App {
	opts := []fx.Option{
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: fxLogger(cfg.LogLevel)}
		}),
		Module(cfg, logger),
	}
	return fx.New(append(opts, extra...)...)
}

func fxLogger(level string) *zap.Logger {
	if strings.EqualFold(strings.TrimSpace(level), "debug") {
		if l, err := zap.NewDevelopment(); err == nil {
			return l
		}
	}
	return zap.NewNop()
}

func Module(cfg config.Config, logger *slog.Logger) fx.Option {
	if logger == nil {
		logger = slog.Default()
	}
	return fx.Module("sigdns",
		fx.Supply(cfg),
		fx.Provide(
			func() *slog.Logger { return logger },
			func() clock.Clock { return clock.New() },
			obs.NewMetrics,
			NewRegistry,
			DefaultCache,
			NewRefresher,
			NewAdminServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

type RegistryParams struct {
	fx.In

	Config    config.Config
	Logger    *slog.Logger
	Metrics   *obs.Metrics
	Clock     clock.Clock
	Exchanger processor.Exchanger `optional:"true"`
}

// NewRegistry returns a registry whose caches each get their own processor
// configured with the named servers from cfg.
func NewRegistry(p RegistryParams) *cache.Registry {
	return cache.NewRegistry(func(id int) (*cache.Cache, error) {
		opts := []processor.Option{
			processor.WithTimeout(p.Config.Timeout),
			processor.WithClock(p.Clock),
			processor.WithLogger(logging.Component(p.Logger, "processor").With("cache_id", id)),
			processor.WithMetrics(p.Metrics),
		}
		if p.Exchanger != nil {
			opts = append(opts, processor.WithExchangers(p.Exchanger, p.Exchanger))
		}
		proc := processor.New(opts...)

		var errs error
		for _, entry := range p.Config.Servers {
			s, err := config.ParseServer(entry)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			errs = multierr.Append(errs, proc.AddNamedServer(s.Address, s.UDPPort, s.TCPPort))
		}
		if errs == nil {
			errs = proc.ApplyNamedServers()
		}
		if errs != nil {
			return nil, fmt.Errorf("cache %d: %w", id, errs)
		}
		proc.Start()

		return cache.New(id, proc,
			cache.WithClock(p.Clock),
			cache.WithLogger(logging.Component(p.Logger, "cache").With("cache_id", id)),
			cache.WithMetrics(p.Metrics),
			cache.WithCoalescing(p.Config.Coalesce),
		), nil
	})
}

func DefaultCache(reg *cache.Registry) (*cache.Cache, error) {
	return reg.Default()
}

func NewRefresher(cfg config.Config, c *cache.Cache, logger *slog.Logger, m *obs.Metrics, clk clock.Clock) (*refresher.Refresher, error) {
	return refresher.New(c, refresher.Options{
		MaxConcurrent: cfg.RefreshMaxConcurrent,
		Percent:       cfg.RefreshPercent,
		Interval:      cfg.RefreshInterval,
	},
		refresher.WithClock(clk),
		refresher.WithLogger(logging.Component(logger, "refresher")),
		refresher.WithMetrics(m),
	)
}

func NewAdminServer(cfg config.Config, logger *slog.Logger, c *cache.Cache, r *refresher.Refresher, m *obs.Metrics) *server.Server {
	return server.New(cfg.AdminAddr, logging.Component(logger, "admin"), c, r, m)
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Logger    *slog.Logger
	Registry  *cache.Registry
	Refresher *refresher.Refresher
	Admin     *server.Server
}

// registerLifecycle appends one hook per component. fx stops them in
// reverse, so the admin server goes first, then the refresher (after a final
// save), and the processors drain last.
func registerLifecycle(p lifecycleParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return p.Registry.Close(ctx)
		},
	})

	loadCtx, cancelLoad := context.WithCancel(context.Background())
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Refresher.Start()
			file := p.Config.SaveFile
			if file == "" {
				return nil
			}
			if err := p.Refresher.InitSaveQueries(file, p.Config.SaveFrequency); err != nil {
				return err
			}
			if p.Config.LoadOnStart {
				go loadQueries(loadCtx, p.Logger, p.Refresher, file)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelLoad()
			var errs error
			if p.Config.SaveFile != "" {
				errs = multierr.Append(errs, p.Refresher.SaveQueries())
			}
			return multierr.Append(errs, p.Refresher.Stop(ctx))
		},
	})

	if p.Config.AdminAddr == "" {
		return
	}
	serveCtx, cancelServe := context.WithCancel(context.Background())
	adminDone := make(chan error, 1)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := p.Admin.Listen()
			if err != nil {
				return err
			}
			go func() { adminDone <- p.Admin.Serve(serveCtx, ln) }()
			p.Logger.Info("sigdns started", "servers", p.Config.Servers, "admin", ln.Addr().String())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelServe()
			select {
			case err := <-adminDone:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func loadQueries(ctx context.Context, logger *slog.Logger, r *refresher.Refresher, file string) {
	n, err := r.LoadQueries(ctx, file)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("no saved query list", "file", file)
	case err != nil && ctx.Err() == nil:
		logger.Error("query list load failed", "file", file, "error", err)
	case err == nil:
		logger.Info("prewarmed cache", "file", file, "queries", n)
	}
}
