// Package app assembles one scheduler node process: config, logging,
// storage, bus, node, metrics and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tempo/internal/bus"
	"tempo/internal/config"
	"tempo/internal/httpapi"
	"tempo/internal/metrics"
	"tempo/internal/node"
	"tempo/internal/runtime/supervisor"
	"tempo/internal/storage"
	"tempo/internal/version"
	"tempo/internal/watchdog"
	logx "tempo/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus     bus.Bus
	store   storage.Store
	node    *node.Node
	metrics *metrics.Metrics
	http    *httpapi.Server

	sup    *supervisor.Supervisor
	notify func(state string) (bool, error)
}

// Option customizes New.
type Option func(*App)

// WithNotifier replaces the systemd notifier.
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(a *App) { a.notify = fn }
}

// New loads cfgPath and builds every component without starting any loop.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logs, root := logx.NewService(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logs,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, a.fail(err)
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, a.fail(err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	b, err := a.openBus(ctx, cfg, root)
	if err != nil {
		return nil, a.fail(err)
	}
	a.bus = b

	ncfg, err := mapNodeConfig(cfg, version.Version)
	if err != nil {
		return nil, a.fail(err)
	}
	nodeOpts := []node.Option{}
	if a.store != nil {
		nodeOpts = append(nodeOpts, node.WithMissedStore(a.store))
	}
	n, err := node.New(ncfg, b, root, nodeOpts...)
	if err != nil {
		return nil, a.fail(err)
	}
	a.node = n
	registerBuiltins(n)

	for _, r := range cfg.Rhythms {
		def, err := mapRhythmDef(r)
		if err != nil {
			return nil, a.fail(err)
		}
		if err := n.AddRhythm(def); err != nil {
			return nil, a.fail(err)
		}
	}

	a.metrics = metrics.New(ncfg.ID, n)
	a.http = httpapi.NewServer(root)
	return a, nil
}

func (a *App) openBus(ctx context.Context, cfg *config.Config, root logx.Logger) (bus.Bus, error) {
	log := root.With(logx.String("comp", "bus"))
	var missed bus.MissedRecorder
	if a.store != nil {
		missed = a.store
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Bus.Driver)) {
	case "", "memory":
		opts := []bus.MemoryOption{bus.WithLogger(log)}
		if missed != nil {
			opts = append(opts, bus.WithMissedRecorder(missed))
		}
		return bus.NewMemory(opts...), nil
	case "redis":
		timeout, err := config.ParseDurationOrDefault("bus.send_timeout", cfg.Bus.SendTimeout, bus.DefaultSendTimeout)
		if err != nil {
			return nil, err
		}
		pulse, err := config.ParseDurationOrDefault("watchdog.pulse_every", cfg.Watchdog.PulseEvery, watchdog.DefaultPulseEvery)
		if err != nil {
			return nil, err
		}
		ttl, err := config.ParseDurationOrDefault("bus.node_ttl", cfg.Bus.NodeTTL, 3*pulse)
		if err != nil {
			return nil, err
		}
		if ttl <= pulse {
			log.Warn("bus.node_ttl does not outlast a pulse interval; peers will flap", logx.Duration("node_ttl", ttl), logx.Duration("pulse_every", pulse))
		}
		return bus.NewRedis(ctx, bus.RedisConfig{
			Addr:        cfg.Bus.RedisAddr,
			Prefix:      cfg.Bus.Prefix,
			SendTimeout: timeout,
			NodeTTL:     ttl,
		}, log, missed)
	default:
		return nil, fmt.Errorf("unknown bus.driver: %s", cfg.Bus.Driver)
	}
}

// fail releases what New already opened.
func (a *App) fail(err error) error {
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) Node() *node.Node          { return a.node }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Config() *config.Config    { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger       { return a.log }

// HTTPAddr returns the bound API address, or "" when the API is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error reported by a supervised loop.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the node onto the bus and starts every background loop.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	cfg := a.cfgm.Get()

	if err := a.node.Start(a.sup.Context(), a.sup); err != nil {
		return err
	}

	led := a.node.Ledger()
	a.sup.Go("metrics.follow", func(c context.Context) error {
		a.metrics.Follow(c, led, a.log)
		return nil
	})
	if a.store != nil {
		a.sup.Go("storage.persist", func(c context.Context) error {
			storage.Persist(c, a.store, led, a.log.With(logx.String("comp", "storage")))
			return nil
		})
	}

	if every, _ := config.ParseDurationField("aid.release_every", cfg.Aid.ReleaseEvery); every > 0 {
		a.sup.GoRestart(a.sup.Context(), "aid.release", func(c context.Context) error {
			t := time.NewTicker(every)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case <-t.C:
					a.node.Aid().ReleaseIdle(c)
				}
			}
		})
	}

	if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
		h := httpapi.NewRouter(a.node, a.log, httpapi.Options{
			Metrics:  a.metrics.Handler(),
			Profiler: cfg.HTTP.Pprof,
		})
		if err := a.http.Start(addr, h); err != nil {
			return fmt.Errorf("http listen %s: %w", addr, err)
		}
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	if ok, err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("tempo started",
		logx.String("node", a.node.ID()),
		logx.String("version", version.Version),
		logx.String("http", a.HTTPAddr()),
	)
	return nil
}

// Stop shuts down in reverse start order, bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	start := time.Now()
	_, _ = a.notify(daemon.SdNotifyStopping)

	var errs []error
	a.http.Stop(ctx)
	if err := a.node.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("node: %w", err))
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("supervisor: %w", err))
		}
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	a.log.Info("tempo stopped", logx.Duration("took", time.Since(start)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}
