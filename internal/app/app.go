// Package app wires configuration, logging, storage, the messaging transport
// and the dispatcher into a running engine.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streambot/internal/collect"
	"streambot/internal/config"
	"streambot/internal/eventbus"
	"streambot/internal/notify"
	"streambot/internal/observability"
	"streambot/internal/pool"
	"streambot/internal/preview"
	"streambot/internal/runtime/supervisor"
	"streambot/internal/storage"
	"streambot/internal/transport"
	"streambot/internal/transport/telegram"
	logx "streambot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	msgr      transport.Messenger
	disp      *notify.Dispatcher
	registry  *Registry
	router    *Router
	pool      *pool.Pool
	collector *collect.Collector
	metrics   *observability.Metrics
	server    *observability.Server
	retention *retention

	// inflight bounds concurrently routed ingest events.
	inflight *errgroup.Group
	flightMu sync.Mutex

	stopOnce sync.Once
	stopErr  error
}

// Deps overrides collaborators, mainly for tests. Nil fields are built
// from the config.
type Deps struct {
	Messenger transport.Messenger
	Fetcher   preview.Fetcher
	Store     storage.Store
	Logs      *logx.Service
}

// New loads cfgPath and builds the engine with the Telegram transport.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return Build(cfgm, cfg, Deps{})
}

// Build assembles an App from an already loaded config.
func Build(cfgm *config.Manager, cfg *config.Config, deps Deps) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logs := deps.Logs
	if logs == nil {
		logs, _ = logx.New(mapLoggingConfig(cfg), nil)
	}
	log := logs.Logger().With(logx.String("comp", "app"))

	msgr := deps.Messenger
	if msgr == nil {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tm, err := telegram.New(tcfg, logs.Logger().With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		msgr = tm
	}
	logs.SetSender(msgr)

	store := deps.Store
	if store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(sc, logs.Logger())
		if err != nil {
			return nil, err
		}
		if st != nil {
			store = st
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		} else {
			log.Warn("storage disabled; subscriptions and history are not kept")
		}
	}

	fetcher := deps.Fetcher
	if fetcher == nil {
		pc, err := mapPreviewConfig(cfg)
		if err != nil {
			return nil, err
		}
		fetcher = preview.NewHTTPFetcher(pc)
	}

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	metrics := observability.NewMetrics()

	d := notify.Deps{
		Messenger: msgr,
		Fetcher:   fetcher,
		Bus:       bus,
		Log:       logs.Logger().With(logx.String("comp", "notify")),
	}
	if store != nil {
		d.Directory = store
		d.Persister = store
	}
	disp := notify.New(ncfg, d)

	p := pool.New(cfg.Pool.Size, logs.Logger().With(logx.String("comp", "pool")))
	metrics.Gauge("photo_pipelines_in_flight", "Photo acquisition pipelines running.", func() float64 {
		return float64(disp.Photos().InFlight())
	})
	metrics.Gauge("pool_units_in_flight", "Worker pool units running.", func() float64 {
		return float64(p.InFlight())
	})

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		bus:       bus,
		store:     store,
		msgr:      msgr,
		disp:      disp,
		pool:      p,
		collector: collect.New(collect.Config{}, p, logs.Logger()),
		metrics:   metrics,
		server:    observability.NewServer(mapMetricsConfig(cfg), metrics.Handler(), logs.Logger()),
	}
	var (
		loader HistoryLoader
		subs   SubscriberLister
		pruner HistoryPruner
	)
	if store != nil {
		loader, subs, pruner = store, store, store
	}
	a.registry = NewRegistry(disp.History(), loader, logs.Logger())
	a.router = NewRouter(disp, a.registry, subs, metrics, logs.Logger())
	a.retention = newRetention(pruner, logs.Logger())
	keep, spec, err := mapRetention(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.retention.Apply(keep, spec); err != nil {
		return nil, fmt.Errorf("storage.retention_schedule: %w", err)
	}
	a.inflight = newInflight(cfg.Pool.Size)
	return a, nil
}

func newInflight(n int) *errgroup.Group {
	if n <= 0 {
		n = pool.DefaultSize
	}
	g := &errgroup.Group{}
	g.SetLimit(n)
	return g
}

func (a *App) Dispatcher() *notify.Dispatcher       { return a.disp }
func (a *App) Router() *Router                      { return a.router }
func (a *App) Registry() *Registry                  { return a.registry }
func (a *App) Store() storage.Store                 { return a.store }
func (a *App) Metrics() *observability.Metrics      { return a.metrics }
func (a *App) MetricsServer() *observability.Server { return a.server }
func (a *App) Logger() logx.Logger                  { return a.log }

// Done is closed when the app context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the background loops: metrics consumer and server,
// retention cron, config watch and reload, and event ingestion.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.sup.Go("metrics.consume", func(c context.Context) error {
		return a.metrics.Consume(c, a.bus, 256)
	})
	a.server.Start(runCtx)
	a.retention.Start(runCtx)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := mapNotifyConfig(cfg); err != nil {
				return err
			}
			_, err := mapPreviewConfig(cfg)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			return a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)

		if path := strings.TrimSpace(a.cfgm.Get().Ingest.Path); path != "" {
			a.sup.Go("ingest", func(c context.Context) error { return a.ingestPath(c, path) })
		}
	}

	a.log.Info("app started")
	return nil
}

func (a *App) ingestPath(ctx context.Context, path string) error {
	var rd io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		rd = f
	}
	err := a.Ingest(ctx, rd)
	if err == nil {
		a.log.Info("ingest source drained", logx.String("path", path))
	}
	return err
}

// Ingest routes NDJSON events from rd and waits for them to settle.
// Events of one stream run in order; different streams run concurrently.
func (a *App) Ingest(ctx context.Context, rd io.Reader) error {
	var wg sync.WaitGroup
	q := newStreamQueue()
	err := Ingest(ctx, rd, a.log, func(c context.Context, ev *Event) {
		id := eventKey(ev)
		if !q.push(id, ev) {
			return
		}
		a.flightMu.Lock()
		g := a.inflight
		a.flightMu.Unlock()
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			q.drain(id, func(ev *Event) { a.route(c, ev) })
			return nil
		})
	})
	wg.Wait()
	return err
}

// route handles ev and logs the outcome. Failures never stop the caller.
func (a *App) route(ctx context.Context, ev *Event) {
	if _, err := a.router.Handle(ctx, ev); err != nil && ev != nil && ev.Stream != nil {
		a.log.Debug("event finished with errors", logx.String("stream", ev.Stream.ID), logx.Err(err))
	} else if err != nil {
		a.log.Warn("event rejected", logx.Err(err))
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) error {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// apply hot-swaps everything that can change at runtime. Storage, the
// transport, the preview fetcher and the ingest source need a restart.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "telegram" || s == "ingest" || s == "preview" {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))
	if ncfg, err := mapNotifyConfig(cfg); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(ncfg)
	}
	if keep, spec, err := mapRetention(cfg); err == nil {
		if err := a.retention.Apply(keep, spec); err != nil {
			a.log.Warn("invalid retention schedule; keeping previous", logx.Err(err))
		}
	}
	a.server.Reconfigure(ctx, mapMetricsConfig(cfg))
	if cfg.Pool.Size != prev.Pool.Size {
		a.flightMu.Lock()
		a.inflight = newInflight(cfg.Pool.Size)
		a.flightMu.Unlock()
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// PruneHistory runs one retention sweep now.
func (a *App) PruneHistory(ctx context.Context, keep time.Duration) (int, error) {
	return a.retention.Sweep(ctx, keep)
}

// Stop shuts components down in dependency order, each step bounded.
// Later calls return the first result.
func (a *App) Stop(ctx context.Context, reason string) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return a.closeStorage()
	}
	a.log.Info("stopping", logx.String("reason", reason))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("retention", 2*time.Second, func(c context.Context) error { a.retention.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.closeStorage() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStorage() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
