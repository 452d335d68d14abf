// Package app wires the gateway components into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wagate/internal/config"
	"wagate/internal/credstore"
	"wagate/internal/delivery"
	"wagate/internal/eventbus"
	"wagate/internal/lifecycle"
	"wagate/internal/lock"
	"wagate/internal/metrics"
	"wagate/internal/notifier"
	"wagate/internal/observability/ops"
	"wagate/internal/protocol/wsbridge"
	"wagate/internal/queue"
	"wagate/internal/reaper"
	rtsup "wagate/internal/runtime/supervisor"
	"wagate/internal/session"
	"wagate/internal/storage"
	"wagate/internal/transport"
	"wagate/internal/transport/telegram"
	"wagate/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics

	store  storage.Store
	leases *storage.RedisLeases // nil unless lock.driver is redis
	queue  queue.Queue

	creds    *credstore.Store
	locks    *lock.Manager
	reg      session.Registry
	sessions *lifecycle.Controller
	delivery *delivery.Service
	reaper   *reaper.Service
	notif    *notifier.Service
	ops      *ops.Service

	restore bool
}

// NewApp loads the config and builds every component. Nothing runs until
// Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var sender transport.Sender
	if cfg.Telegram.Token != "" {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, bootLog)
		if err != nil {
			return nil, err
		}
		sender = tg
	}

	logSvc, log := logx.New(mapLogConfig(cfg), sender, alertTarget(cfg))
	cfgm.SetLogger(log.Category("config"))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		reg:     session.NewRegistry(),
		restore: cfg.Lifecycle.RestoreOnStartup == nil || *cfg.Lifecycle.RestoreOnStartup,
	}
	if err := a.build(cfg, sender); err != nil {
		a.closeStores()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, sender transport.Sender) error {
	log := a.logs.Logger()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, log.Category("storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	var leases storage.Leases = st
	if ro, ok := mapRedisLeases(cfg); ok {
		a.leases = storage.NewRedisLeases(ro)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.leases.Ping(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis leases: %w", err)
		}
		leases = a.leases
	}

	lc, err := mapLockConfig(cfg)
	if err != nil {
		return err
	}
	lc.Metrics = a.metrics
	a.locks = lock.New(leases, lc, log)

	cc := mapCredstoreConfig(cfg)
	cc.Metrics = a.metrics
	a.creds = credstore.New(st, cc, log)

	pc, err := mapProtocolConfig(cfg)
	if err != nil {
		return err
	}
	if pc.URL == "" {
		return errors.New("protocol.url is required")
	}
	client, err := wsbridge.New(pc, log)
	if err != nil {
		return err
	}

	lcfg, err := mapLifecycleConfig(cfg)
	if err != nil {
		return err
	}
	a.sessions = lifecycle.New(lcfg, lifecycle.Deps{
		Store:    st,
		Creds:    a.creds,
		Locks:    a.locks,
		Client:   client,
		Registry: a.reg,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Log:      log,
	})

	pol, err := mapQueuePolicy(cfg)
	if err != nil {
		return err
	}
	db, _ := storage.SQLDB(st)
	q, err := queue.Open(context.Background(), queue.Config{Policy: pol, DB: db})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	a.queue = q

	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	dc.Consumer = a.locks.InstanceID()
	a.delivery = delivery.New(dc, delivery.Deps{
		Queue:    q,
		Store:    st,
		Sessions: a.sessions,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Log:      log,
	})

	rc, err := mapReaperConfig(cfg)
	if err != nil {
		return err
	}
	a.reaper = reaper.New(rc, a.creds, a.sessions, a.metrics, log)

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, sender, a.bus, log)

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(oc, ops.Deps{
		Accounts: a.sessions,
		Queue:    q,
		Registry: a.metrics.Registry(),
		Health:   a.health,
	}, log)
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Sessions exposes the lifecycle controller (connect, disconnect, status).
func (a *App) Sessions() *lifecycle.Controller { return a.sessions }

func (a *App) Queue() queue.Queue { return a.queue }

func (a *App) Store() storage.Store { return a.store }

func (a *App) health() any {
	out := map[string]any{
		"instance_id": a.locks.InstanceID(),
		"sessions":    session.CountByStatus(a.reg),
		"cached":      a.creds.Cached(),
	}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.notif.Supervisor(); sup != nil {
		out["notifier"] = sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDeliveryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		_, err := mapReaperConfig(cfg)
		return err
	})

	c := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	a.delivery.Start(c)
	if err := a.reaper.Start(c); err != nil {
		return err
	}
	if a.ops.Enabled() {
		a.ops.Start(c)
	}

	a.sup.Go("lock.heartbeat", func(c context.Context) error {
		return a.locks.Run(c, func() []string { return session.Held(a.reg) })
	})
	a.sup.Go0("metrics.gauges", a.gaugeLoop)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.restore {
		a.sup.Go("sessions.restore", func(c context.Context) error {
			n, err := a.sessions.RestoreAll(c)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, lifecycle.ErrShuttingDown) {
				a.log.Warn("session restore incomplete", logx.Int("scheduled", n), logx.Err(err))
			}
			return nil
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd(c)
	a.log.Info("app started", logx.String("instance_id", a.locks.InstanceID()))
	return nil
}

// gaugeLoop refreshes gauges that have no natural update point.
func (a *App) gaugeLoop(ctx context.Context) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		a.metrics.SetSessions(session.CountByStatus(a.reg))
		a.metrics.SetCachedAccounts(a.creds.Cached())
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		st, err := a.queue.Stats(qctx)
		cancel()
		if err == nil {
			a.metrics.SetQueueJobs("waiting", st.Waiting)
			a.metrics.SetQueueJobs("active", st.Active)
			a.metrics.SetQueueJobs("completed", st.Completed)
			a.metrics.SetQueueJobs("dead", st.Dead)
		} else if ctx.Err() == nil {
			a.log.Debug("queue stats failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Workers first so no send races the transport teardown.
	step("delivery", 5*time.Second, a.delivery.Stop)
	step("reaper", 2*time.Second, func(c context.Context) error { a.reaper.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("sessions", 10*time.Second, a.sessions.Shutdown)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.leases != nil {
		errs = append(errs, a.leases.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
