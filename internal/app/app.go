// Package app wires the components together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"threadcast/internal/account"
	"threadcast/internal/alert"
	"threadcast/internal/api"
	"threadcast/internal/broadcast"
	"threadcast/internal/config"
	"threadcast/internal/dispatch"
	"threadcast/internal/eventbus"
	"threadcast/internal/media"
	"threadcast/internal/metrics"
	"threadcast/internal/platform/x"
	rtsup "threadcast/internal/runtime/supervisor"
	"threadcast/internal/storage"
	"threadcast/internal/trigger"
	logx "threadcast/pkg/logx"
)

type App struct {
	version   string
	startedAt time.Time

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	mets *metrics.Metrics
	db   *storage.DB

	engine   *broadcast.Engine
	dispatch *dispatch.Service
	trigger  *trigger.Service
	alerts   *alert.Service
	api      *api.Server
}

func New(cfgPath, version string) (a *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	defer func() {
		if err != nil {
			_ = logs.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sc, _ := mapStorage(cfg)
	db, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()

	objects, err := openObjectStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	_, fetchTimeout, _ := mapObjects(cfg)
	fetcher := media.NewFetcher(objects, fetchTimeout, log)

	pc, _ := mapPlatform(cfg)
	factory, err := x.NewFactory(pc, log)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	mets := metrics.New(version)

	bc, _ := mapBroadcast(cfg)
	engine := broadcast.New(bc, factory, log)

	dc, _ := mapDispatch(cfg)
	disp, err := dispatch.New(dc, dispatch.Deps{
		Store:    db.Posts(),
		History:  db.History(),
		Accounts: account.NewResolver(db.Accounts(), log),
		Media:    fetcher,
		Engine:   engine,
		Bus:      bus,
		Metrics:  mets,
	}, log)
	if err != nil {
		return nil, err
	}

	tc, _ := mapTrigger(cfg)
	trig := trigger.New(tc, func(ctx context.Context) error {
		_, err := disp.RunDue(ctx)
		return err
	}, log)

	alerts, err := newAlerts(cfg, log)
	if err != nil {
		return nil, err
	}
	logs.SetSink(alerts)

	a = &App{
		version:   version,
		startedAt: time.Now(),
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logs,
		bus:       bus,
		mets:      mets,
		db:        db,
		engine:    engine,
		dispatch:  disp,
		trigger:   trig,
		alerts:    alerts,
	}

	ac, _ := mapAPI(cfg)
	a.api, err = api.New(ac, api.Deps{
		Posts:    disp,
		Accounts: db.Accounts(),
		Media:    fetcher,
		Health:   db,
		Metrics:  mets,
		Status:   a.status,
	}, log)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openObjectStore reads media over plain HTTP, or through S3 when a bucket
// is configured. URLs outside the bucket still go through HTTP.
func openObjectStore(ctx context.Context, cfg *config.Config, log logx.Logger) (media.ObjectStore, error) {
	s3cfg, fetchTimeout, err := mapObjects(cfg)
	if err != nil {
		return nil, err
	}
	httpStore := media.NewHTTPStore(fetchTimeout, cfg.Objects.MaxBytes)
	if s3cfg.Bucket == "" {
		return httpStore, nil
	}
	s3, err := media.NewS3Store(ctx, s3cfg, httpStore, cfg.Objects.MaxBytes, log.With(logx.String("comp", "s3")))
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	return s3, nil
}

// newAlerts builds the alert service. Without a bot token it still exists
// but never starts, so callers need no nil checks.
func newAlerts(cfg *config.Config, log logx.Logger) (*alert.Service, error) {
	ac, err := mapAlerts(cfg)
	if err != nil {
		return nil, err
	}
	var sender alert.Sender
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := alert.NewTelegram(tc)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}
	return alert.New(ac, sender, log), nil
}

// Done is closed once the app supervisor stops, after Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.logs.Logger().With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	run := a.sup.Context()

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	a.alerts.Start(run)
	a.sup.Go("alert.watch", func(c context.Context) error {
		a.alerts.Watch(c, a.bus)
		return nil
	})
	a.sup.Go("eventbus.log", func(c context.Context) error {
		a.logEvents(c)
		return nil
	})

	if err := a.trigger.Start(run); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	a.api.Start(run)

	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("version", a.version))
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event",
				logx.String("type", e.Type),
				logx.String("post_id", e.Post.ID),
				logx.String("status", e.Post.Status),
			)
		}
	}
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot hold the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.step(ctx, "api", 5*time.Second, a.api.Stop)
	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trigger.Stop(c); return nil })
	a.step(ctx, "dispatch", 5*time.Second, func(context.Context) error { a.dispatch.Close(); return nil })
	a.step(ctx, "alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
