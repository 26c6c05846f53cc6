package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"anidbsync/internal/anidb"
	"anidbsync/internal/command"
	"anidbsync/internal/config"
	"anidbsync/internal/eventbus"
	"anidbsync/internal/notify"
	"anidbsync/internal/observability/debughttp"
	"anidbsync/internal/queue"
	rtsup "anidbsync/internal/runtime/supervisor"
	"anidbsync/internal/schedule"
	"anidbsync/internal/storage"
	"anidbsync/internal/tasks"
	logx "anidbsync/pkg/logx"
)

const (
	scheduleKeepalive = "keepalive"
	scheduleScan      = "scan_unlinked"

	defaultKeepalive = "5m"
	defaultScan      = "1h"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	// svcCtx outlives a canceled parent so Stop can drain the queue and
	// pending notices in order.
	svcCtx context.Context

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	conn   *anidb.Conn
	client *anidb.Client

	reg   *command.Registry
	deps  *tasks.Deps
	queue *queue.Service
	sched *schedule.Service

	nmu      sync.Mutex
	notif    *notify.Service
	notifCfg notify.Config

	debug *debughttp.Service
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (a *App, err error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		_ = logSvc.Close()
	}()

	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	as, err := mapAniDB(cfg)
	if err != nil {
		return nil, err
	}
	tr, err := anidb.DialUDP(ctx, as.Server, as.LocalPort)
	if err != nil {
		return nil, err
	}
	anidbLog := log.With(logx.String("comp", "anidb"))
	conn := anidb.NewConn(tr, as.Conn, anidb.WithLogger(anidbLog), anidb.WithBus(bus))
	closers = append(closers, conn.Close)
	client := anidb.NewClient(conn, as.Auth, anidbLog)

	reg := command.NewRegistry()
	deps := &tasks.Deps{
		Store:     store,
		AniDB:     client,
		Log:       log,
		ScanBatch: cfg.Schedules.ScanBatch,
	}
	tasks.Register(reg, deps)

	qc, err := mapQueue(cfg)
	if err != nil {
		return nil, err
	}
	q := queue.New(qc, store, reg, log.With(logx.String("comp", "queue")), bus)
	deps.Queue = q

	sched := schedule.New(mapSchedule(cfg), q, log.With(logx.String("comp", "schedule")))

	a = &App{
		cfgm:   cfgm,
		root:   log,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    bus,
		store:  store,
		conn:   conn,
		client: client,
		reg:    reg,
		deps:   deps,
		queue:  q,
		sched:  sched,
	}
	if err := a.applySchedules(cfg); err != nil {
		return nil, err
	}
	ncfg, err := mapNotify(cfg)
	if err != nil {
		return nil, err
	}
	a.notif, err = a.newNotifier(ncfg)
	if err != nil {
		return nil, err
	}
	a.notifCfg = ncfg
	a.debug = debughttp.New(mapDebug(cfg), a.status, a.healthy, log.With(logx.String("comp", "debug")))

	log.Info("anidb client configured",
		logx.String("server", as.Server),
		logx.Int("local_port", as.LocalPort),
		logx.String("user", as.Auth.User),
		logx.String("client", as.Auth.Client),
	)
	return a, nil
}

func (a *App) Queue() *queue.Service { return a.queue }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.svcCtx = context.WithoutCancel(ctx)
	run := a.sup.Context()

	if err := a.queue.Start(a.svcCtx); err != nil {
		return err
	}
	a.nmu.Lock()
	a.notif.Start(a.svcCtx)
	a.nmu.Unlock()
	a.sched.Start()
	a.debug.Start(run)

	if scanOnStart(a.cfgm.Get()) {
		if _, err := a.queue.Submit(run, tasks.NewScanUnlinked(a.deps)); err != nil {
			a.log.Warn("initial scan not queued", logx.Err(err))
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if every := watchdogInterval(); every > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			watchdogLoop(c, every, a.log, a.healthy)
			return nil
		})
		a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
	}

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// healthy reports whether the queue can still read its store.
func (a *App) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.queue.Snapshot(ctx)
	return err == nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// Triggers first so nothing new is queued, then the queue so no command
	// holds the connection during logout.
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "queue", 10*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	a.step(ctx, "anidb.logout", 5*time.Second, func(c context.Context) error {
		if err := a.client.Logout(c); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("logout: %w", err)
		}
		return nil
	})
	a.step(ctx, "notify", 2*time.Second, func(c context.Context) error {
		a.nmu.Lock()
		n := a.notif
		a.nmu.Unlock()
		n.Stop(c)
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "anidb.conn", time.Second, func(context.Context) error { return a.conn.Close() })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline so a
// stuck component cannot stall the rest.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

// applySchedules registers or removes the periodic triggers.
func (a *App) applySchedules(cfg *config.Config) error {
	for _, s := range []struct {
		name, raw, def string
		task           func() command.Task
	}{
		{scheduleKeepalive, cfg.Schedules.Keepalive, defaultKeepalive, func() command.Task { return tasks.NewPing(a.deps) }},
		{scheduleScan, cfg.Schedules.ScanUnlinked, defaultScan, func() command.Task { return tasks.NewScanUnlinked(a.deps) }},
	} {
		raw := s.raw
		switch raw {
		case "":
			raw = s.def
		case "off", "none", "disabled":
			a.sched.Remove(s.name)
			continue
		}
		if err := a.sched.Add(s.name, raw, s.task); err != nil {
			return fmt.Errorf("schedules.%s: %w", s.name, err)
		}
	}
	return nil
}

// newNotifier builds the notify service. Without a token notices are only
// logged.
func (a *App) newNotifier(cfg notify.Config) (*notify.Service, error) {
	var sender notify.Sender
	if cfg.Enabled && cfg.Token != "" {
		tg, err := notify.NewTelegram(cfg.Token, cfg.ChatID, cfg.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		sender = tg
	}
	return notify.New(cfg, sender, a.root.With(logx.String("comp", "notify")), a.bus), nil
}
