package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rankbot/internal/alerts"
	"rankbot/internal/config"
	"rankbot/internal/discord"
	"rankbot/internal/eventbus"
	"rankbot/internal/faceit"
	"rankbot/internal/httpserver"
	"rankbot/internal/rolesync"
	rtsup "rankbot/internal/runtime/supervisor"
	"rankbot/internal/storage"
	"rankbot/internal/task/syncloop"
	kit "rankbot/internal/transport"
	logx "rankbot/pkg/logx"
	"rankbot/pkg/systemd"
)

type App struct {
	conf *config.Store
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	faceit  *faceit.Client
	discord *discord.Adapter
	recon   *rolesync.Reconciler
	loop    *syncloop.Supervisor
	cmds    *discord.Commands
	alerts  *alerts.Service
	http    *httpserver.Server

	detach func()
}

// New loads the config and builds every component. Nothing connects or
// starts until Start.
func New(cfgPath string) (*App, error) {
	conf, err := config.Open(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg := conf.Current()
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	lg, err := NewLogging(cfg)
	if err != nil {
		return nil, err
	}
	log := lg.Log.With(logx.String("comp", "app"))

	store, err := OpenStore(cfg, lg.Log)
	if err != nil {
		lg.Service.Close()
		return nil, err
	}
	fc, err := NewFaceit(cfg, lg.Log)
	if err != nil {
		_ = store.Close()
		lg.Service.Close()
		return nil, err
	}
	dc, err := mapDiscordConfig(cfg)
	if err != nil {
		_ = store.Close()
		lg.Service.Close()
		return nil, err
	}
	ad, err := discord.New(dc, lg.Log)
	if err != nil {
		_ = store.Close()
		lg.Service.Close()
		return nil, err
	}

	// Mapping errors below were already reported by validate.
	rc, _ := mapRolesyncConfig(cfg)
	sc, _ := mapSyncConfig(cfg)
	ac, _ := mapAlertsConfig(cfg)
	hc, _ := mapHTTPConfig(cfg)

	bus := eventbus.New()
	applier := discord.NewRoleApplier(ad, cfg.RolePrefix(), cfg.RoleColor(), lg.Log)
	recon := rolesync.New(rc, store, fc, ad, applier, lg.Log)

	sc.Ready = ad.Ready
	loop := syncloop.New(sc, recon, bus, lg.Log)

	cmds := discord.NewCommands(discord.Deps{
		Syncer:    recon,
		Scheduler: loop,
		Lookup:    fc,
		Links:     store,
	}, lg.Log)

	var sender kit.Sender
	if lg.Sender != nil {
		sender = lg.Sender
	}
	al := alerts.New(ac, sender, bus, statusLine(lg.Log), lg.Log)

	a := &App{
		conf:    conf,
		log:     log,
		logs:    lg.Service,
		bus:     bus,
		store:   store,
		faceit:  fc,
		discord: ad,
		recon:   recon,
		loop:    loop,
		cmds:    cmds,
		alerts:  al,
	}
	a.http = httpserver.New(hc, loop, a.supervisors, lg.Log)
	return a, nil
}

// statusLine forwards alert status lines to systemd.
func statusLine(log logx.Logger) alerts.StatusFunc {
	return func(line string) {
		if _, err := systemd.Status(line); err != nil {
			log.Debug("sd_notify status failed", logx.Err(err))
		}
	}
}

func (a *App) supervisors() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	return out
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.conf.Current()

	a.conf.SetLogger(a.log.With(logx.String("comp", "config")))
	a.conf.SetCheck(validate)

	a.detach = a.cmds.Attach(a.sup.Context(), a.discord.Session())
	if err := a.discord.Open(); err != nil {
		return err
	}

	if cfg.RegisterCommands() {
		a.sup.Go("discord.commands.register", func(c context.Context) error {
			if err := a.discord.Ready(c); err != nil {
				return nil
			}
			rctx, cancel := context.WithTimeout(c, 30*time.Second)
			defer cancel()
			if err := a.cmds.Register(rctx, a.discord.Session(), a.discord.AppID()); err != nil {
				a.log.Warn("slash command registration failed", logx.Err(err))
			}
			return nil
		})
	}

	a.alerts.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	if cfg.Sync.Disabled {
		a.log.Warn("periodic sync disabled via config")
	} else if err := a.loop.StartSpec(a.sup.Context(), cfg.Schedule()); err != nil {
		return err
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
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

	a.sup.Go0("config.reload", func(c context.Context) {
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next := <-a.conf.Updates():
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go0("config.watch", a.conf.Watch)

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, func() bool { return c.Err() == nil && a.sup.Err() == nil })
	})
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.String("schedule", cfg.Schedule()),
		logx.String("storage", cfg.StorageDriver()),
		logx.Bool("alerts", a.alerts.Enabled()),
	)
	return nil
}

// applyConfig applies a hot-reloaded config. Sections that are bound to live
// connections only log that a restart is required.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	change := config.SummarizeConfigChange(prev, next)
	if len(change.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Debug("config change summary", fields...)

	if change.Has("logging") || change.Has("telegram") {
		a.logs.Apply(mapLogConfig(next))
	}

	if change.Has("sync") {
		a.applySync(ctx, prev, next)
	}

	if change.Has("http") {
		if hc, err := mapHTTPConfig(next); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}

	for _, s := range change.RestartRequired {
		if s == "http" {
			continue
		}
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) applySync(ctx context.Context, prev, next *config.Config) {
	switch {
	case next.Sync.Disabled && !prev.Sync.Disabled:
		a.log.Info("periodic sync disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.loop.Stop(stopCtx); err != nil {
			a.log.Warn("sync loop stop incomplete", logx.Err(err))
		}
		cancel()
	case !next.Sync.Disabled && prev.Sync.Disabled:
		a.log.Info("periodic sync enabled via config")
		if err := a.loop.StartSpec(a.sup.Context(), next.Schedule()); err != nil {
			a.log.Warn("sync loop start failed", logx.Err(err))
		}
	case next.Schedule() != prev.Schedule():
		if err := a.loop.SetSpec(next.Schedule()); err != nil {
			a.log.Warn("invalid sync.schedule; keeping previous", logx.Err(err))
		}
	}
	if prev.Sync.Backoff != next.Sync.Backoff || prev.Sync.DegradedAfter != next.Sync.DegradedAfter ||
		prev.Sync.Workers != next.Sync.Workers || prev.Sync.Timezone != next.Sync.Timezone {
		a.log.Warn("sync tuning changed; restart required for changes to take effect")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "syncloop", 5*time.Second, func(c context.Context) error { return a.loop.Stop(c) })
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	a.step(ctx, "discord", 2*time.Second, func(context.Context) error {
		if a.detach != nil {
			a.detach()
		}
		return a.discord.Close()
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// Respect the caller's deadline; never extend it.
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
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
