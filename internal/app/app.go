package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"roombot/internal/config"
	"roombot/internal/dispatch"
	"roombot/internal/eventbus"
	"roombot/internal/housekeeping"
	"roombot/internal/metrics"
	"roombot/internal/redact"
	"roombot/internal/runtime/supervisor"
	"roombot/internal/storage"
	"roombot/internal/transport"
	"roombot/internal/transport/matrix"
	"roombot/internal/trigger"
	logx "roombot/pkg/logx"
	"roombot/pkg/systemd"
)

// Platform is everything the bot needs from a chat network.
type Platform interface {
	transport.Adapter
	transport.Sender
	transport.Redactor
	transport.ReceiptSource
}

// PlatformFactory builds the chat network connection once config and
// logging are ready.
type PlatformFactory func(cfg *config.Config, log logx.Logger) (Platform, error)

// Options are the process arguments. Credentials never come from the config file.
type Options struct {
	ConfigPath    string
	HomeserverURL string
	Username      string
	Password      string
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	platform Platform

	counter    *trigger.Counter
	redactor   *redact.Scheduler
	media      *mediaGate
	dispatcher *dispatch.Dispatcher
	house      *housekeeping.Service
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	events chan transport.Event
}

// New loads the config and connects the pieces for a Matrix account.
func New(opts Options) (*App, error) {
	return newApp(config.NewConfigManager(opts.ConfigPath), func(cfg *config.Config, log logx.Logger) (Platform, error) {
		return matrix.New(matrix.Config{
			HomeserverURL:    opts.HomeserverURL,
			Username:         opts.Username,
			Password:         opts.Password,
			DeviceName:       cfg.Matrix.DeviceName,
			RequestTimeout:   cfg.RequestTimeout(),
			ReceiptCacheSize: cfg.Matrix.ReceiptCacheSize,
		}, log)
	})
}

func newApp(cfgm *config.ConfigManager, platform PlatformFactory) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately. The room sink has no sender yet, so boot
	// with it off and enable it once the platform exists.
	baseLogCfg := cfg.LogConfig()
	finalLogCfg := baseLogCfg
	baseLogCfg.Room.Enabled = false
	logSvc, root := logx.New(baseLogCfg, nil)
	log := root.With(logx.String("comp", "app"))

	pf, err := platform(cfg, root.With(logx.String("comp", "matrix")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetSender(pf)
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	topts, err := cfg.TriggerOptions()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	counter, err := trigger.NewCounter(topts)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	m := metrics.New()
	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		platform: pf,
		counter:  counter,
		media:    &mediaGate{},
		metrics:  m,
		metricsSrv: metrics.NewServer(metrics.ServerConfig{
			Enabled:       cfg.Metrics.Enabled,
			Addr:          cfg.Metrics.Addr,
			Path:          cfg.Metrics.Path,
			AllowInsecure: cfg.Metrics.AllowInsecure,
		}, m.Handler(), root),
		events: make(chan transport.Event, 256),
	}
	a.media.enabled.Store(cfg.Redaction.Enabled)
	a.house = housekeeping.New(housekeepingConfig(cfg), root, counter, a.status)
	return a, nil
}

func housekeepingConfig(cfg *config.Config) housekeeping.Config {
	return housekeeping.Config{
		PruneSchedule:  cfg.Housekeeping.PruneSchedule,
		StatusSchedule: cfg.Housekeeping.StatusSchedule,
		Timezone:       cfg.Housekeeping.Timezone,
	}
}

// mediaGate lets redaction be switched on and off by config reload without
// rebuilding the dispatcher.
type mediaGate struct {
	enabled atomic.Bool
	sched   *redact.Scheduler
}

func (g *mediaGate) Schedule(ev redact.MediaEvent) bool {
	if !g.enabled.Load() || g.sched == nil {
		return false
	}
	return g.sched.Schedule(ev)
}

// Cancel works even while redaction is switched off, so watches started
// before the switch still end when their media disappears.
func (g *mediaGate) Cancel(eventID string) bool {
	if g.sched == nil {
		return false
	}
	return g.sched.Cancel(eventID)
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
	cfg := a.cfgm.Get()
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Reloads are checked before they are committed and published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, _, err := mapStorageConfig(c); err != nil {
			return err
		}
		return nil
	})

	ropts, err := cfg.RedactOptions()
	if err != nil {
		return err
	}
	a.redactor = redact.New(redact.Deps{
		Receipts: a.platform,
		Redactor: a.platform,
		Log:      a.log.With(logx.String("comp", "redact")),
		Bus:      a.bus,
	}, ropts)
	a.media.sched = a.redactor

	a.dispatcher, err = dispatch.New(dispatch.Deps{
		Text:   a.counter,
		Media:  a.media,
		Sender: a.platform,
		Self:   a.platform.UserID,
		Log:    a.log.With(logx.String("comp", "dispatch")),
		Bus:    a.bus,
		Sup:    a.sup,
	}, cfg.DispatchOptions())
	if err != nil {
		return err
	}

	a.metrics.ObserveWatches(a.redactor.Len)
	a.metrics.ObserveRooms(a.dispatcher.Rooms)
	a.metrics.ObserveBusDrops(a.bus.Dropped)
	a.sup.Go("metrics.consume", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
	a.metricsSrv.Start(a.sup.Context())

	if a.store != nil {
		a.sup.Go0("storage.audit", func(c context.Context) {
			runAudit(c, a.bus, a.store, a.log.With(logx.String("comp", "storage")))
		})
	}

	// Debug view of domain events.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if err := a.platform.Start(a.sup.Context(), a.events); err != nil {
		return err
	}
	a.sup.Go("dispatch", func(c context.Context) error {
		return a.dispatcher.Run(c, a.events)
	})

	if err := a.house.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", systemd.Watchdog)

	a.log.Info("app started", logx.String("user_id", a.platform.UserID()))
	return nil
}

// applyConfig pushes a validated config to every live-reloadable component.
// Running redaction watches keep the timings they started with.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(newCfg.LogConfig())

	if topts, err := newCfg.TriggerOptions(); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else if err := a.counter.Apply(topts); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	}

	if ropts, err := newCfg.RedactOptions(); err != nil {
		a.log.Warn("invalid redaction config; keeping previous", logx.Err(err))
	} else if a.redactor != nil {
		a.redactor.Apply(ropts)
	}
	if prev := a.media.enabled.Swap(newCfg.Redaction.Enabled); prev != newCfg.Redaction.Enabled {
		a.log.Info("redaction toggled via config", logx.Bool("enabled", newCfg.Redaction.Enabled))
	}

	if a.dispatcher != nil {
		a.dispatcher.Apply(newCfg.DispatchOptions())
	}
	if err := a.house.Apply(housekeepingConfig(newCfg)); err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

// status feeds the periodic housekeeping log line.
func (a *App) status() []logx.Field {
	rooms := a.counter.Rooms()
	counts := make(map[string]int, len(rooms))
	for _, r := range rooms {
		counts[r.RoomID] = len(r.History)
	}
	fields := []logx.Field{
		logx.Int("rooms", len(rooms)),
		logx.Any("history", counts),
	}
	if a.redactor != nil {
		active := a.redactor.Active()
		byState := map[string]int{}
		for _, w := range active {
			byState[string(w.State)]++
		}
		fields = append(fields, logx.Int("watches_active", len(active)), logx.Any("watches", byState))
		if len(active) > 0 {
			fields = append(fields, logx.Duration("oldest_watch", time.Since(active[0].StartedAt).Round(time.Second)))
		}
	}
	if a.dispatcher != nil {
		fields = append(fields, logx.Int("dispatch_rooms", a.dispatcher.Rooms()))
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		fields = append(fields, logx.Int64("goroutines", snap.Counters.Active))
		if r := snap.Restarting(); len(r) > 0 {
			fields = append(fields, logx.Any("restarted", r))
		}
	}
	return fields
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a single component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
				return
			}
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("housekeeping", time.Second, func(c context.Context) error { a.house.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.platform.Stop(c) })
	step("redact", 2*time.Second, func(c context.Context) error {
		if a.redactor == nil {
			return nil
		}
		return a.redactor.Stop(c)
	})
	step("metrics", time.Second, func(c context.Context) error { a.metricsSrv.Stop(c); return nil })
	// Wait for supervised goroutines (dispatch, config watch/reload, audit writer, ...).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
