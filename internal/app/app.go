// Package app wires the broker daemon: config, logging, broker, the TCP
// listener and the optional journal, admin, stats and Telegram components.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"fanoutmq/internal/admin"
	"fanoutmq/internal/bridge/telegram"
	"fanoutmq/internal/broker"
	"fanoutmq/internal/chat"
	"fanoutmq/internal/config"
	"fanoutmq/internal/eventbus"
	"fanoutmq/internal/journal"
	"fanoutmq/internal/runtime/supervisor"
	"fanoutmq/internal/stats"
	"fanoutmq/internal/wire"
	logx "fanoutmq/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     journal.Store
	recorder  *journal.Recorder
	recCancel context.CancelFunc

	broker *broker.Broker
	server *wire.Server
	admin  *admin.Service
	stats  *stats.Reporter
	bridge *telegram.Bridge

	fatal chan error

	lnMu sync.Mutex
	ln   net.Listener
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		fatal:   make(chan error, 1),
	}

	if jc, buffer, enabled, err := mapJournalConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		store, err := journal.Open(jc, log.With(logx.String("comp", "journal")))
		if err != nil {
			return nil, err
		}
		a.store = store
		a.recorder = journal.NewRecorder(store, a.bus, buffer, log.With(logx.String("comp", "journal")))
		a.log.Info("journal enabled", logx.String("driver", jc.Driver))
	}

	a.broker = broker.New(a.brokerConfig(cfg), log.With(logx.String("comp", "broker")), a.bus)
	a.declareExchanges(cfg.Broker.Exchanges)

	scfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, a.closeStore(err)
	}
	a.server = wire.NewServer(a.broker, scfg, log.With(logx.String("comp", "wire")))

	acfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, a.closeStore(err)
	}
	a.admin = admin.New(acfg, admin.Sources{
		Topology: a.broker.Snapshot,
		Verify:   a.broker.Verify,
		Journal:  a.store,
	}, log.With(logx.String("comp", "admin")))

	a.stats = stats.New(a.broker, mapStatsConfig(cfg), log.With(logx.String("comp", "stats")))

	if cfg.Telegram.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, a.closeStore(err)
		}
		br, err := telegram.New(tcfg, chat.Local(a.broker), log)
		if err != nil {
			return nil, a.closeStore(fmt.Errorf("telegram: %w", err))
		}
		a.bridge = br
	}
	return a, nil
}

func (a *App) closeStore(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
}

// brokerConfig maps cfg and routes invariant violations into the app supervisor.
func (a *App) brokerConfig(cfg *config.Config) broker.Config {
	bc := mapBrokerConfig(cfg)
	bc.OnFatal = func(err error, _ []byte) {
		select {
		case a.fatal <- err:
		default:
		}
	}
	return bc
}

func (a *App) declareExchanges(names []string) {
	for _, name := range names {
		if err := a.broker.DeclareExchange(name, broker.KindFanout); err != nil {
			a.log.Warn("declare exchange failed", logx.String("exchange", name), logx.Err(err))
		}
	}
}

func (a *App) Broker() *broker.Broker { return a.broker }

// Addr returns the client listener address once started.
func (a *App) Addr() string {
	a.lnMu.Lock()
	defer a.lnMu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
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

	ln, err := net.Listen("tcp", listenAddr(cfg))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.lnMu.Lock()
	a.ln = ln
	a.lnMu.Unlock()

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.recorder != nil {
		// Outlives the supervisor context so shutdown events still land.
		recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.recCancel = cancel
		a.sup.Go("journal.record", func(context.Context) error { return a.recorder.Run(recCtx) })
	}

	a.sup.Go("wire.serve", func(c context.Context) error { return a.server.Serve(c, ln) })

	a.sup.Go("broker.invariants", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case err := <-a.fatal:
			return fmt.Errorf("broker invariant violated: %w", err)
		}
	})

	if err := a.stats.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("stats: %w", err)
	}
	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}
	if a.bridge != nil {
		if err := a.bridge.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("telegram: %w", err)
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
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("addr", ln.Addr().String()))
	return nil
}

// apply pushes a validated config into the running components.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if slices.Contains(sections, "broker") {
		a.broker.Apply(a.brokerConfig(newCfg))
		a.declareExchanges(newCfg.Broker.Exchanges)
	}
	if slices.Contains(sections, "listen") {
		if scfg, err := mapServerConfig(newCfg); err != nil {
			a.log.Warn("invalid listen config; keeping previous", logx.Err(err))
		} else {
			a.server.Apply(scfg)
		}
		if listenAddr(oldCfg) != listenAddr(newCfg) {
			a.log.Warn("listen.addr changed; restart required for changes to take effect")
		}
	}
	if slices.Contains(sections, "admin") {
		if acfg, err := mapAdminConfig(newCfg); err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, acfg)
		}
	}
	if slices.Contains(sections, "stats") {
		if err := a.stats.Apply(mapStatsConfig(newCfg)); err != nil {
			a.log.Warn("stats reconfigure failed", logx.Err(err))
		}
	}
	for _, s := range []string{"journal", "telegram"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the listener and background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.bridge != nil {
			a.bridge.Stop(c)
		}
		return nil
	})
	step("stats", time.Second, func(c context.Context) error { a.stats.Stop(c); return nil })
	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("broker", 3*time.Second, a.broker.Shutdown)
	if a.recCancel != nil {
		a.recCancel()
	}
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("journal", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		if a.recorder != nil {
			written, failed := a.recorder.Counts()
			a.log.Info("journal closed", logx.Uint64("written", written), logx.Uint64("failed", failed))
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
