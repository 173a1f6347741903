// Package app wires actionq together: config, logging, the queue, the
// outcome journal, metrics, triggers and the diagnostics server.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"actionq/internal/action"
	"actionq/internal/action/builtin"
	"actionq/internal/config"
	"actionq/internal/diag"
	"actionq/internal/eventbus"
	"actionq/internal/journal"
	"actionq/internal/metrics"
	"actionq/internal/queue"
	"actionq/internal/runtime/supervisor"
	"actionq/internal/trigger"
	logx "actionq/pkg/logx"
)

type App struct {
	cfgm    *config.Manager
	actions *action.Registry

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	queue *queue.Queue
	store journal.Store // nil when the journal is disabled
	rec   *journal.Recorder
	mp    *metrics.Provider // nil when metrics are disabled
	met   *metrics.Metrics
	trig  *trigger.Service
	diag  *diag.Service

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

// New loads cfgPath and builds every component. actions may already hold
// custom actions; the builtins are added to it.
func New(ctx context.Context, cfgPath string, actions *action.Registry) (*App, error) {
	if actions == nil {
		actions = action.NewRegistry()
	}
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(s.Log)
	a := &App{
		cfgm:    cfgm,
		actions: actions,
		log:     log.Named("app"),
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	if err := builtin.Register(actions, log.Named("action"), s.Builtins); err != nil {
		return fail(err)
	}

	a.queue = queue.New(s.Queue, log, a.bus)

	if s.Journal.Driver != "" {
		st, err := journal.Open(s.Journal, log.Named("journal"))
		if err != nil {
			return fail(fmt.Errorf("open journal: %w", err))
		}
		a.store = st
		a.rec = journal.NewRecorder(st, a.bus, log)
		a.log.Info("journal enabled", logx.String("driver", s.Journal.Driver))
	}

	if s.Metrics {
		a.mp = metrics.NewProvider()
		met, err := metrics.New(a.mp.Meter(), a.queue.Counts)
		if err != nil {
			return fail(fmt.Errorf("metrics: %w", err))
		}
		a.met = met
	}

	a.trig = trigger.New(s.Triggers, a.queue, actions, log.Named("trigger"))
	if err := a.trig.Set(s.Defs); err != nil {
		return fail(fmt.Errorf("triggers: %w", err))
	}

	deps := diag.Deps{
		Queue:    a.queue,
		Actions:  actions,
		Triggers: a.trig.Snapshot,
		Fire:     a.trig.Fire,
		Runtime:  a.runtimeSnapshot,
	}
	if a.mp != nil {
		deps.Metrics = a.mp.Summary
	}
	a.diag = diag.New(s.Diag, deps, log.Named("diag"))

	return a, nil
}

func (a *App) Queue() *queue.Queue { return a.queue }
func (a *App) Actions() *action.Registry { return a.actions }
func (a *App) Triggers() *trigger.Service { return a.trig }
func (a *App) Diag() *diag.Service { return a.diag }
func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Journal() journal.Store { return a.store }
func (a *App) Metrics() *metrics.Provider { return a.mp }
func (a *App) Logger() logx.Logger { return a.log }

func (a *App) supervisor() *supervisor.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

func (a *App) runtimeSnapshot() supervisor.Snapshot {
	sup := a.supervisor()
	if sup == nil {
		return supervisor.Snapshot{}
	}
	return sup.Snapshot()
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	sup := a.supervisor()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if sup := a.supervisor(); sup != nil {
		return sup.Err()
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup = sup
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.Named("config"))

	if a.rec != nil {
		sup.Go("journal.recorder", a.rec.Run)
	}
	if a.met != nil {
		sup.Go("metrics", func(c context.Context) error { return a.met.Run(c, a.bus) })
	}

	// Transitions at debug level; frequent triggers would be noisy otherwise.
	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type)}
				if te, ok := e.Data.(queue.TaskEvent); ok {
					fields = append(fields, logx.String("task", te.ID), logx.String("action", te.Action))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	a.trig.Start()
	if a.diag.Enabled() {
		a.diag.Start(sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
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
				// Coalesce bursts: keep only the latest config.
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
				if a.applyConfig(c, lastApplied, newCfg) {
					lastApplied = newCfg
				}
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)

	a.startSystemd(sup)
	a.log.Info("app started", logx.String("config", a.cfgm.Path()), logx.Any("actions", a.actions.Names()))
	return nil
}

// applyConfig hot-applies newCfg. Journal and metrics changes need a restart.
func (a *App) applyConfig(ctx context.Context, prev, newCfg *config.Config) bool {
	s, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return false
	}

	sections, attrs, triggersChanged := config.SummarizeChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return true
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, sec := range sections {
		switch sec {
		case "logging":
			a.logs.Apply(s.Log)
		case "queue":
			a.queue.Apply(s.Queue)
		case "actions":
			if err := builtin.Register(a.actions, a.log.Named("action"), s.Builtins); err != nil {
				a.log.Warn("builtin actions not updated", logx.Err(err))
			}
		case "triggers":
			a.trig.Apply(s.Triggers)
			if len(triggersChanged) > 0 {
				if err := a.trig.Set(s.Defs); err != nil {
					a.log.Warn("triggers not updated", logx.Err(err))
				} else {
					a.log.Debug("triggers updated", logx.Any("names", triggersChanged))
				}
			}
		case "diag":
			a.diag.Reconfigure(ctx, s.Diag)
		case "journal", "metrics":
			a.log.Warn(sec + " config changed; restart required for changes to take effect")
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", append(fields, logx.String("fingerprint", newCfg.Fingerprint()))...)
	return true
}

// Stop shuts components down in dependency order. Every step is bounded so
// one component can't stall the whole stop.
func (a *App) Stop(ctx context.Context, reason string) error {
	sup := a.supervisor()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))
	notifyStopping(a.log)

	// Unwind background loops first; the supervised diag server goes with them.
	sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := runStep(ctx, a.log, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("triggers", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("queue", 3*time.Second, a.queue.Close)
	step("supervisor", 2*time.Second, sup.Wait)
	if a.met != nil {
		step("metrics", time.Second, func(c context.Context) error {
			return errors.Join(a.met.Close(), a.mp.Shutdown(c))
		})
	}
	if a.store != nil {
		step("journal", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
