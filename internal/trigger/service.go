package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"actionq/internal/queue"
	"actionq/pkg/logx"
)

type trigger struct {
	def     Definition
	spec    string
	sched   cron.Schedule
	entryID cron.EntryID

	lastTask string
	inflight bool // a non-overlapping fire is between its pending check and Enqueue
	fired    uint64
	skipped  uint64
	warn     rate.Sometimes
}

// Service fires Definitions on their schedules. Definitions can be set
// before Start; they are registered when cron starts.
type Service struct {
	log     logx.Logger
	q       Enqueuer
	actions Resolver
	parser  cron.Parser

	mu       sync.Mutex
	cfg      Config
	loc      *time.Location
	c        *cron.Cron
	triggers map[string]*trigger
}

func New(cfg Config, q Enqueuer, actions Resolver, log logx.Logger) *Service {
	return &Service{
		log:     log.Named("trigger"),
		q:       q,
		actions: actions,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:      cfg,
		triggers: map[string]*trigger{},
	}
}

// Validate checks a definition without registering it.
func (s *Service) Validate(d Definition) error {
	_, _, err := s.compile(d)
	return err
}

func (s *Service) compile(d Definition) (string, cron.Schedule, error) {
	if strings.TrimSpace(d.Name) == "" {
		return "", nil, errors.New("trigger name required")
	}
	if strings.TrimSpace(d.Action) == "" {
		return "", nil, fmt.Errorf("trigger %s: action required", d.Name)
	}
	ps, err := ParseSchedule(d.Schedule)
	if err != nil {
		return "", nil, fmt.Errorf("trigger %s: %w", d.Name, err)
	}
	spec := ps.Spec()
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return "", nil, fmt.Errorf("trigger %s: %w", d.Name, err)
	}
	return spec, sched, nil
}

// Add registers d, replacing any trigger with the same name.
func (s *Service) Add(d Definition) error {
	spec, sched, err := s.compile(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.Name)
	t := &trigger{def: d, spec: spec, sched: sched, warn: rate.Sometimes{First: 1, Interval: time.Minute}}
	s.triggers[d.Name] = t
	if s.c != nil {
		s.scheduleLocked(t)
		s.log.Debug("trigger registered", logx.String("name", d.Name), logx.String("spec", spec), logx.String("next", s.previewLocked(t, 3)))
	}
	return nil
}

// Set replaces every trigger with defs. Nothing changes if any is invalid.
func (s *Service) Set(defs []Definition) error {
	seen := map[string]bool{}
	for _, d := range defs {
		if err := s.Validate(d); err != nil {
			return err
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate trigger %q", d.Name)
		}
		seen[d.Name] = true
	}
	s.mu.Lock()
	for name := range s.triggers {
		if !seen[name] {
			s.removeLocked(name)
		}
	}
	s.mu.Unlock()
	for _, d := range defs {
		if err := s.Add(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	t := s.triggers[name]
	if t == nil {
		return false
	}
	if s.c != nil && t.entryID != 0 {
		s.c.Remove(t.entryID)
	}
	delete(s.triggers, name)
	return true
}

func (s *Service) scheduleLocked(t *trigger) {
	sched := t.sched
	if every, ok := sched.(cron.ConstantDelaySchedule); ok && s.cfg.Spread {
		sched, _ = intervalWithSpread(every.Delay, time.Now().In(s.loc))
	}
	name := t.def.Name
	t.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(name, time.Now()) }))
}

// Start starts cron in the configured timezone.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, t := range s.triggers {
		s.scheduleLocked(t)
	}
	s.c.Start()
}

// Stop stops cron and waits for running fire callbacks, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Apply swaps the config; a timezone or spread change restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restart := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone) || cfg.Spread != s.cfg.Spread
	s.cfg = cfg
	if s.c == nil || !restart {
		return
	}
	s.c.Stop()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

// Fire enqueues trigger name now, ignoring its schedule but honoring its
// overlap policy. It returns the task id, or false if skipped or unknown.
func (s *Service) Fire(name string) (string, bool) {
	return s.fire(name, time.Now())
}

func (s *Service) fire(name string, at time.Time) (string, bool) {
	s.mu.Lock()
	t := s.triggers[name]
	if t == nil {
		s.mu.Unlock()
		return "", false
	}
	d := t.def
	last := t.lastTask
	if !d.AllowOverlap {
		if t.inflight {
			t.skipped++
			s.mu.Unlock()
			s.log.Debug("trigger skipped", logx.String("name", name), logx.String("reason", "fire in progress"))
			return "", false
		}
		t.inflight = true
		defer func() {
			s.mu.Lock()
			t.inflight = false
			s.mu.Unlock()
		}()
	}
	s.mu.Unlock()

	if !d.AllowOverlap && last != "" {
		if prev, ok := s.q.GetTask(last); ok && !prev.Status.Terminal() {
			s.mu.Lock()
			t.skipped++
			s.mu.Unlock()
			s.log.Debug("trigger skipped", logx.String("name", name), logx.String("previous", last), logx.String("status", string(prev.Status)))
			return "", false
		}
	}

	a, ok := s.actions.Resolve(d.Action)
	if !ok {
		t.warn.Do(func() {
			s.log.Warn("trigger action not registered", logx.String("name", name), logx.String("action", d.Action))
		})
		return "", false
	}

	var opts []queue.Option
	if d.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*d.MaxRetries))
	}
	if d.Timeout > 0 {
		opts = append(opts, queue.WithTimeout(d.Timeout))
	}
	if d.Group != "" {
		opts = append(opts, queue.WithGroup(d.Group, d.GroupLimit))
	}
	id := s.q.Enqueue(a, d.Params, Fire{Trigger: name, At: at}, opts...)

	s.mu.Lock()
	// The trigger may have been replaced while enqueuing.
	if cur := s.triggers[name]; cur == t {
		t.lastTask = id
		t.fired++
	}
	s.mu.Unlock()
	s.log.Debug("trigger fired", logx.String("name", name), logx.String("task", id))
	return id, true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, t := range s.triggers {
		in := Info{Name: t.def.Name, Spec: t.spec, Action: t.def.Action, LastTask: t.lastTask, Fired: t.fired, Skipped: t.skipped}
		if s.c != nil && t.entryID != 0 {
			e := s.c.Entry(t.entryID)
			in.Next, in.Prev = e.Next, e.Prev
		}
		snap.Triggers = append(snap.Triggers, in)
	}
	sort.Slice(snap.Triggers, func(i, j int) bool { return snap.Triggers[i].Name < snap.Triggers[j].Name })
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked lists upcoming run times for debug logs.
func (s *Service) previewLocked(t *trigger, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	at := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		at = t.sched.Next(at)
		if at.IsZero() {
			break
		}
		parts = append(parts, at.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
