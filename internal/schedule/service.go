package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"anidbsync/internal/command"
	"anidbsync/internal/queue"
	logx "anidbsync/pkg/logx"
)

var ErrUnknownSchedule = errors.New("schedule: unknown name")

const (
	submitTimeout = 10 * time.Second
	warnThrottle  = time.Minute
)

// Submitter is the queue side of a trigger.
type Submitter interface {
	Submit(ctx context.Context, t command.Task, opts ...queue.SubmitOption) (bool, error)
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Info describes one registered trigger.
type Info struct {
	Name   string        `json:"name"`
	Spec   string        `json:"spec"`
	Next   time.Time     `json:"next,omitempty"`
	Prev   time.Time     `json:"prev,omitempty"`
	Spread time.Duration `json:"spread,omitempty"`
}

type def struct {
	name    string
	spec    ParsedSpec
	task    func() command.Task
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	q      Submitter
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*def

	wmu      sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, q Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		q:   q,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*def{},
		lastWarn: map[string]time.Time{},
	}
}

// Add registers (or replaces) the trigger name. Each firing submits a fresh
// task from newTask.
func (s *Service) Add(name, schedule string, newTask func() command.Task) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule: name required")
	}
	if newTask == nil {
		return fmt.Errorf("schedule %s: nil task", name)
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: ps, task: newTask}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.Spec()))
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

// Trigger submits name's task now, outside its schedule.
func (s *Service) Trigger(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	d := s.defs[name]
	s.mu.Unlock()
	if d == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.q.Submit(ctx, d.task())
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

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
	s.log.Info("scheduler stopped")
}

// Apply restarts the cron runner when the timezone changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		info := Info{Name: d.name, Spec: d.spec.Spec(), Spread: d.spread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) registerLocked(d *def) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if d.spec.Kind == SpecInterval {
		sched, spread := intervalWithSpread(d.spec.Every, time.Now().In(s.loc), d.name)
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.spread = 0
	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) fire(d *def) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	t := d.task()
	added, err := s.q.Submit(ctx, t)
	if err != nil {
		s.reportSubmitError(d.name, err)
		return
	}
	if !added {
		s.log.Debug("schedule trigger skipped; command still queued", logx.String("schedule", d.name), logx.String("command", t.ID()))
		return
	}
	s.log.Debug("schedule fired", logx.String("schedule", d.name), logx.String("command", t.ID()))
}

func (s *Service) reportSubmitError(name string, err error) {
	now := time.Now()
	s.wmu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.wmu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.wmu.Unlock()
	s.log.Warn("schedule failed to submit command", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) location() *time.Location {
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
