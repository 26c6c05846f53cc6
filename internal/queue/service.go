package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"anidbsync/internal/command"
	"anidbsync/internal/eventbus"
	logx "anidbsync/pkg/logx"

	rtsup "anidbsync/internal/runtime/supervisor"
)

// Service is the durable command queue. Records live in the Store; each
// class has its own worker pool that pops records in priority order.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	store Store
	reg   *command.Registry
	log   logx.Logger
	bus   eventbus.Bus

	classes map[command.Class]*classState

	sup       *rtsup.Supervisor
	stopCh    chan struct{}
	runCtx    context.Context // passed to executing tasks; canceled only on hard stop
	runCancel context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

type classState struct {
	wake chan struct{}

	mu          sync.Mutex
	workers     int
	paused      bool
	pausedUntil time.Time
	running     map[int]command.Description
}

func (c *classState) isPaused(now time.Time) (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused || now.Before(c.pausedUntil), c.pausedUntil
}

func New(cfg Config, store Store, reg *command.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		store:   store,
		reg:     reg,
		log:     log,
		bus:     bus,
		classes: map[command.Class]*classState{},
	}
	for cl, cc := range s.cfg.Classes {
		s.classes[cl] = &classState{
			wake:    make(chan struct{}, 1),
			workers: cc.Workers,
			paused:  cc.Paused,
			running: map[int]command.Description{},
		}
	}
	return s
}

// Start recovers records left in flight by a previous process and starts the
// worker pools. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	n, err := s.store.ResetInFlight(ctx)
	if err != nil {
		return fmt.Errorf("queue: recover in-flight records: %w", err)
	}
	if n > 0 {
		s.log.Info("requeued commands interrupted by the previous run", logx.Int("count", n))
	}

	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "queue"))))
	stopCh, sup := s.stopCh, s.sup
	s.mu.Unlock()

	total := 0
	for _, cl := range sortedClasses(cfg.Classes) {
		cs := s.classes[cl]
		cs.mu.Lock()
		cs.workers = cfg.Classes[cl].Workers
		cs.mu.Unlock()
		for i := 0; i < cfg.Classes[cl].Workers; i++ {
			idx := i
			sup.GoRestart(fmt.Sprintf("worker.%s.%d", cl, idx), time.Second, time.Minute, func(c context.Context) error {
				return s.worker(c, stopCh, cl, cs, idx)
			})
			total++
		}
	}
	s.log.Info("command queue started", logx.Int("workers", total), logx.Int("retry_max", cfg.RetryMax))
	return nil
}

// Stop stops pulling new records and waits for running tasks to finish. If
// ctx expires first, running tasks see their context canceled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh, sup, cancel := s.stopCh, s.sup, s.runCancel
	s.stopCh, s.sup, s.runCancel = nil, nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}

	close(stopCh)
	err := sup.Wait(ctx)
	cancel()
	sup.Cancel()
	if ctx.Err() != nil {
		s.log.Warn("command queue stop timed out; running tasks canceled", logx.Err(err))
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sup.Wait(wctx)
		wcancel()
		return
	}
	s.log.Info("command queue stopped")
}

// Submit stores t as a pending record unless a record with the same ID is
// already queued or running. It reports whether a record was added.
func (s *Service) Submit(ctx context.Context, t command.Task, opts ...SubmitOption) (bool, error) {
	var o submitOptions
	for _, fn := range opts {
		fn(&o)
	}
	class, ok := s.reg.Class(t.Type())
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnregistered, t.Type())
	}
	rec, err := command.NewRecord(t, class, o.priority, time.Now())
	if err != nil {
		return false, err
	}
	inserted, err := s.store.Insert(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("queue: submit %s: %w", rec.ID, err)
	}
	if !inserted {
		s.log.Debug("command already queued", logx.String("command", rec.ID))
		return false, nil
	}

	s.log.Debug("command submitted", logx.String("command", rec.ID), logx.String("class", string(class)), logx.Int("priority", int(rec.Priority)))
	s.publish(eventbus.CommandSubmitted, eventFor(rec, t.Describe()))
	s.wake(class)
	return true, nil
}

// Pause stops class workers from taking new records until Resume.
func (s *Service) Pause(class command.Class) {
	if cs := s.classes[class]; cs != nil {
		cs.mu.Lock()
		cs.paused = true
		cs.mu.Unlock()
		s.log.Info("command class paused", logx.String("class", string(class)))
	}
}

func (s *Service) Resume(class command.Class) {
	if cs := s.classes[class]; cs != nil {
		cs.mu.Lock()
		cs.paused = false
		cs.pausedUntil = time.Time{}
		cs.mu.Unlock()
		s.log.Info("command class resumed", logx.String("class", string(class)))
		s.wake(class)
	}
}

// EndPauseWindow lifts a pause set by a deferred outcome. A manual Pause
// stays in effect.
func (s *Service) EndPauseWindow(class command.Class) {
	if cs := s.classes[class]; cs != nil {
		cs.mu.Lock()
		cs.pausedUntil = time.Time{}
		cs.mu.Unlock()
		s.wake(class)
	}
}

// pauseUntil holds class back until t after a deferred outcome.
func (s *Service) pauseUntil(class command.Class, t time.Time) {
	cs := s.classes[class]
	if cs == nil {
		return
	}
	cs.mu.Lock()
	if t.After(cs.pausedUntil) {
		cs.pausedUntil = t
	}
	cs.mu.Unlock()
}

// Apply updates retry settings and manual pauses. Worker counts take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg.RetryMax = cfg.RetryMax
	s.cfg.RetryBase = cfg.RetryBase
	s.cfg.RetryMaxDelay = cfg.RetryMaxDelay
	s.cfg.RetryJitter = cfg.RetryJitter
	s.cfg.TaskTimeout = cfg.TaskTimeout
	s.cfg.PollInterval = cfg.PollInterval
	classes := make(map[command.Class]ClassConfig, len(prev.Classes))
	for cl, cc := range prev.Classes {
		if next, ok := cfg.Classes[cl]; ok {
			cc = next
		}
		classes[cl] = cc
	}
	s.cfg.Classes = classes
	s.mu.Unlock()

	for cl, cc := range classes {
		if prev.Classes[cl].Paused == cc.Paused {
			continue
		}
		if cc.Paused {
			s.Pause(cl)
		} else {
			s.Resume(cl)
		}
	}
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	now := time.Now()
	counts, err := s.store.Counts(ctx, now)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Running: running, RetryMax: cfg.RetryMax}
	for _, cl := range sortedClasses(cfg.Classes) {
		cs := s.classes[cl]
		paused, until := cs.isPaused(now)
		cs.mu.Lock()
		item := ClassSnapshot{Class: cl, Workers: cs.workers, Paused: paused, Counts: counts[cl]}
		if now.Before(until) {
			item.PausedUntil = until
		}
		for _, d := range cs.running {
			item.Running = append(item.Running, d)
		}
		cs.mu.Unlock()
		snap.Classes = append(snap.Classes, item)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap, nil
}

func (s *Service) wake(class command.Class) {
	cs := s.classes[class]
	if cs == nil {
		return
	}
	select {
	case cs.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ string, ev CommandEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) addHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func eventFor(rec command.Record, d command.Description) CommandEvent {
	return CommandEvent{
		ID:          rec.ID,
		Type:        rec.Type,
		Class:       rec.Class,
		Priority:    rec.Priority,
		Description: d.String(),
		Attempts:    rec.Attempts,
	}
}

func sortedClasses(m map[command.Class]ClassConfig) []command.Class {
	out := make([]command.Class, 0, len(m))
	for cl := range m {
		out = append(out, cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
