package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"anidbsync/internal/anidb"
	"anidbsync/internal/eventbus"
	"anidbsync/internal/queue"
	rtsup "anidbsync/internal/runtime/supervisor"
	logx "anidbsync/pkg/logx"
)

// Service turns bus events into notices: queue, rate limit, retry, dedup.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter

	queue chan string
	sup   *rtsup.Supervisor
	unsub func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. A nil sender only logs.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to the bus and starts the delivery worker. Start is
// idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))))
	q := s.queue

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64)
		s.unsub = unsub
		s.sup.Go("events", func(c context.Context) error {
			s.eventLoop(c, events)
			return nil
		})
	}
	s.sup.GoRestart("sender", time.Second, 30*time.Second, func(c context.Context) error {
		return s.sendLoop(c, q)
	})
}

// Stop stops intake and delivers what is queued until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	close(q)
	_ = sup.Wait(ctx)
	if ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("notify stop timed out; pending notices dropped", logx.Err(ctx.Err()))
	}
}

// Notify queues text. Identical texts inside DedupWindow are suppressed.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.queue == nil {
		return ErrDisabled
	}
	if !s.dedupAllow(text, s.cfg.DedupWindow) {
		return nil
	}
	select {
	case s.queue <- text:
		return nil
	default:
		s.log.Warn("notice dropped; queue full", logx.String("text", text))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if text := format(ev); text != "" {
				_ = s.Notify(text)
			}
		}
	}
}

func (s *Service) sendLoop(ctx context.Context, q <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, text)
		}
	}
}

func (s *Service) deliver(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, limiter := s.cfg, s.limiter
	s.mu.Unlock()

	s.log.Info("notice", logx.String("text", text))
	if s.sender == nil {
		s.appendHistory(text, nil)
		return
	}

	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			d := cfg.RetryBase << (attempt - 1)
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				s.appendHistory(text, ctx.Err())
				return
			case <-t.C:
			}
		}
		if err = limiter.Wait(ctx); err != nil {
			break
		}
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s.sender.Send(sctx, text)
		cancel()
		if err == nil || errors.Is(err, context.Canceled) {
			break
		}
	}
	if err != nil {
		s.log.Warn("notice delivery failed", logx.Err(err))
	}
	s.appendHistory(text, err)
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	if len(s.dedup) > 1000 {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}
	return true
}

func (s *Service) appendHistory(text string, err error) {
	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// format renders the events worth telling an operator about.
func format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.CommandDropped:
		ce, ok := ev.Data.(queue.CommandEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("Command dropped: %s (%s) after %d attempts: %s", ce.Description, ce.ID, ce.Attempts, ce.Error)
	case eventbus.AniDBPaused:
		p, ok := ev.Data.(anidb.PauseInfo)
		if !ok {
			return ""
		}
		if p.Code == anidb.CodeBanned || p.Code == anidb.CodeClientBanned {
			return fmt.Sprintf("AniDB ban (%d %s): paused until %s", int(p.Code), p.Reason, p.Until.Format(time.RFC3339))
		}
		if p.Code == anidb.CodeLoginFailed || p.Code == anidb.CodeClientVersionOutdated {
			return fmt.Sprintf("AniDB login rejected (%d %s): paused until %s or until the credentials change", int(p.Code), p.Reason, p.Until.Format(time.RFC3339))
		}
		return fmt.Sprintf("AniDB paused (%d %s) until %s", int(p.Code), p.Reason, p.Until.Format(time.RFC3339))
	}
	return ""
}
