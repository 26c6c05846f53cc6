package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"anidbsync/internal/command"
	"anidbsync/internal/eventbus"
	logx "anidbsync/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, class command.Class, cs *classState, idx int) error {
	// Per-worker RNG: jitter without contending on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	log := s.log.With(logx.String("class", string(class)), logx.Int("worker", idx))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		default:
		}

		s.mu.Lock()
		poll := s.cfg.PollInterval
		s.mu.Unlock()

		now := time.Now()
		wait := poll
		if paused, until := cs.isPaused(now); paused {
			if !until.IsZero() && until.After(now) && until.Sub(now) < wait {
				wait = until.Sub(now)
			}
		} else {
			rec, ok, err := s.store.Next(ctx, class, now)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn("pick next command failed", logx.Err(err))
			} else if ok {
				s.execOne(cs, idx, rec, rng, log)
				continue
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-stopCh:
			t.Stop()
			return nil
		case <-cs.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (s *Service) execOne(cs *classState, idx int, rec command.Record, rng *rand.Rand, log logx.Logger) {
	s.mu.Lock()
	cfg := s.cfg
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	start := time.Now()
	task, err := s.reg.Rehydrate(rec)
	if err != nil {
		s.finalize(cfg, rec, command.Description{Kind: string(rec.Type), Subject: rec.ID}, command.Classify(err), start, rng, log)
		return
	}
	desc := task.Describe()

	cs.mu.Lock()
	cs.running[idx] = desc
	cs.mu.Unlock()
	s.publish(eventbus.CommandStarted, eventFor(rec, desc))

	ctx, cancel := context.WithTimeout(runCtx, cfg.TaskTimeout)
	out := command.Run(ctx, task, log)
	cancel()

	cs.mu.Lock()
	delete(cs.running, idx)
	cs.mu.Unlock()

	s.finalize(cfg, rec, desc, out, start, rng, log)
}

// finalize applies an outcome to the stored record.
func (s *Service) finalize(cfg Config, rec command.Record, desc command.Description, out command.Outcome, start time.Time, rng *rand.Rand, log logx.Logger) {
	// Bookkeeping must land even when a hard stop canceled the task.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	ev := eventFor(rec, desc)
	item := HistoryItem{
		RunID:       uuid.NewString(),
		ID:          rec.ID,
		Class:       rec.Class,
		Description: desc.String(),
		Started:     start,
		Duration:    now.Sub(start),
		Outcome:     out.Kind.String(),
	}
	if out.Err != nil {
		item.Error = out.Err.Error()
		ev.Error = item.Error
	}
	defer s.addHistory(item)

	switch out.Kind {
	case command.OutcomeSuccess:
		if err := s.store.Retire(ctx, rec.ID); err != nil {
			log.Error("retire command failed", logx.String("command", rec.ID), logx.Err(err))
			return
		}
		s.publish(eventbus.CommandRetired, ev)

	case command.OutcomeDeferred:
		// Pause before the record becomes visible again.
		if out.Hint > 0 {
			s.pauseUntil(rec.Class, now.Add(out.Hint))
		}
		if err := s.store.Release(ctx, rec.ID); err != nil {
			log.Error("release command failed", logx.String("command", rec.ID), logx.Err(err))
			return
		}
		ev.Delay = out.Hint
		s.publish(eventbus.CommandDeferred, ev)
		log.Info("command deferred", logx.String("command", rec.ID), logx.Duration("for", out.Hint))

	case command.OutcomeTransient:
		attempts := rec.Attempts + 1
		if attempts > cfg.RetryMax {
			s.drop(ctx, rec, desc, "retries exhausted: "+item.Error, now, log)
			return
		}
		delay := backoffDelayWithHint(cfg, attempts, out.Hint, rng)
		// Never wait less than last time.
		delay = max(delay, rec.RetryDelay)

		rec.Attempts = attempts
		rec.RetryDelay = delay
		rec.NotBefore = now.Add(delay)
		rec.UpdatedAt = now
		rec.LastError = item.Error
		if err := s.store.Reschedule(ctx, rec); err != nil {
			log.Error("reschedule command failed", logx.String("command", rec.ID), logx.Err(err))
			return
		}
		ev.Attempts = attempts
		ev.Delay = delay
		s.publish(eventbus.CommandRetry, ev)
		log.Info("command retry scheduled",
			logx.String("command", rec.ID),
			logx.Int("attempt", attempts),
			logx.Duration("delay", delay),
		)

	default:
		reason := item.Error
		if reason == "" {
			reason = "fatal"
		}
		s.drop(ctx, rec, desc, reason, now, log)
	}
}

func (s *Service) drop(ctx context.Context, rec command.Record, desc command.Description, reason string, now time.Time, log logx.Logger) {
	if err := s.store.Drop(ctx, rec, reason, now); err != nil {
		log.Error("drop command failed", logx.String("command", rec.ID), logx.Err(err))
		return
	}
	ev := eventFor(rec, desc)
	ev.Error = reason
	s.publish(eventbus.CommandDropped, ev)
	log.Warn("command dropped",
		logx.String("command", rec.ID),
		logx.String("task", desc.String()),
		logx.Int("attempts", rec.Attempts),
		logx.String("reason", reason),
	)
}

func backoffDelayWithHint(cfg Config, attempt int, hint time.Duration, rng *rand.Rand) time.Duration {
	if hint <= 0 {
		return backoffDelay(cfg, attempt, rng)
	}
	return jitter(min(hint, cfg.RetryMaxDelay), cfg, rng)
}

// backoffDelay is RetryBase * 2^(attempt-1), capped at RetryMaxDelay, with jitter.
func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}
