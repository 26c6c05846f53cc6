package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"anidbsync/internal/anidb"
	"anidbsync/internal/command"
	"anidbsync/internal/eventbus"
	"anidbsync/internal/storage"
	logx "anidbsync/pkg/logx"
)

// harness runs probe tasks whose behavior is looked up by name, so records
// rehydrated from the store keep the behavior the test assigned.
type harness struct {
	mu     sync.Mutex
	order  []string
	calls  map[string]int
	behave map[string]func(call int) error

	inAniDB  atomic.Int32
	maxAniDB atomic.Int32
}

type probeTask struct {
	h    *harness
	Name string       `json:"name"`
	Prio int          `json:"prio"`
	Kind command.Type `json:"kind"`
}

func (t *probeTask) ID() string         { return string(t.Kind) + "_" + t.Name }
func (t *probeTask) Type() command.Type { return t.Kind }
func (t *probeTask) DefaultPriority() command.Priority {
	if t.Prio == 0 {
		return command.Priority5
	}
	return command.Priority(t.Prio)
}
func (t *probeTask) Describe() command.Description {
	return command.Description{Kind: string(t.Kind), Subject: t.Name}
}
func (t *probeTask) Payload() ([]byte, error) { return command.EncodePayload(t) }

func (t *probeTask) Execute(ctx context.Context) error {
	h := t.h
	if t.Kind == "ProbeAniDB" {
		n := h.inAniDB.Add(1)
		defer h.inAniDB.Add(-1)
		for {
			m := h.maxAniDB.Load()
			if n <= m || h.maxAniDB.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.mu.Lock()
	h.order = append(h.order, t.Name)
	h.calls[t.Name]++
	call := h.calls[t.Name]
	fn := h.behave[t.Name]
	h.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return nil
}

func newHarness() *harness {
	return &harness{calls: map[string]int{}, behave: map[string]func(int) error{}}
}

func (h *harness) registry() *command.Registry {
	reg := command.NewRegistry()
	for typ, class := range map[command.Type]command.Class{"Probe": command.ClassGeneral, "ProbeAniDB": command.ClassAniDB} {
		reg.MustRegister(typ, class, func(rec command.Record) (command.Task, error) {
			t := &probeTask{h: h}
			if err := command.DecodePayload(rec, t); err != nil {
				return nil, err
			}
			return t, nil
		})
	}
	return reg
}

func (h *harness) task(name string, prio int) *probeTask {
	return &probeTask{h: h, Name: name, Prio: prio, Kind: "Probe"}
}

func (h *harness) snapshot() ([]string, map[string]int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	calls := make(map[string]int, len(h.calls))
	for k, v := range h.calls {
		calls[k] = v
	}
	return append([]string(nil), h.order...), calls
}

func testConfig() Config {
	return Config{
		Classes: map[command.Class]ClassConfig{
			command.ClassGeneral: {Workers: 1},
		},
		RetryMax:      3,
		RetryBase:     10 * time.Millisecond,
		RetryMaxDelay: time.Second,
		RetryJitter:   0.01,
		PollInterval:  5 * time.Millisecond,
		TaskTimeout:   time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
}

func TestSubmitIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness()
	store := storage.NewMemory()
	svc := New(testConfig(), store, h.registry(), logx.Nop(), nil)

	ctx := context.Background()
	added, err := svc.Submit(ctx, h.task("a", 3))
	if err != nil || !added {
		t.Fatalf("first submit = %v, %v", added, err)
	}
	added, err = svc.Submit(ctx, h.task("a", 1))
	if err != nil || added {
		t.Fatalf("second submit = %v, %v; want dedup", added, err)
	}
	counts, _ := store.Counts(ctx, time.Now())
	if c := counts[command.ClassGeneral]; c.Pending != 1 {
		t.Fatalf("counts = %+v, want one pending record", c)
	}

	if _, err := svc.Submit(ctx, &probeTask{h: h, Name: "x", Kind: "Nope"}); !errors.Is(err, ErrUnregistered) {
		t.Fatalf("unregistered submit err = %v", err)
	}
}

func TestWorkerRunsByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	h := newHarness()
	svc := New(testConfig(), storage.NewMemory(), h.registry(), logx.Nop(), nil)
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		prio int
	}{{"p5", 5}, {"p1", 1}, {"p3", 3}, {"f1", 7}, {"f2", 7}, {"f3", 7}} {
		if _, err := svc.Submit(ctx, h.task(tc.name, tc.prio)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	startService(t, svc)

	waitFor(t, "all tasks", func() bool { o, _ := h.snapshot(); return len(o) == 6 })
	order, _ := h.snapshot()
	want := []string{"p1", "p3", "p5", "f1", "f2", "f3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTransientFailuresBackOffThenDrop(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.behave["flaky"] = func(int) error {
		return &anidb.TransportError{Op: "receive", Err: anidb.ErrTimeout}
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	store := storage.NewMemory()
	svc := New(testConfig(), store, h.registry(), logx.Nop(), bus)
	if _, err := svc.Submit(context.Background(), h.task("flaky", 2)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	startService(t, svc)

	var (
		delays  []time.Duration
		dropped bool
	)
	timeout := time.After(5 * time.Second)
	for !dropped {
		select {
		case ev := <-events:
			ce, _ := ev.Data.(CommandEvent)
			switch ev.Type {
			case eventbus.CommandRetry:
				delays = append(delays, ce.Delay)
			case eventbus.CommandDropped:
				dropped = true
			}
		case <-timeout:
			t.Fatalf("record never dropped; retries so far: %v", delays)
		}
	}

	if len(delays) != 3 {
		t.Fatalf("retries = %d (%v), want 3", len(delays), delays)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("backoff decreased: %v", delays)
		}
	}
	_, calls := h.snapshot()
	if calls["flaky"] != 4 {
		t.Fatalf("executions = %d, want 1 + RetryMax = 4", calls["flaky"])
	}
	dead, _ := store.DeadLetters(context.Background(), 10)
	if len(dead) != 1 || dead[0].Record.ID != "Probe_flaky" || dead[0].Record.Attempts != 3 {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.behave["gone"] = func(int) error { return command.Fatal(errors.New("video deleted")) }
	store := storage.NewMemory()
	svc := New(testConfig(), store, h.registry(), logx.Nop(), nil)
	if _, err := svc.Submit(context.Background(), h.task("gone", 2)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Submit(context.Background(), h.task("after", 3)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	startService(t, svc)

	waitFor(t, "later task", func() bool { _, c := h.snapshot(); return c["after"] == 1 })
	time.Sleep(50 * time.Millisecond)
	_, calls := h.snapshot()
	if calls["gone"] != 1 {
		t.Fatalf("fatal task executed %d times, want 1", calls["gone"])
	}
	if _, ok := store.Record("Probe_gone"); ok {
		t.Fatalf("fatal record still queued")
	}
	dead, _ := store.DeadLetters(context.Background(), 10)
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
}

func TestDeferredOutcomePausesClassWithoutCountingAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.behave["busy"] = func(call int) error {
		if call == 1 {
			return &anidb.ThrottledError{Until: time.Now().Add(300 * time.Millisecond), Reason: "602 SERVER BUSY"}
		}
		return nil
	}
	store := storage.NewMemory()
	svc := New(testConfig(), store, h.registry(), logx.Nop(), nil)
	if _, err := svc.Submit(context.Background(), h.task("busy", 2)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	startService(t, svc)

	waitFor(t, "first attempt", func() bool { _, c := h.snapshot(); return c["busy"] == 1 })
	waitFor(t, "release", func() bool {
		r, ok := store.Record("Probe_busy")
		return ok && r.State == command.StatePending
	})
	r, _ := store.Record("Probe_busy")
	if r.Attempts != 0 {
		t.Fatalf("deferred record attempts = %d, want 0", r.Attempts)
	}
	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, c := range snap.Classes {
		if c.Class == command.ClassGeneral && !c.Paused {
			t.Fatalf("class not paused after deferred outcome: %+v", c)
		}
	}

	waitFor(t, "retry after pause", func() bool { _, c := h.snapshot(); return c["busy"] == 2 })
	waitFor(t, "retire", func() bool { _, ok := store.Record("Probe_busy"); return !ok })
}

func TestAniDBClassRunsOneAtATime(t *testing.T) {
	t.Parallel()

	h := newHarness()
	cfg := testConfig()
	cfg.Classes[command.ClassAniDB] = ClassConfig{Workers: 4}
	svc := New(cfg, storage.NewMemory(), h.registry(), logx.Nop(), nil)

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		if _, err := svc.Submit(context.Background(), &probeTask{h: h, Name: name, Kind: "ProbeAniDB"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	startService(t, svc)

	waitFor(t, "anidb tasks", func() bool { o, _ := h.snapshot(); return len(o) == 5 })
	if m := h.maxAniDB.Load(); m != 1 {
		t.Fatalf("max concurrent anidb tasks = %d, want 1", m)
	}
}

func TestStartRecoversInFlightRecords(t *testing.T) {
	t.Parallel()

	h := newHarness()
	store := storage.NewMemory()
	rec, err := command.NewRecord(h.task("orphan", 4), command.ClassGeneral, 0, time.Now())
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	rec.State = command.StateInFlight
	if _, err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	svc := New(testConfig(), store, h.registry(), logx.Nop(), nil)
	startService(t, svc)
	waitFor(t, "orphan run", func() bool { _, c := h.snapshot(); return c["orphan"] == 1 })
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	h := newHarness()
	svc := New(testConfig(), storage.NewMemory(), h.registry(), logx.Nop(), nil)
	svc.Pause(command.ClassGeneral)
	startService(t, svc)

	if _, err := svc.Submit(context.Background(), h.task("held", 1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, c := h.snapshot(); c["held"] != 0 {
		t.Fatalf("paused class ran a task")
	}
	svc.Resume(command.ClassGeneral)
	waitFor(t, "resumed run", func() bool { _, c := h.snapshot(); return c["held"] == 1 })
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}.withDefaults()
	cfg.RetryJitter = 0
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 5: 10 * time.Second} {
		if got := backoffDelay(cfg, attempt, nil); got != want {
			t.Fatalf("backoffDelay(%d) = %s, want %s", attempt, got, want)
		}
	}
	if got := backoffDelayWithHint(cfg, 1, time.Hour, nil); got != 10*time.Second {
		t.Fatalf("hint not capped: %s", got)
	}
}

func TestApplyTogglesClassPause(t *testing.T) {
	t.Parallel()

	h := newHarness()
	svc := New(testConfig(), storage.NewMemory(), h.registry(), logx.Nop(), nil)
	paused := func() bool {
		snap, err := svc.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		for _, cs := range snap.Classes {
			if cs.Class == command.ClassGeneral {
				return cs.Paused
			}
		}
		t.Fatalf("general class missing")
		return false
	}

	cfg := testConfig()
	cfg.Classes = map[command.Class]ClassConfig{command.ClassGeneral: {Workers: 1, Paused: true}}
	svc.Apply(cfg)
	if !paused() {
		t.Fatalf("general not paused after Apply")
	}
	cfg.Classes = map[command.Class]ClassConfig{command.ClassGeneral: {Workers: 1}}
	svc.Apply(cfg)
	if paused() {
		t.Fatalf("general still paused after second Apply")
	}
}
