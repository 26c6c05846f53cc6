package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockIsExclusivePerKey(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("video:1")
			defer unlock()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", got)
	}
	if n := r.Held(); n != 0 {
		t.Fatalf("registry retained %d entries", n)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	unlockA := r.Lock("video:1")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := r.Lock("video:2")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLockContextCanceled(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	unlock := r.Lock("video:1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.LockContext(ctx, "video:1"); err == nil {
		t.Fatal("expected context error")
	}
	unlock()
	unlock() // idempotent
	if n := r.Held(); n != 0 {
		t.Fatalf("registry retained %d entries", n)
	}
}
