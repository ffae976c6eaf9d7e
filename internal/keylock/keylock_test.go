package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLock_SerializesSameKey(t *testing.T) {
	l := New()
	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "conversation:1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", l.Len())
	}
}

func TestLock_DifferentKeysIndependent(t *testing.T) {
	l := New()
	unlockA, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock b while a held: %v", err)
	}
	unlockB()
}

func TestLock_ContextCancelled(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}

	unlock()
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}

func TestLockAll_OverlappingSetsDoNotDeadlock(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys := []string{"x", "y"}
			if i%2 == 1 {
				keys = []string{"y", "x", "y"}
			}
			unlock, err := l.LockAll(ctx, keys...)
			if err != nil {
				t.Errorf("LockAll: %v", err)
				return
			}
			unlock()
		}()
	}
	wg.Wait()
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}
