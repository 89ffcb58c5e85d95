package sched

import (
	"sync"
	"testing"
	"time"
)

func TestEventsWaitWakeup(t *testing.T) {
	var (
		ev    = NewEvents()
		obj   = new(int)
		lock  sync.Mutex
		done  bool
		wg    sync.WaitGroup
		woken = make(chan struct{}, 3)
	)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Lock()
			for !done {
				ev.Wait(obj, EvVMMDone, &lock)
			}
			lock.Unlock()
			woken <- struct{}{}
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for ev.Waiting(obj, EvVMMDone) != 3 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for waiters to block")
		}
		time.Sleep(time.Millisecond)
	}

	if got := ev.Wakeup(obj, EvThreadDied); got != 0 {
		t.Fatalf("expected no waiters for a different tag; got %d", got)
	}

	lock.Lock()
	done = true
	got := ev.Wakeup(obj, EvVMMDone)
	lock.Unlock()

	if got != 3 {
		t.Fatalf("expected 3 waiters to be woken; got %d", got)
	}

	wg.Wait()
	if len(woken) != 3 {
		t.Fatalf("expected 3 threads to resume; got %d", len(woken))
	}

	if ev.Waiting(obj, EvVMMDone) != 0 {
		t.Fatal("expected wait queue to be released")
	}
}
