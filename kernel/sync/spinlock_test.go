package sync

import (
	"runtime"
	gosync "sync"
	"testing"
)

func TestSpinlock(t *testing.T) {
	defer func(origYield func()) { yieldFn = origYield }(yieldFn)

	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         gosync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				sl.Acquire()
				counter++
				sl.Release()
			}
			wg.Done()
		}()
	}

	// let the workers spin for a bit
	for i := 0; i < 100; i++ {
		runtime.Gosched()
	}
	sl.Release()
	wg.Wait()

	if exp := numWorkers * 100; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}

	if !sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed on a free lock")
	}
	sl.Release()
}
