package usecase

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLocker_ExclusiveForSameID(t *testing.T) {
	l := newKeyLocker()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("key-1")
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("want at most 1 concurrent holder, got %d", maxActive)
	}
	if l.size() != 0 {
		t.Errorf("want lock table to be empty, got %d entries", l.size())
	}
}

func TestKeyLocker_ReadersShareLock(t *testing.T) {
	l := newKeyLocker()

	unlock1 := l.RLock("key-1")
	acquired := make(chan struct{})
	go func() {
		unlock2 := l.RLock("key-1")
		close(acquired)
		unlock2()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second reader was blocked")
	}
	unlock1()
}

func TestKeyLocker_WriterWaitsForReader(t *testing.T) {
	l := newKeyLocker()

	unlockRead := l.RLock("key-1")
	acquired := make(chan struct{})
	go func() {
		unlock := l.Lock("key-1")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired lock while reader held it")
	case <-time.After(20 * time.Millisecond):
	}

	unlockRead()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer was not released")
	}
}

func TestKeyLocker_DifferentIDsIndependent(t *testing.T) {
	l := newKeyLocker()

	unlock1 := l.Lock("key-1")
	defer unlock1()

	acquired := make(chan struct{})
	go func() {
		unlock := l.Lock("key-2")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on key-2 blocked by key-1")
	}
}
