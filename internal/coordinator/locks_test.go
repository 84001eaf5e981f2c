package coordinator

import (
	"sync"
	"testing"
)

func TestLockTableTryAcquire(t *testing.T) {
	lt := newLockTable()
	l := lt.acquire("a")
	if lt.tryAcquire("a") != nil {
		t.Fatal("expected busy lock")
	}
	other := lt.tryAcquire("b")
	if other == nil {
		t.Fatal("expected free lock for a different id")
	}
	other.Release()
	l.Release()
	l.Release()
	again := lt.tryAcquire("a")
	if again == nil {
		t.Fatal("expected lock to be free after release")
	}
	again.Release()
}

func TestLockTableSharesHandleOnFirstTouch(t *testing.T) {
	lt := newLockTable()
	const n = 16
	handles := make([]*lockHandle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = lt.ref("x")
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatal("concurrent first touches created distinct handles")
		}
	}
	if lt.len() != 1 {
		t.Fatalf("expected one handle, got %d", lt.len())
	}
}

func TestLockTableDropWaitsForRelease(t *testing.T) {
	lt := newLockTable()
	l := lt.acquire("a")
	lt.drop("a")
	if lt.len() != 1 {
		t.Fatal("held handle must survive drop")
	}
	l.Release()
	if lt.len() != 0 {
		t.Fatalf("expected handle deleted after release, got %d", lt.len())
	}
	lt.drop("missing")
	idle := lt.acquire("b")
	idle.Release()
	lt.drop("b")
	if lt.len() != 0 {
		t.Fatalf("expected idle handle deleted, got %d", lt.len())
	}
}
