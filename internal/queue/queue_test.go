package queue

import (
	"sync"
	"testing"
)

func TestTryPushRejectsWhenFull(t *testing.T) {
	q := New[int](3)
	for i := range 3 {
		if !q.TryPush(i) {
			t.Fatalf("push %d rejected", i)
		}
	}
	if q.TryPush(99) {
		t.Fatal("push into full queue accepted")
	}
	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3", q.Len())
	}
}

func TestDrainPreservesOrder(t *testing.T) {
	q := New[int](10)
	for i := range 5 {
		q.TryPush(i)
	}

	got := q.Drain(nil, 0)
	if len(got) != 5 {
		t.Fatalf("drained %d values, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("got[%d] = %d, want %d", i, v, i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len after drain = %d, want 0", q.Len())
	}
}

func TestDrainMax(t *testing.T) {
	q := New[string](10)
	q.TryPush("a")
	q.TryPush("b")
	q.TryPush("c")

	got := q.Drain(nil, 2)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Drain(2) = %v", got)
	}
	if rest := q.Drain(nil, 0); len(rest) != 1 || rest[0] != "c" {
		t.Fatalf("remaining = %v", rest)
	}
}

func TestSelectWake(t *testing.T) {
	q := New[int](4)
	q.TryPush(7)
	q.TryPush(8)

	first := <-q.C()
	rest := q.Drain([]int{first}, 0)
	if len(rest) != 2 || rest[0] != 7 || rest[1] != 8 {
		t.Fatalf("got %v", rest)
	}
}

func TestDefaultCapacity(t *testing.T) {
	if c := New[int](0).Cap(); c != DefaultCapacity {
		t.Errorf("Cap = %d, want %d", c, DefaultCapacity)
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := New[int](1000)
	var wg sync.WaitGroup
	for p := range 10 {
		wg.Go(func() {
			for i := range 100 {
				q.TryPush(p*100 + i)
			}
		})
	}
	wg.Wait()
	if q.Len() != 1000 {
		t.Errorf("Len = %d, want 1000", q.Len())
	}
	if q.TryPush(1) {
		t.Error("queue should be full")
	}
}
