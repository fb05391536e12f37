package pool

import (
	"sync"
	"testing"
)

func TestRingRoundsCapacityToPowerOfTwo(t *testing.T) {
	r := NewRing[int](5)
	if r.Cap() != 8 {
		t.Fatalf("Cap() = %d; want 8", r.Cap())
	}
}

func TestRingEnqueueDequeueOrder(t *testing.T) {
	r := NewRing[int](4)
	for i := 0; i < 4; i++ {
		if !r.Enqueue(i) {
			t.Fatalf("Enqueue(%d) failed", i)
		}
	}
	if r.Enqueue(99) {
		t.Fatalf("Enqueue on full ring should fail")
	}
	for i := 0; i < 4; i++ {
		v, ok := r.Dequeue()
		if !ok || v != i {
			t.Fatalf("Dequeue() = %d, %v; want %d, true", v, ok, i)
		}
	}
	if _, ok := r.Dequeue(); ok {
		t.Fatalf("Dequeue on empty ring should fail")
	}
}

func TestRingConcurrentProducersConsumers(t *testing.T) {
	r := NewRing[int](1024)
	const n = 4000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !r.Enqueue(i) {
			}
		}
	}()

	got := 0
	go func() {
		defer wg.Done()
		for got < n {
			if _, ok := r.Dequeue(); ok {
				got++
			}
		}
	}()

	wg.Wait()
	if got != n {
		t.Fatalf("consumed %d items; want %d", got, n)
	}
}
