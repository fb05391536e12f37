package pool

import (
	"testing"

	"github.com/mschoenw/portals4/api"
)

func TestPoolAllocFreeGeneration(t *testing.T) {
	p := New[int](api.KindCT, 0, 2)

	h1, err := p.Alloc(func() int { return 42 })
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	v, err := p.Get(h1)
	if err != nil || v != 42 {
		t.Fatalf("Get(h1) = %d, %v; want 42, nil", v, err)
	}

	if err := p.Free(h1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := p.Get(h1); err != api.ErrArgInvalid {
		t.Fatalf("Get after Free = %v; want ErrArgInvalid", err)
	}

	h2, err := p.Alloc(func() int { return 7 })
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if h2.Slot() != h1.Slot() {
		t.Fatalf("expected slot reuse, got slot %d vs %d", h2.Slot(), h1.Slot())
	}
	if h2.Generation() == h1.Generation() {
		t.Fatalf("expected bumped generation, both are %d", h1.Generation())
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := New[int](api.KindMD, 0, 1)
	if _, err := p.Alloc(func() int { return 1 }); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, err := p.Alloc(func() int { return 2 }); err != api.ErrNoSpace {
		t.Fatalf("second Alloc = %v; want ErrNoSpace", err)
	}
}

func TestPoolKindMismatch(t *testing.T) {
	p := New[int](api.KindCT, 0, 1)
	h, _ := p.Alloc(func() int { return 1 })

	other := New[int](api.KindEQ, 0, 1)
	_, err := other.Alloc(func() int { return 1 })
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := other.Get(h); err != api.ErrArgInvalid {
		t.Fatalf("Get wrong-kind handle = %v; want ErrArgInvalid", err)
	}
}
