package ct

import (
	"testing"
	"time"

	"github.com/mschoenw/portals4/api"
)

func TestCTIncrementAndWait(t *testing.T) {
	w := NewNIWait()
	c := New(w)

	done := make(chan Event, 1)
	go func() {
		ev, err := c.Wait(3)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- ev
	}()

	time.Sleep(10 * time.Millisecond)
	c.Increment(Delta{Success: 1})
	c.Increment(Delta{Success: 2})

	select {
	case ev := <-done:
		if ev.Success != 3 {
			t.Fatalf("Success = %d; want 3", ev.Success)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return in time")
	}
}

func TestCTFreeInterruptsWaiters(t *testing.T) {
	w := NewNIWait()
	c := New(w)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Wait(100)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Free()

	select {
	case err := <-errCh:
		if err != api.ErrInterrupted {
			t.Fatalf("Wait after Free = %v; want ErrInterrupted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Free")
	}
}

func TestCTSubmitFiresImmediatelyWhenThresholdAlreadyMet(t *testing.T) {
	w := NewNIWait()
	c := New(w)
	c.Increment(Delta{Success: 5})

	fired := make(chan struct{}, 1)
	c.Submit(&Record{Threshold: 3, Dispatch: func() { fired <- struct{}{} }})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("triggered op with already-met threshold did not fire")
	}
}

func TestCTSubmitFiresInThresholdOrder(t *testing.T) {
	w := NewNIWait()
	c := New(w)

	var order []int
	done := make(chan struct{})
	c.Submit(&Record{Threshold: 2, Dispatch: func() { order = append(order, 2) }})
	c.Submit(&Record{Threshold: 1, Dispatch: func() { order = append(order, 1) }})
	c.Submit(&Record{Threshold: 3, Dispatch: func() {
		order = append(order, 3)
		close(done)
	}})

	c.Increment(Delta{Success: 3})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all triggered ops fired")
	}
	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v; want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v; want %v", order, want)
		}
	}
}

func TestCTCancelTriggeredDropsPending(t *testing.T) {
	w := NewNIWait()
	c := New(w)

	fired := false
	c.Submit(&Record{Threshold: 10, Dispatch: func() { fired = true }})
	c.CancelTriggered()
	c.Increment(Delta{Success: 20})

	time.Sleep(20 * time.Millisecond)
	if fired {
		t.Fatal("canceled triggered op fired anyway")
	}
}

func TestPollReturnsFirstSatisfiedCT(t *testing.T) {
	w := NewNIWait()
	c0 := New(w)
	c1 := New(w)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c1.Increment(Delta{Success: 5})
	}()

	idx, ev, err := Poll(w, []*CT{c0, c1}, []uint64{1, 5}, time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if idx != 1 {
		t.Fatalf("idx = %d; want 1", idx)
	}
	if ev.Success != 5 {
		t.Fatalf("Success = %d; want 5", ev.Success)
	}
}

func TestPollTimesOut(t *testing.T) {
	w := NewNIWait()
	c0 := New(w)
	_, _, err := Poll(w, []*CT{c0}, []uint64{1}, 30*time.Millisecond)
	if err != api.ErrNoneReached {
		t.Fatalf("Poll timeout = %v; want ErrNoneReached", err)
	}
}
