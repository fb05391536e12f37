package eq

import (
	"testing"
	"time"

	"github.com/mschoenw/portals4/api"
)

func TestEQPushPollFIFO(t *testing.T) {
	q := New(4, NewNIWait())
	q.Push(api.Event{Type: api.EventPut, MatchBits: 1})
	q.Push(api.Event{Type: api.EventPut, MatchBits: 2})

	ev, ok := q.Poll()
	if !ok || ev.MatchBits != 1 {
		t.Fatalf("Poll() = %+v, %v; want MatchBits=1", ev, ok)
	}
	ev, ok = q.Poll()
	if !ok || ev.MatchBits != 2 {
		t.Fatalf("Poll() = %+v, %v; want MatchBits=2", ev, ok)
	}
	if _, ok := q.Poll(); ok {
		t.Fatal("Poll on empty queue returned ok=true")
	}
}

func TestEQOverflowDropsOldest(t *testing.T) {
	q := New(2, NewNIWait())
	q.Push(api.Event{MatchBits: 1})
	q.Push(api.Event{MatchBits: 2})
	q.Push(api.Event{MatchBits: 3}) // ring full: drops MatchBits=1

	if !q.OverflowOccurred() {
		t.Fatal("OverflowOccurred() = false; want true")
	}

	ev, ok := q.Poll()
	if !ok || ev.MatchBits != 2 {
		t.Fatalf("Poll() = %+v, %v; want MatchBits=2", ev, ok)
	}
	ev, ok = q.Poll()
	if !ok || ev.MatchBits != 3 || !ev.Overflow {
		t.Fatalf("Poll() = %+v, %v; want MatchBits=3, Overflow=true", ev, ok)
	}
}

func TestEQWaitUnblocksOnPush(t *testing.T) {
	q := New(4, NewNIWait())

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(api.Event{MatchBits: 42})
	}()

	ev, err := q.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ev.MatchBits != 42 {
		t.Fatalf("MatchBits = %d; want 42", ev.MatchBits)
	}
}

func TestEQWaitTimesOut(t *testing.T) {
	q := New(4, NewNIWait())
	_, err := q.Wait(30 * time.Millisecond)
	if err != api.ErrNoneReached {
		t.Fatalf("Wait timeout = %v; want ErrNoneReached", err)
	}
}
