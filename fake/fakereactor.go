// Package fake
//
// Fake progress.WireSource / progress.ShmemSource: queue-backed stand-ins
// for a Worker's completion sources, so internal/progress's iteration
// loop can be exercised without a real wire connection or shared-memory
// ring.
//
// Grounded on fake/fakereactor.go's trivial Run/Register stub shape,
// generalized from the teacher's Reactor interface (superseded in this
// domain by internal/progress.Worker) onto progress.WireSource and
// progress.ShmemSource.
package fake

import "sync"

// WireSource is a fake progress.WireSource: PollCompletions drains up to
// max queued completions pushed by test code via Push.
type WireSource struct {
	mu      sync.Mutex
	pending int
	err     error
}

// Push enqueues n completions for the next PollCompletions call(s).
func (w *WireSource) Push(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending += n
}

// SetError makes every subsequent PollCompletions call fail with err.
func (w *WireSource) SetError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

// PollCompletions implements progress.WireSource.
func (w *WireSource) PollCompletions(max int) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	n := w.pending
	if n > max {
		n = max
	}
	w.pending -= n
	return n, nil
}

// ShmemSource is a fake progress.ShmemSource: Dequeue reports handled=true
// once per item in an in-memory queue pushed by test code via Push.
type ShmemSource struct {
	mu      sync.Mutex
	pending int
	err     error
}

// Push enqueues n messages for future Dequeue calls.
func (s *ShmemSource) Push(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending += n
}

// SetError makes every subsequent Dequeue call fail with err.
func (s *ShmemSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Dequeue implements progress.ShmemSource.
func (s *ShmemSource) Dequeue() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.pending == 0 {
		return false, nil
	}
	s.pending--
	return true, nil
}
