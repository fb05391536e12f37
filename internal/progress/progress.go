// Package progress implements the progress thread(s) of spec §4.H: each
// Worker repeats a 4-step iteration (wire completion poll, client
// submission-queue dequeue, shared-memory queue dequeue, brief yield),
// pinned to a CPU via internal/affinity, with an eapache/queue-backed
// submission queue for the PPE out-of-process variant.
//
// Grounded on internal/concurrency/eventloop.go's ring+batch+adaptive-
// backoff loop shape and internal/concurrency/executor.go's
// queue.Queue-backed task dispatch; supervised shutdown uses
// golang.org/x/sync/errgroup, grounded on joeycumines-go-utilpkg's use of
// the same package for structured goroutine-group lifecycles.
package progress

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sync/errgroup"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/affinity"
)

// WireSource polls one NI's wire completion queue in batches, dispatching
// each completion to the matching engine (receives) or initiator ACK
// handling (sends/replies). Returns the number handled.
type WireSource interface {
	PollCompletions(max int) (int, error)
}

// Command is one dequeued client-submission-queue entry (PPE only);
// Dispatch runs it via the command table keyed on op code.
type Command struct {
	OpCode  uint32
	Payload []byte
}

// ShmemSource dequeues one message from an NI-internal shared-memory
// queue (spec §4.H step 3).
type ShmemSource interface {
	// Dequeue returns ok=false when empty; handle processes the Frame via
	// the matching engine and, if the target decided to reply, hands it
	// back to the peer's transport.
	Dequeue() (handled bool, err error)
}

// SubmissionQueue is the PPE-only client command queue, an
// eapache/queue.Queue bounded at Cap entries (spec.md §6 "--nppebufs",
// command-queue depth). Multiple progress Workers may share one
// SubmissionQueue (--nprogthreads > 1), so access is mutex-guarded
// rather than assumed single-consumer.
type SubmissionQueue struct {
	mu  sync.Mutex
	q   *queue.Queue
	Cap int
}

// NewSubmissionQueue constructs an empty SubmissionQueue bounded at cap
// entries; cap <= 0 is treated as 1 (spec.md §6 "min 1").
func NewSubmissionQueue(cap int) *SubmissionQueue {
	if cap <= 0 {
		cap = 1
	}
	return &SubmissionQueue{q: queue.New(), Cap: cap}
}

// Push enqueues cmd for a Worker to dequeue, reporting false (and
// dropping cmd) if the queue is already at Cap -- the PPE has no flow
// control beyond this (spec.md §9 Non-goals).
func (s *SubmissionQueue) Push(cmd Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Length() >= s.Cap {
		return false
	}
	s.q.Add(cmd)
	return true
}

// Pop removes and returns the oldest Command, ok=false if empty.
func (s *SubmissionQueue) Pop() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Length() == 0 {
		return Command{}, false
	}
	c := s.q.Peek().(Command)
	s.q.Remove()
	return c, true
}

// Worker runs the spec §4.H iteration over one or more NIs' sources.
type Worker struct {
	CPU int // -1 to skip pinning

	Wires      []WireSource
	Submission *SubmissionQueue
	Dispatch   func(Command) // nil means submission-queue dequeue is skipped
	Shmem      []ShmemSource

	WireBatch int

	backoff time.Duration
}

const (
	minBackoff = time.Microsecond
	maxBackoff = time.Millisecond
)

// Run executes the iteration loop until ctx is canceled (spec §4.H).
func (w *Worker) Run(ctx context.Context) error {
	if w.CPU >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := affinity.Pin(w.CPU); err != nil {
			// Pinning is best-effort: a sandboxed or unprivileged
			// environment may refuse it, which must not stop progress.
			w.backoff = minBackoff
		}
	}
	if w.WireBatch <= 0 {
		w.WireBatch = 16
	}
	w.backoff = minBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		busy := false

		for _, wire := range w.Wires {
			n, err := wire.PollCompletions(w.WireBatch)
			if err != nil {
				return err
			}
			if n > 0 {
				busy = true
			}
		}

		if w.Dispatch != nil && w.Submission != nil {
			if cmd, ok := w.Submission.Pop(); ok {
				w.Dispatch(cmd)
				busy = true
			}
		}

		for _, s := range w.Shmem {
			handled, err := s.Dequeue()
			if err != nil {
				return err
			}
			if handled {
				busy = true
			}
		}

		if busy {
			w.backoff = minBackoff
			continue
		}
		w.yield()
	}
}

func (w *Worker) yield() {
	runtime.Gosched()
	time.Sleep(w.backoff)
	if w.backoff < maxBackoff {
		w.backoff *= 2
	}
}

// Supervisor runs N Workers plus a caller-supplied connection-manager
// event loop under one errgroup, so any goroutine's failure cancels the
// rest and is returned from Wait.
type Supervisor struct {
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewSupervisor starts workers and cmLoop (if non-nil) under ctx.
func NewSupervisor(ctx context.Context, workers []*Worker, cmLoop func(context.Context) error) *Supervisor {
	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)
	for _, worker := range workers {
		worker := worker
		g.Go(func() error { return worker.Run(gctx) })
	}
	if cmLoop != nil {
		g.Go(func() error { return cmLoop(gctx) })
	}
	return &Supervisor{group: g, cancel: cancel}
}

// Stop cancels every supervised goroutine and waits for them to exit.
func (s *Supervisor) Stop() error {
	s.cancel()
	err := s.group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Shutdown implements api.GracefulShutdown over Stop, so a Supervisor can
// be driven by anything that only knows about the generic contract.
func (s *Supervisor) Shutdown() error { return s.Stop() }

var _ api.GracefulShutdown = (*Supervisor)(nil)
