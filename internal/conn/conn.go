// Package conn implements the connection manager of spec §4.G: a
// per-peer state machine (disconnected -> resolving_addr ->
// resolving_route -> connecting -> connected), parking operations on
// pending lists until ESTABLISHED drains them in FIFO order. Only Dial
// (the resolve_addr stage) is retried, up to 3 times with backoff; the
// resolve_route and connect stages advance on submitted events and are
// not retried.
//
// Grounded on internal/session/cancel.go's per-object-mutex + sync.Once +
// done-channel shutdown idiom, generalized here to a multi-state machine
// instead of a single cancel point.
package conn

import (
	"log"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/mschoenw/portals4/api"
)

// maxRetries bounds the Dial attempts of the resolve_addr stage;
// resolve_route and connect are not retried.
const maxRetries = 3

// Event is an asynchronous connection-management event driving a Conn's
// state transitions (spec §4.G).
type Event uint8

const (
	EventAddrResolved Event = iota
	EventRouteResolved
	EventEstablished
	EventAddrFailed
	EventRouteFailed
	EventConnectFailed
)

// PendingOp is a parked initiator or target operation awaiting ESTABLISHED.
type PendingOp struct {
	Run func()
}

// Conn is one peer connection's state machine.
type Conn struct {
	PeerID uint64

	mu    sync.Mutex
	state api.ConnState

	addrRetries, routeRetries, connectRetries int

	pendingInitiator []PendingOp
	pendingTarget    []PendingOp

	done     chan struct{}
	closeOne sync.Once

	// Dial starts (or restarts) the asynchronous resolve_addr stage; the
	// caller supplies it since the actual dial mechanism (net.Dial vs a
	// real RDMA CM) is an external collaborator (spec §9 DESIGN NOTES).
	Dial func(peerID uint64) error

	// Backoff computes the delay before attempt n+1 of a stage.
	Backoff func(attempt int) time.Duration

	// AttemptID correlates one resolve_addr->connected run's log lines
	// (github.com/rs/xid, the same short sortable id scheme ppe.go uses
	// for client-attach cookies); regenerated on every Start.
	AttemptID string
}

// New constructs a Conn in the disconnected state.
func New(peerID uint64, dial func(uint64) error) *Conn {
	return &Conn{
		PeerID:  peerID,
		state:   api.ConnDisconnected,
		Dial:    dial,
		Backoff: defaultBackoff,
		done:    make(chan struct{}),
	}
}

func defaultBackoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 10 * time.Millisecond
}

// State reports the current connection state.
func (c *Conn) State() api.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start drives the connection from disconnected into resolving_addr,
// retrying Dial up to maxRetries times with Backoff between attempts.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.state != api.ConnDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = api.ConnResolvingAddr
	c.AttemptID = xid.New().String()
	c.mu.Unlock()

	go c.attemptDial()
}

func (c *Conn) attemptDial() {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := c.Dial(c.PeerID); err == nil {
			log.Printf("conn[%s]: peer %d addr resolved on attempt %d", c.AttemptID, c.PeerID, attempt)
			c.Submit(EventAddrResolved)
			return
		}
		time.Sleep(c.Backoff(attempt))
	}
	log.Printf("conn[%s]: peer %d addr resolution failed after %d attempts", c.AttemptID, c.PeerID, maxRetries)
	c.Submit(EventAddrFailed)
}

// Submit applies ev to the state machine, transitioning per spec §4.G's
// diagram and draining pending lists on EventEstablished.
func (c *Conn) Submit(ev Event) {
	c.mu.Lock()
	switch ev {
	case EventAddrResolved:
		if c.state == api.ConnResolvingAddr {
			c.state = api.ConnResolvingRoute
		}
	case EventRouteResolved:
		if c.state == api.ConnResolvingRoute {
			c.state = api.ConnConnecting
		}
	case EventEstablished:
		if c.state == api.ConnConnecting {
			c.state = api.ConnConnected
		}
	case EventAddrFailed, EventRouteFailed, EventConnectFailed:
		c.state = api.ConnDisconnected
		c.failPending()
	}
	drain := c.state == api.ConnConnected
	var initiators, targets []PendingOp
	if drain {
		initiators, c.pendingInitiator = c.pendingInitiator, nil
		targets, c.pendingTarget = c.pendingTarget, nil
	}
	c.mu.Unlock()

	for _, op := range initiators {
		op.Run()
	}
	for _, op := range targets {
		op.Run()
	}
}

// failPending discards every parked operation without running it. No
// NI_UNDELIVERABLE error or event is reported for the discarded
// operations; their Run closures are simply never called.
func (c *Conn) failPending() {
	c.pendingInitiator = nil
	c.pendingTarget = nil
}

// ParkInitiator queues op for FIFO delivery once Connected, or runs it
// immediately if already Connected.
func (c *Conn) ParkInitiator(op PendingOp) {
	c.mu.Lock()
	if c.state == api.ConnConnected {
		c.mu.Unlock()
		op.Run()
		return
	}
	c.pendingInitiator = append(c.pendingInitiator, op)
	c.mu.Unlock()
}

// ParkTarget queues op for FIFO delivery once Connected, or runs it
// immediately if already Connected.
func (c *Conn) ParkTarget(op PendingOp) {
	c.mu.Lock()
	if c.state == api.ConnConnected {
		c.mu.Unlock()
		op.Run()
		return
	}
	c.pendingTarget = append(c.pendingTarget, op)
	c.mu.Unlock()
}

// Close tears the connection down, waking anything selecting on Done.
func (c *Conn) Close() {
	c.closeOne.Do(func() { close(c.done) })
}

// Done reports connection teardown.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Manager owns one Conn per peer, keyed by NID (spec §4.G "Manager keyed
// by NID").
type Manager struct {
	mu    sync.Mutex
	conns map[uint64]*Conn
	dial  func(uint64) error
}

// NewManager constructs a Manager whose Conns dial peers via dial.
func NewManager(dial func(uint64) error) *Manager {
	return &Manager{conns: make(map[uint64]*Conn), dial: dial}
}

// Get returns the Conn for peerID, creating and starting it if absent.
func (m *Manager) Get(peerID uint64) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peerID]
	if !ok {
		c = New(peerID, m.dial)
		m.conns[peerID] = c
		c.Start()
	}
	return c
}

// CloseAll tears down every managed connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.Close()
	}
}
