// Package ppe implements the out-of-process Portals4 Process Engine of
// SPEC_FULL.md §4.J: a long-lived server that owns the real NI/PTE/MD/CT/EQ
// state and shared-memory segment on behalf of client processes, which
// attach over a UNIX-domain control socket and exchange
// {pid, segid} -> {cookie, queueIndex, status} handshakes, then submit
// PUT/GET/ATOMIC/FETCHATOMIC/SWAP commands over that same connection for
// the progress threads to dequeue, dispatch, and deliver (spec §4.H/§9).
//
// Grounded on server/hioload.go's Config + facade-with-Start/Stop/Shutdown
// shape, generalized from its WebSocket-listener orchestration into NI +
// shared-memory-segment + progress-supervisor orchestration. Cookie
// generation uses github.com/rs/xid, grounded on the pack's common
// practice of xid for short, sortable, collision-resistant correlation
// IDs in place of the teacher's own session IDs (internal/session.go
// used a plain counter, which does not survive a restart uncorrelated).
package ppe

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/control"
	"github.com/mschoenw/portals4/internal/affinity"
	"github.com/mschoenw/portals4/internal/conn"
	"github.com/mschoenw/portals4/internal/ni"
	"github.com/mschoenw/portals4/internal/progress"
	"github.com/mschoenw/portals4/internal/wire"
	"github.com/mschoenw/portals4/pool"
	"github.com/mschoenw/portals4/transport/shmem"
	wiretransport "github.com/mschoenw/portals4/transport/wire"
)

// Config holds the PPE server's tunables (spec §6/§7 CLI flags, layered
// over an optional TOML file via control.LoadPPEFileConfig). No PORTALS4_*
// environment variable feeds it.
type Config struct {
	SocketPath    string
	ShmPath       string
	SegmentSizeMB int
	NRings        int
	RingCapacity  int
	NProgThreads  int
	NumaNode      int

	// CommandQueueCapacity bounds the shared client submission queue
	// (spec.md §6 "--nppebufs", min 1) -- distinct from NRings, which
	// sizes the shared-memory ring buffers instead.
	CommandQueueCapacity int

	// PeerAddrs maps a remote peer id to a dialable "host:port" for the
	// wire transport (spec §4.F); peers below NRings are always resolved
	// to a local shared-memory ring instead and never consult this map.
	PeerAddrs map[uint64]string
}

// DefaultConfig returns the baseline PPE configuration.
func DefaultConfig() Config {
	return Config{
		SocketPath:           "/tmp/ptlppe.sock",
		ShmPath:              "/tmp/ptlppe.shm",
		SegmentSizeMB:        64,
		NRings:               4,
		RingCapacity:         1024,
		NProgThreads:         1,
		NumaNode:             -1,
		CommandQueueCapacity: 1000,
		PeerAddrs:            map[uint64]string{},
	}
}

// HandshakeRequest is what an attaching client process sends over the
// control socket (spec §7 "process attach").
type HandshakeRequest struct {
	PID   int    `json:"pid"`
	SegID string `json:"segid"`
}

// HandshakeResponse is the PPE's reply: the cookie a client must present
// on every subsequent control-socket call, the shared-memory ring index
// assigned to it, and a human-readable status.
type HandshakeResponse struct {
	Cookie     string `json:"cookie"`
	QueueIndex int    `json:"queue_index"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// CommandRequest is one client submission-queue entry posted over the
// control connection after attach (spec §9's "client submission-queue
// dequeue"): Cookie identifies the attached session, Cmd carries the
// opcode and JSON payload internal/wire/command.go defines.
type CommandRequest struct {
	Cookie string     `json:"cookie"`
	Cmd    wire.Command `json:"cmd"`
}

// CommandResponse acknowledges a CommandRequest's enqueue outcome --
// actual op completion is reported asynchronously via the client's own
// EQ/CT polling, not over this connection.
type CommandResponse struct {
	Queued bool   `json:"queued"`
	Error  string `json:"error,omitempty"`
}

// clientSession tracks one attached client process.
type clientSession struct {
	Cookie     string
	PID        int
	SegID      string
	QueueIndex int
	NIIndex    int
}

// metricsState tracks the last-synced register values for one NI, so
// control.NIMetrics.Sync can compute a monotonic delta (spec §4.J/§8
// property 6).
type metricsState struct {
	lastDrop, lastPerm uint64
}

// PPE is the out-of-process server: one shared-memory segment, one NI per
// attached process (spec §3 "NI"), one progress-thread Supervisor wired to
// real wire/shared-memory traffic and the client submission queue (spec
// §1/§4.H), and a UNIX-domain control-socket listener for the attach
// handshake and command submission.
type PPE struct {
	cfg Config

	registry *prometheus.Registry

	listener net.Listener

	mu       sync.Mutex
	sessions map[string]*clientSession
	nextRing int

	nis          map[string]*ni.NI // keyed by cookie, for Detach
	nisByIdx     map[int]*ni.NI    // keyed by ni.Index, for frame dispatch
	metrics      map[int]*control.NIMetrics
	metricsState map[int]*metricsState

	seg            *shmem.Segment
	ringTransports []*shmem.Transport
	peerTransports map[uint64]*wiretransport.Transport

	bufPool api.BufferPool

	submission    *progress.SubmissionQueue
	dispatchTable map[wire.OpCode]Handler

	supervisor *progress.Supervisor
	connMgr    *conn.Manager

	cancel context.CancelFunc
}

// New constructs a PPE server without starting it.
func New(cfg Config) (*PPE, error) {
	if cfg.NRings <= 0 {
		cfg.NRings = 1
	}
	if cfg.CommandQueueCapacity <= 0 {
		cfg.CommandQueueCapacity = 1
	}
	if cfg.PeerAddrs == nil {
		cfg.PeerAddrs = map[uint64]string{}
	}
	p := &PPE{
		cfg:          cfg,
		sessions:     make(map[string]*clientSession),
		nis:          make(map[string]*ni.NI),
		nisByIdx:     make(map[int]*ni.NI),
		metrics:      make(map[int]*control.NIMetrics),
		metricsState: make(map[int]*metricsState),
		peerTransports: make(map[uint64]*wiretransport.Transport),
		registry:     prometheus.NewRegistry(),
	}
	p.dispatchTable = p.buildDispatchTable()
	return p, nil
}

// Start creates the shared-memory segment, the per-ring shmem transports,
// the client submission queue, the connection manager, launches the
// progress-thread Supervisor wired to all of the above, and begins
// accepting control-socket connections.
func (p *PPE) Start() error {
	seg, err := shmem.CreateSegment(p.cfg.ShmPath, p.cfg.SegmentSizeMB<<20, p.cfg.NRings, p.cfg.RingCapacity)
	if err != nil {
		return fmt.Errorf("ppe: create segment: %w", err)
	}
	p.seg = seg

	p.bufPool = pool.NewBufferPoolManager().GetPool(p.cfg.NumaNode)

	p.ringTransports = make([]*shmem.Transport, p.cfg.NRings)
	for i := range p.ringTransports {
		tr := shmem.New(seg, i, p.bufPool)
		tr.SetFrameHandler(p.makeRingFrameHandler(i, tr))
		p.ringTransports[i] = tr
	}

	p.submission = progress.NewSubmissionQueue(p.cfg.CommandQueueCapacity)

	var mgr *conn.Manager
	mgr = conn.NewManager(func(peerID uint64) error {
		if _, ok := p.transportFor(peerID); !ok {
			return fmt.Errorf("ppe: no route to peer %d", peerID)
		}
		go func() {
			mgr.Get(peerID).Submit(conn.EventRouteResolved)
			mgr.Get(peerID).Submit(conn.EventEstablished)
		}()
		return nil
	})
	p.connMgr = mgr

	_ = os.Remove(p.cfg.SocketPath)
	lis, err := net.Listen("unix", p.cfg.SocketPath)
	if err != nil {
		seg.Close()
		return fmt.Errorf("ppe: listen %s: %w", p.cfg.SocketPath, err)
	}
	p.listener = lis

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	shmemSources := make([]progress.ShmemSource, len(p.ringTransports))
	for i, tr := range p.ringTransports {
		shmemSources[i] = tr
	}
	wireSources := []progress.WireSource{&dynamicWireSource{p: p}}

	workers := make([]*progress.Worker, p.cfg.NProgThreads)
	for i := range workers {
		cpu := -1
		if i < runtime.NumCPU() {
			cpu = i
		}
		workers[i] = &progress.Worker{
			CPU:        cpu,
			WireBatch:  16,
			Wires:      wireSources,
			Submission: p.submission,
			Dispatch:   p.dispatch,
			Shmem:      shmemSources,
		}
	}
	p.supervisor = progress.NewSupervisor(ctx, workers, nil)

	go p.metricsSyncLoop(ctx)

	go p.acceptLoop()
	log.Printf("ppe: listening on %s, segment %s (%d MiB, %d rings, %d progress threads, %d command-queue capacity)",
		p.cfg.SocketPath, p.cfg.ShmPath, p.cfg.SegmentSizeMB, p.cfg.NRings, p.cfg.NProgThreads, p.cfg.CommandQueueCapacity)
	return nil
}

// dynamicWireSource fans PollCompletions out over every currently-dialed
// remote peer transport, since that set grows after Start as clients
// submit commands addressed to new peers (spec §4.H step 1).
type dynamicWireSource struct {
	p *PPE
}

func (d *dynamicWireSource) PollCompletions(max int) (int, error) {
	d.p.mu.Lock()
	trs := make([]*wiretransport.Transport, 0, len(d.p.peerTransports))
	for _, tr := range d.p.peerTransports {
		trs = append(trs, tr)
	}
	d.p.mu.Unlock()

	total := 0
	for _, tr := range trs {
		n, err := tr.PollCompletions(max)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// transportFor resolves peer to the api.Transport it should be addressed
// through: a local ring transport for co-resident NIs (peer < NRings), or
// a lazily-dialed wire transport otherwise (spec §4.F/§4.G).
func (p *PPE) transportFor(peer uint64) (api.Transport, bool) {
	if int(peer) < len(p.ringTransports) {
		return p.ringTransports[peer], true
	}
	tr, err := p.dialPeer(peer)
	if err != nil {
		log.Printf("ppe: dial peer %d: %v", peer, err)
		return nil, false
	}
	return tr, true
}

// dialPeer returns the cached wire transport for peer, dialing and
// caching a new one via cfg.PeerAddrs on first use.
func (p *PPE) dialPeer(peer uint64) (*wiretransport.Transport, error) {
	p.mu.Lock()
	if tr, ok := p.peerTransports[peer]; ok {
		p.mu.Unlock()
		return tr, nil
	}
	p.mu.Unlock()

	addr, ok := p.cfg.PeerAddrs[peer]
	if !ok {
		return nil, fmt.Errorf("no address configured for peer %d", peer)
	}

	provider := wiretransport.NewNetProvider(func(uint64) (net.Conn, error) {
		return net.Dial("tcp", addr)
	})
	tr := wiretransport.New(provider, p.bufPool)
	tr.SetFrameHandler(p.makeWireFrameHandler(tr))

	p.mu.Lock()
	if existing, ok := p.peerTransports[peer]; ok {
		p.mu.Unlock()
		tr.Close()
		return existing, nil
	}
	p.peerTransports[peer] = tr
	p.mu.Unlock()
	return tr, nil
}

// ringNI returns the NI currently attached to ring index idx, or nil.
func (p *PPE) ringNI(idx int) *ni.NI {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.QueueIndex == idx {
			return p.nisByIdx[s.NIIndex]
		}
	}
	return nil
}

// niByIndex returns the NI registered under index idx, or nil.
func (p *PPE) niByIndex(idx int) *ni.NI {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nisByIdx[idx]
}

// syncMetrics adds n's register deltas onto its Prometheus counters
// (spec §4.J/§8 property 6: the real operator-visible metric, not just
// the in-memory register).
func (p *PPE) syncMetrics(n *ni.NI) {
	p.mu.Lock()
	m := p.metrics[n.Index]
	st := p.metricsState[n.Index]
	p.mu.Unlock()
	if m == nil || st == nil {
		return
	}
	m.Sync(n.Regs.DropCount.Load(), n.Regs.PermissionsViolations.Load(), &st.lastDrop, &st.lastPerm)
}

// metricsSyncLoop periodically syncs every attached NI's registers into
// Prometheus, independent of delivery traffic, so a quiet NI's counters
// still reflect its true (unchanging) state rather than going stale.
func (p *PPE) metricsSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			nis := make([]*ni.NI, 0, len(p.nisByIdx))
			for _, n := range p.nisByIdx {
				nis = append(nis, n)
			}
			p.mu.Unlock()
			for _, n := range nis {
				p.syncMetrics(n)
			}
		}
	}
}

func (p *PPE) acceptLoop() {
	for {
		c, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.handleConn(c)
	}
}

// handleConn performs the attach handshake and then, for the lifetime of
// the connection, decodes and enqueues CommandRequests onto the shared
// submission queue -- the control-socket half of spec §9's "client
// submission-queue dequeue", without which the handshake is the only
// thing the PPE's control path ever did.
func (p *PPE) handleConn(c net.Conn) {
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	dec := json.NewDecoder(c)
	enc := json.NewEncoder(c)

	var req HandshakeRequest
	if err := dec.Decode(&req); err != nil {
		enc.Encode(HandshakeResponse{Status: "error", Error: err.Error()})
		return
	}
	c.SetReadDeadline(time.Time{})

	sess, resp := p.attach(req)
	enc.Encode(resp)
	if resp.Status != "attached" {
		return
	}
	defer p.Detach(sess.Cookie)

	for {
		var cmdReq CommandRequest
		if err := dec.Decode(&cmdReq); err != nil {
			return
		}
		if cmdReq.Cookie != sess.Cookie {
			if err := enc.Encode(CommandResponse{Error: "unknown cookie"}); err != nil {
				return
			}
			continue
		}
		ok := p.submission.Push(progress.Command{
			OpCode:  uint32(cmdReq.Cmd.Op),
			Payload: cmdReq.Cmd.Payload,
		})
		resp := CommandResponse{Queued: ok}
		if !ok {
			resp.Error = "submission queue full"
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// attach allocates a ring, an NI, and registers a metrics collector for
// req, producing the handshake response (spec §7 "process attach").
func (p *PPE) attach(req HandshakeRequest) (*clientSession, HandshakeResponse) {
	p.mu.Lock()
	idx := p.nextRing % p.cfg.NRings
	p.nextRing++
	niIndex := len(p.nis)
	p.mu.Unlock()

	n, err := ni.New(niIndex, api.OptMatching|api.OptLogical, ni.Limits{})
	if err != nil {
		return nil, HandshakeResponse{Status: "error", Error: err.Error()}
	}

	m, err := control.NewNIMetrics(p.registry, niIndex)
	if err != nil {
		return nil, HandshakeResponse{Status: "error", Error: err.Error()}
	}

	sess := &clientSession{
		Cookie:     xid.New().String(),
		PID:        req.PID,
		SegID:      req.SegID,
		QueueIndex: idx,
		NIIndex:    niIndex,
	}

	p.mu.Lock()
	p.sessions[sess.Cookie] = sess
	p.nis[sess.Cookie] = n
	p.nisByIdx[niIndex] = n
	p.metrics[niIndex] = m
	p.metricsState[niIndex] = &metricsState{}
	p.mu.Unlock()

	return sess, HandshakeResponse{Cookie: sess.Cookie, QueueIndex: sess.QueueIndex, Status: "attached"}
}

// Detach releases the NI, metrics, and session state for cookie (spec §7
// "process detach"); called when a client's control connection closes.
func (p *PPE) Detach(cookie string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[cookie]
	if !ok {
		return
	}
	if n, ok := p.nis[cookie]; ok {
		n.Fini()
		delete(p.nis, cookie)
		delete(p.nisByIdx, sess.NIIndex)
		delete(p.metrics, sess.NIIndex)
		delete(p.metricsState, sess.NIIndex)
	}
	delete(p.sessions, cookie)
}

// Registry exposes the PPE's private Prometheus registry for an operator
// to serve over /metrics.
func (p *PPE) Registry() *prometheus.Registry { return p.registry }

// Stop tears down the control listener, progress supervisor, all attached
// NIs, peer transports, and the shared-memory segment, in that order.
func (p *PPE) Stop() error {
	if p.listener != nil {
		p.listener.Close()
	}
	if p.cancel != nil {
		p.cancel()
	}
	var supErr error
	if p.supervisor != nil {
		supErr = p.supervisor.Shutdown()
	}
	p.mu.Lock()
	for cookie, n := range p.nis {
		n.Fini()
		delete(p.nis, cookie)
	}
	for peer, tr := range p.peerTransports {
		tr.Close()
		delete(p.peerTransports, peer)
	}
	p.mu.Unlock()
	if p.connMgr != nil {
		p.connMgr.CloseAll()
	}
	if p.seg != nil {
		p.seg.Remove(p.cfg.ShmPath)
	}
	_ = os.Remove(p.cfg.SocketPath)
	return supErr
}

// SessionCount reports the number of currently attached client processes.
func (p *PPE) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// PinControlThread pins the calling goroutine's OS thread to cpu, best
// effort (spec §6 CPU-affinity guidance for the control thread itself,
// distinct from the per-NI progress threads the Supervisor pins).
func PinControlThread(cpu int) error {
	return affinity.Pin(cpu)
}
