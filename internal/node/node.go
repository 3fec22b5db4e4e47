// ============================================================================
// Flowtree Node - Peer in the Job Network
// ============================================================================
//
// Package: internal/node
// File: node.go
// Function: Bounded peer list, bounded job queue and the execution workers
//
// How it works:
//   A node owns up to maxPeers connections and a job channel of capacity
//   maxJobs drained by maxJobs worker goroutines. Tasks (factories) live in
//   an unbounded local list; a drain loop fabricates jobs from them each
//   tick, scaled by factory priority. When the local queue is saturated and
//   peers exist, fabricated and inbound jobs are relayed to a random peer
//   instead of being dropped.
//
// Concurrency:
//   - One mutex guards all structural peer-list mutations (open, close,
//     iteration for behaviors). No lock is shared across nodes.
//   - The job channel bounds execution; submission past the bound returns
//     ErrCapacityExceeded instead of blocking the caller.
//   - Each job's Completion is the only synchronization primitive exposed
//     to callers. The worker resolves it exactly once, panics included.
//
// Events:
//   The runner emits STARTED immediately before Run and exactly one
//   terminal event after the future resolves, in that order, once per job.
//
// ============================================================================

package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowtree/flowtree/internal/metrics"
	"github.com/flowtree/flowtree/internal/msg"
	"github.com/flowtree/flowtree/pkg/job"
)

// ErrCapacityExceeded reports that a peer or job-queue ceiling was hit. The
// operation leaves state unchanged.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ErrStopped reports an operation on a node that has been stopped.
var ErrStopped = errors.New("node is stopped")

// errDuplicatePeer is returned internally when a connection would duplicate
// an existing remote identity.
var errDuplicatePeer = errors.New("duplicate peer identity")

// DefaultDrainInterval paces the factory drain loop when the caller does not
// configure one.
const DefaultDrainInterval = 5 * time.Second

// Config carries a node's identity, limits and collaborators.
type Config struct {
	ID         int
	MaxPeers   int
	MaxJobs    int
	ListenAddr string

	ConnectTimeout time.Duration
	DrainInterval  time.Duration

	Registry   *job.Registry
	Dispatcher *job.Dispatcher
	Metrics    *metrics.Collector

	// Rand is this node's private random source; never shared across nodes.
	Rand *rand.Rand
}

// Node is one peer in the network.
type Node struct {
	cfg Config

	peersMu sync.Mutex
	peers   []*msg.Connection

	jobCh chan job.Job

	tasksMu sync.Mutex
	tasks   []job.Factory

	killedMu sync.Mutex
	killed   map[string]bool

	randMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu sync.Mutex
	started bool
	stopped bool
}

// New creates a node. Start must be called before it executes anything.
func New(cfg Config) *Node {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 1
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = msg.DefaultHandshakeTimeout
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = &job.Dispatcher{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:    cfg,
		jobCh:  make(chan job.Job, cfg.MaxJobs),
		killed: make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the node's index within its group.
func (n *Node) ID() int { return n.cfg.ID }

// Hello describes this node for the connection handshake.
func (n *Node) Hello() msg.Hello {
	return msg.Hello{
		NodeID:     n.cfg.ID,
		MaxPeers:   n.cfg.MaxPeers,
		MaxJobs:    n.cfg.MaxJobs,
		ListenAddr: n.cfg.ListenAddr,
		Target:     msg.AnyNode,
	}
}

// Start launches the execution workers and the factory drain loop.
func (n *Node) Start() {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.started || n.stopped {
		return
	}
	n.started = true

	for i := 0; i < n.cfg.MaxJobs; i++ {
		n.wg.Add(1)
		go n.workerLoop()
	}
	n.wg.Add(1)
	go n.drainLoop()
}

// Stop closes all peer connections and waits for workers to finish their
// current job. In-flight jobs resolve their futures locally and jobs still
// queued resolve as cancelled, so no waiter is ever left blocked; no new
// work is accepted afterwards.
func (n *Node) Stop() {
	n.stateMu.Lock()
	if n.stopped {
		n.stateMu.Unlock()
		return
	}
	n.stopped = true
	n.stateMu.Unlock()

	n.cancel()

	n.peersMu.Lock()
	peers := n.peers
	n.peers = nil
	n.peersMu.Unlock()
	for _, c := range peers {
		c.Close()
	}

	n.wg.Wait()

	// Workers are gone; whatever they left in the channel will never run.
	for {
		select {
		case j := <-n.jobCh:
			n.resolveAbandoned(j)
		default:
			return
		}
	}
}

// resolveAbandoned cancels a job that will never reach a worker and emits
// its terminal event, keeping the resolve-exactly-once contract for jobs
// shed during shutdown.
func (n *Node) resolveAbandoned(j job.Job) {
	if j.Completion().Cancel() {
		n.cfg.Metrics.RecordCancelled()
	}
	n.dispatch(j, job.TerminalEvent(uuid.NewString(), workstreamOf(j), describe(j), j.Completion()))
}

// ============================================================================
// Peer Management
// ============================================================================

// Peers returns a snapshot of the current connections.
func (n *Node) Peers() []*msg.Connection {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	out := make([]*msg.Connection, len(n.peers))
	copy(out, n.peers)
	return out
}

// PeerCount returns the current number of connections.
func (n *Node) PeerCount() int {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	return len(n.peers)
}

// Open attempts a new outbound connection to addr. It returns false without
// touching state when the node is already at capacity, when the remote is a
// duplicate of an existing peer, or when the dial fails; capacity and dial
// failures also carry the typed error.
func (n *Node) Open(ctx context.Context, addr string) (bool, error) {
	n.peersMu.Lock()
	full := len(n.peers) >= n.cfg.MaxPeers
	n.peersMu.Unlock()
	if full {
		return false, ErrCapacityExceeded
	}

	conn, err := msg.Dial(ctx, addr, n.Hello(), n.cfg.ConnectTimeout)
	if err != nil {
		return false, err
	}

	if err := n.addPeer(conn); err != nil {
		conn.Close()
		if errors.Is(err, errDuplicatePeer) {
			log.Printf("Node %d: already connected to %s", n.cfg.ID, conn.Remote().Identity())
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ClosePeer removes and closes the connection at index i. Out-of-range
// indices are a no-op; closing an already-removed connection is safe.
func (n *Node) ClosePeer(i int) {
	n.peersMu.Lock()
	if i < 0 || i >= len(n.peers) {
		n.peersMu.Unlock()
		return
	}
	conn := n.peers[i]
	n.peers = append(n.peers[:i], n.peers[i+1:]...)
	n.updatePeerGauge()
	n.peersMu.Unlock()

	conn.Close()
}

// CloseConnection removes c from the peer list before closing it, so the
// freed slot is visible to the caller immediately rather than after c's
// reader notices the shutdown. Unknown connections are just closed.
func (n *Node) CloseConnection(c *msg.Connection) {
	n.removePeer(c)
	c.Close()
}

// AcceptConn completes an inbound handshake on sock. At peer capacity the
// handshake is refused with an explicit frame so the initiator fails fast.
func (n *Node) AcceptConn(sock net.Conn, remote msg.Hello) bool {
	n.peersMu.Lock()
	full := len(n.peers) >= n.cfg.MaxPeers
	dup := n.hasIdentityLocked(remote.Identity())
	n.peersMu.Unlock()

	if full {
		n.cfg.Metrics.RecordConnectRefused()
		msg.Refuse(sock, "peer capacity reached")
		return false
	}
	if dup {
		n.cfg.Metrics.RecordConnectRefused()
		msg.Refuse(sock, "duplicate peer")
		return false
	}

	conn, err := msg.Confirm(sock, n.Hello(), remote)
	if err != nil {
		log.Printf("Node %d: accept from %s failed: %v", n.cfg.ID, remote.Identity(), err)
		return false
	}
	if err := n.addPeer(conn); err != nil {
		conn.Close()
		return false
	}
	return true
}

func (n *Node) addPeer(c *msg.Connection) error {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	if len(n.peers) >= n.cfg.MaxPeers {
		return ErrCapacityExceeded
	}
	if n.hasIdentityLocked(c.Remote().Identity()) {
		return errDuplicatePeer
	}

	n.peers = append(n.peers, c)
	n.updatePeerGauge()
	c.Start(n)
	return nil
}

func (n *Node) hasIdentityLocked(identity string) bool {
	for _, p := range n.peers {
		if p.Remote().Identity() == identity {
			return true
		}
	}
	return false
}

func (n *Node) removePeer(c *msg.Connection) {
	n.peersMu.Lock()
	for i, p := range n.peers {
		if p == c {
			n.peers = append(n.peers[:i], n.peers[i+1:]...)
			break
		}
	}
	n.updatePeerGauge()
	n.peersMu.Unlock()
}

// updatePeerGauge must be called with peersMu held.
func (n *Node) updatePeerGauge() {
	n.cfg.Metrics.SetPeersConnected(n.cfg.ID, len(n.peers))
}

func (n *Node) randomPeer(exclude *msg.Connection) *msg.Connection {
	n.peersMu.Lock()
	candidates := make([]*msg.Connection, 0, len(n.peers))
	for _, p := range n.peers {
		if p != exclude && !p.Closed() {
			candidates = append(candidates, p)
		}
	}
	n.peersMu.Unlock()

	if len(candidates) == 0 {
		return nil
	}
	n.randMu.Lock()
	idx := n.cfg.Rand.Intn(len(candidates))
	n.randMu.Unlock()
	return candidates[idx]
}

// ============================================================================
// Job Submission
// ============================================================================

// AddJob enqueues a job for local execution. A full queue returns
// ErrCapacityExceeded rather than blocking. The check and the send happen
// under stateMu so a job can never slip into the queue after Stop has
// flushed it.
func (n *Node) AddJob(j job.Job) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	select {
	case n.jobCh <- j:
		n.cfg.Metrics.SetJobsPending(n.cfg.ID, len(n.jobCh))
		return nil
	default:
		return ErrCapacityExceeded
	}
}

// AddTask registers a factory with this node's local task list. The drain
// loop fabricates its jobs over subsequent ticks.
func (n *Node) AddTask(f job.Factory) error {
	if n.isStopped() {
		return ErrStopped
	}
	n.tasksMu.Lock()
	n.tasks = append(n.tasks, f)
	n.tasksMu.Unlock()
	return nil
}

// TaskCount returns the number of factories currently held.
func (n *Node) TaskCount() int {
	n.tasksMu.Lock()
	defer n.tasksMu.Unlock()
	return len(n.tasks)
}

// PendingJobs returns the number of queued jobs not yet picked up.
func (n *Node) PendingJobs() int { return len(n.jobCh) }

// QueueFill reports the job queue fill ratio in [0.0, 1.0].
func (n *Node) QueueFill() float64 {
	return float64(len(n.jobCh)) / float64(cap(n.jobCh))
}

// Kill drops the task's factories and marks it so queued jobs resolve as
// cancelled instead of running.
func (n *Node) Kill(taskID string) {
	n.killedMu.Lock()
	n.killed[taskID] = true
	n.killedMu.Unlock()

	n.tasksMu.Lock()
	kept := n.tasks[:0]
	for _, f := range n.tasks {
		if f.TaskID() != taskID {
			kept = append(kept, f)
		}
	}
	n.tasks = kept
	n.tasksMu.Unlock()
}

func (n *Node) isKilled(taskID string) bool {
	n.killedMu.Lock()
	defer n.killedMu.Unlock()
	return n.killed[taskID]
}

func (n *Node) isStopped() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.stopped
}

// ============================================================================
// Inbound Frame Handling (msg.Handler)
// ============================================================================

// HandleJob decodes an inbound job token and enqueues it. Decode failures
// are reported locally and the connection stays open. Under queue pressure
// the encoded job is relayed to another peer; with no peer available the
// enqueue blocks off the reader goroutine so nothing is silently dropped.
func (n *Node) HandleJob(c *msg.Connection, data string) {
	j, err := n.cfg.Registry.DecodeJob(data)
	if err != nil {
		n.cfg.Metrics.RecordDecodeError()
		log.Printf("Node %d: dropping inbound job from %s: %v", n.cfg.ID, c.Remote().Identity(), err)
		return
	}

	if err := n.AddJob(j); err == nil {
		return
	} else if errors.Is(err, ErrStopped) {
		n.resolveAbandoned(j)
		return
	}

	if peer := n.randomPeer(c); peer != nil {
		if err := peer.SendJob(data); err == nil {
			n.cfg.Metrics.RecordRelayed()
			return
		}
	}

	// No relay target; park the enqueue off the reader goroutine. The Add
	// is serialized with Stop through stateMu so it can never race a Wait
	// that already saw the counter at zero.
	n.stateMu.Lock()
	if n.stopped {
		n.stateMu.Unlock()
		n.resolveAbandoned(j)
		return
	}
	n.wg.Add(1)
	n.stateMu.Unlock()
	go func() {
		defer n.wg.Done()
		select {
		case n.jobCh <- j:
			n.cfg.Metrics.SetJobsPending(n.cfg.ID, len(n.jobCh))
		case <-n.ctx.Done():
			n.resolveAbandoned(j)
		}
	}()
}

// HandleTask decodes an inbound factory token and adds it to the task list.
func (n *Node) HandleTask(c *msg.Connection, data string) {
	f, err := n.cfg.Registry.DecodeFactory(data)
	if err != nil {
		n.cfg.Metrics.RecordDecodeError()
		log.Printf("Node %d: dropping inbound task from %s: %v", n.cfg.ID, c.Remote().Identity(), err)
		return
	}
	if err := n.AddTask(f); err != nil {
		log.Printf("Node %d: rejecting inbound task %s: %v", n.cfg.ID, f.TaskID(), err)
	}
}

// HandleKill drops the task locally, then forwards the signal to other
// peers while the relay budget lasts.
func (n *Node) HandleKill(c *msg.Connection, taskID string, relay int) {
	n.Kill(taskID)
	if relay <= 0 {
		return
	}
	for _, p := range n.Peers() {
		if p == c {
			continue
		}
		if err := p.SendKill(taskID, relay-1); err != nil {
			log.Printf("Node %d: kill relay to %s failed: %v", n.cfg.ID, p.Remote().Identity(), err)
		}
	}
}

// PeerAddrs answers a peers query with the advertised listen addresses of
// this node's other peers.
func (n *Node) PeerAddrs(c *msg.Connection) []string {
	var addrs []string
	for _, p := range n.Peers() {
		if p == c {
			continue
		}
		if addr := p.Remote().ListenAddr; addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// ConnectionClosed compacts the peer list when a connection's reader ends.
func (n *Node) ConnectionClosed(c *msg.Connection) {
	n.removePeer(c)
}

// ============================================================================
// Execution
// ============================================================================

func (n *Node) workerLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.jobCh:
			n.cfg.Metrics.SetJobsPending(n.cfg.ID, len(n.jobCh))
			n.runJob(j)
		}
	}
}

// runJob executes one job, resolving its future exactly once and emitting
// STARTED followed by exactly one terminal event.
func (n *Node) runJob(j job.Job) {
	jobID := uuid.NewString()
	workstream := workstreamOf(j)
	desc := describe(j)

	started := job.StartedEvent(jobID, workstream, desc)
	n.dispatch(j, started)

	if n.isKilled(j.TaskID()) {
		j.Completion().Cancel()
		n.cfg.Metrics.RecordCancelled()
		n.dispatch(j, job.TerminalEvent(jobID, workstream, desc, j.Completion()))
		return
	}

	n.cfg.Metrics.RecordStarted()
	begin := time.Now()

	err := n.safeRun(j)

	switch {
	case err == nil:
		j.Completion().Complete()
	case errors.Is(err, context.Canceled) || errors.Is(err, job.ErrCancelled):
		j.Completion().Cancel()
	default:
		j.Completion().Fail(&job.ExecutionFailure{TaskID: j.TaskID(), Cause: err})
	}

	duration := time.Since(begin).Seconds()
	switch j.Completion().State() {
	case job.StateCompleted:
		n.cfg.Metrics.RecordCompleted(duration)
	case job.StateFailed:
		n.cfg.Metrics.RecordFailed(duration)
		log.Printf("Node %d: job %s of task %s failed: %v", n.cfg.ID, jobID, j.TaskID(), j.Completion().Err())
	case job.StateCancelled:
		n.cfg.Metrics.RecordCancelled()
	}

	n.dispatch(j, job.TerminalEvent(jobID, workstream, desc, j.Completion()))
}

// safeRun calls Run with panic isolation so a panicking job can never take
// down the worker or leave its future unresolved.
func (n *Node) safeRun(j job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return j.Run(n.ctx)
}

func (n *Node) dispatch(j job.Job, ev job.CompletionEvent) {
	if ctx, ok := j.(job.EventContext); ok {
		ev = ctx.Annotate(ev)
	}
	n.cfg.Dispatcher.Dispatch(ev)
}

// workstreamOf pulls the workstream tag from a job's property bag, falling
// back to the task id so events always carry a routing key.
func workstreamOf(j job.Job) string {
	if g, ok := j.(interface{ Get(key string) string }); ok {
		if ws := g.Get("workstream"); ws != "" {
			return ws
		}
	}
	return j.TaskID()
}

func describe(j job.Job) string {
	if s, ok := j.(fmt.Stringer); ok {
		return s.String()
	}
	return j.TaskID()
}

// ============================================================================
// Factory Drain Loop
// ============================================================================

func (n *Node) drainLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.DrainOnce()
		}
	}
}

// DrainOnce fabricates one batch of jobs from each held factory, scaled by
// factory priority. Completed factories are removed; a nil NextJob leaves
// the factory in place for the next tick. Exported so tests and behaviors
// can pump the loop without waiting for the ticker.
func (n *Node) DrainOnce() {
	n.tasksMu.Lock()
	snapshot := make([]job.Factory, len(n.tasks))
	copy(snapshot, n.tasks)
	n.tasksMu.Unlock()

	for _, f := range snapshot {
		n.drainFactory(f)
	}

	n.tasksMu.Lock()
	kept := n.tasks[:0]
	for _, f := range n.tasks {
		if !f.IsComplete() && !n.isKilled(f.TaskID()) {
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(n.tasks); i++ {
		n.tasks[i] = nil
	}
	n.tasks = kept
	n.tasksMu.Unlock()
}

func (n *Node) drainFactory(f job.Factory) {
	if n.isKilled(f.TaskID()) {
		return
	}

	batch := int(f.Priority())
	if batch < 1 {
		batch = 1
	}

	for i := 0; i < batch; i++ {
		if f.IsComplete() {
			return
		}

		// Under pressure, fabricate only when a relay target exists.
		saturated := len(n.jobCh) == cap(n.jobCh)
		var relayTo *msg.Connection
		if saturated {
			relayTo = n.randomPeer(nil)
			if relayTo == nil {
				return
			}
		}

		j := f.NextJob()
		if j == nil {
			return
		}

		if relayTo != nil {
			if err := relayTo.SendJob(j.Encode()); err != nil {
				log.Printf("Node %d: relay of task %s to %s failed: %v",
					n.cfg.ID, f.TaskID(), relayTo.Remote().Identity(), err)
				// Fall back to a blocking local enqueue so the fabricated
				// job is never lost.
				select {
				case n.jobCh <- j:
				case <-n.ctx.Done():
					n.resolveAbandoned(j)
				}
				return
			}
			n.cfg.Metrics.RecordRelayed()
			continue
		}

		if err := n.AddJob(j); err != nil {
			select {
			case n.jobCh <- j:
			case <-n.ctx.Done():
				n.resolveAbandoned(j)
			}
			return
		}
	}
}

func (n *Node) String() string {
	return fmt.Sprintf("node %d (%d/%d peers, %d/%d jobs)",
		n.cfg.ID, n.PeerCount(), n.cfg.MaxPeers, len(n.jobCh), cap(n.jobCh))
}
