// ============================================================================
// Flowtree Server - Process Entry Point of the Job Network
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: One listening socket, one node group, job submission and peer
//           management for a single process
//
// Lifecycle:
//   STOPPED -> STARTED -> STOPPED. Start binds the listening socket and
//   begins accepting; it never eagerly dials seed servers (that is a
//   behavior's job, run on a schedule after start). Stop is terminal: the
//   listener and all connections close, in-flight jobs resolve locally, and
//   no new work is accepted. Both transitions are idempotent.
//
// Inbound routing:
//   Every node of the group shares this server's socket. An accepted
//   connection's handshake names a target node (or AnyNode); the group
//   routes it, and the chosen node confirms or refuses.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flowtree/flowtree/internal/config"
	"github.com/flowtree/flowtree/internal/metrics"
	"github.com/flowtree/flowtree/internal/msg"
	"github.com/flowtree/flowtree/internal/node"
	"github.com/flowtree/flowtree/pkg/job"
	"github.com/flowtree/flowtree/pkg/jobs"
)

// ErrNotStarted reports an operation that needs a running server.
var ErrNotStarted = errors.New("server not started")

// ErrStopped reports an operation on a server that has been stopped.
var ErrStopped = errors.New("server stopped")

// Server owns one node group, one listening socket and the registry of
// known remote servers used as initial peer candidates.
type Server struct {
	props      config.Properties
	registry   *job.Registry
	dispatcher *job.Dispatcher
	collector  *metrics.Collector

	seeds []string

	// rnd is scoped to this server's lifetime; nothing here touches a
	// process-global random source.
	randMu sync.Mutex
	rnd    *rand.Rand

	mu         sync.Mutex
	started    bool
	stopped    bool
	ln         net.Listener
	advertised string
	group      *node.Group
	metricsSrv *http.Server

	wg sync.WaitGroup
}

// New creates a server from construction properties. Jobs decode through
// the default type registry unless WithRegistry overrides it.
func New(props config.Properties) *Server {
	if props == nil {
		props = config.New()
	}
	return &Server{
		props:      props,
		registry:   jobs.DefaultRegistry(),
		dispatcher: &job.Dispatcher{},
		collector:  metrics.NewCollector(),
		seeds:      props.SeedServers(),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRegistry replaces the job type registry. Must be called before Start.
func (s *Server) WithRegistry(r *job.Registry) *Server {
	s.registry = r
	return s
}

// WithSeed fixes the server's random source, for deterministic tests.
func (s *Server) WithSeed(seed int64) *Server {
	s.rnd = rand.New(rand.NewSource(seed))
	return s
}

// RegisterListener subscribes a completion listener to every node's job
// events. Safe to call before or after Start.
func (s *Server) RegisterListener(l job.CompletionListener) {
	s.dispatcher.Register(l)
}

// Metrics exposes this server's collector.
func (s *Server) Metrics() *metrics.Collector { return s.collector }

// Seeds returns the configured remote server addresses.
func (s *Server) Seeds() []string {
	out := make([]string, len(s.seeds))
	copy(out, s.seeds)
	return out
}

// Intn draws from the server's private random source.
func (s *Server) Intn(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rnd.Intn(n)
}

// Start binds the listening socket and begins accepting connections. It is
// a no-op on an already-started server; a stopped server cannot restart.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	port := s.props.GetInt(config.KeyServerPort, config.DefaultPort)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", port, err)
	}
	s.ln = ln

	advertised := advertisedAddr(ln.Addr(), port)
	s.advertised = advertised
	s.randMu.Lock()
	seed := s.rnd.Int63()
	s.randMu.Unlock()
	s.group = node.NewGroup(s.props, advertised, s.registry, s.dispatcher, s.collector, seed)
	s.group.Start()

	s.started = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	if s.props.GetBool(config.KeyMetricsEnabled, false) {
		s.startMetricsServer()
	}

	log.Printf("Server: listening on %s with %d nodes", advertised, s.group.Size())
	return nil
}

// Stop tears down the listening socket and all connections. Terminal and
// idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	ln := s.ln
	group := s.group
	metricsSrv := s.metricsSrv
	s.mu.Unlock()

	if !started {
		return
	}

	if ln != nil {
		ln.Close()
	}
	if group != nil {
		group.Stop()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		metricsSrv.Shutdown(ctx)
		cancel()
	}
	s.wg.Wait()
	log.Printf("Server: stopped")
}

// Started reports whether the server is currently accepting.
func (s *Server) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// ListenAddr returns the address other servers should dial, or "" before
// Start.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertised
}

// Group exposes the node group for behaviors and tests.
func (s *Server) Group() (*node.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		return nil, ErrNotStarted
	}
	return s.group, nil
}

// Node returns the node at index i.
func (s *Server) Node(i int) (*node.Node, error) {
	g, err := s.Group()
	if err != nil {
		return nil, err
	}
	return g.Node(i)
}

// ============================================================================
// Job Submission
// ============================================================================

// SendTask hands a factory to the node at nodeIndex. Fire and forget:
// completion is observed through futures and listeners. A node with no
// peers drains the factory through its own execution loop, so single-node
// operation works.
func (s *Server) SendTask(f job.Factory, nodeIndex int) error {
	n, err := s.Node(nodeIndex)
	if err != nil {
		return err
	}
	return n.AddTask(f)
}

// SendTaskRemote transmits a factory to the seed server at serverIndex over
// a transient connection.
func (s *Server) SendTaskRemote(ctx context.Context, f job.Factory, serverIndex int) error {
	if serverIndex < 0 || serverIndex >= len(s.seeds) {
		return fmt.Errorf("server index %d out of range [0,%d)", serverIndex, len(s.seeds))
	}
	return SubmitTask(ctx, s.seeds[serverIndex], f.Encode(),
		s.props.GetDuration(config.KeyConnectTimeout, config.DefaultConnectTimeout))
}

// Open attempts a new outbound peer connection from the node at nodeIndex.
func (s *Server) Open(ctx context.Context, nodeIndex int, addr string) (bool, error) {
	n, err := s.Node(nodeIndex)
	if err != nil {
		return false, err
	}
	return n.Open(ctx, addr)
}

// ClosePeer closes the peer at peerIndex on the node at nodeIndex. Closing
// an index that is out of range is a no-op.
func (s *Server) ClosePeer(nodeIndex, peerIndex int) error {
	n, err := s.Node(nodeIndex)
	if err != nil {
		return err
	}
	n.ClosePeer(peerIndex)
	return nil
}

// Kill drops a task on every local node and propagates the signal to their
// peers with the given relay budget.
func (s *Server) Kill(taskID string, relay int) error {
	g, err := s.Group()
	if err != nil {
		return err
	}
	for _, n := range g.Nodes() {
		n.Kill(taskID)
		if relay <= 0 {
			continue
		}
		for _, p := range n.Peers() {
			if err := p.SendKill(taskID, relay-1); err != nil {
				log.Printf("Server: kill relay to %s failed: %v", p.Remote().Identity(), err)
			}
		}
	}
	return nil
}

// SubmitTask sends one encoded factory to a remote server and disconnects.
// Used by SendTaskRemote and the CLI's send command.
func SubmitTask(ctx context.Context, addr, encoded string, timeout time.Duration) error {
	conn, err := msg.Dial(ctx, addr, msg.Hello{
		NodeID:     msg.AnyNode,
		ListenAddr: "",
		Target:     msg.AnyNode,
	}, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.SendTask(encoded)
}

// QueryPeers asks a remote server for the peer addresses of whichever node
// accepts the transient connection. Used by the CLI's status command.
func QueryPeers(ctx context.Context, addr string, timeout time.Duration) ([]string, error) {
	conn, err := msg.Dial(ctx, addr, msg.Hello{
		NodeID: msg.AnyNode,
		Target: msg.AnyNode,
	}, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.QueryPeers(ctx)
}

// ============================================================================
// Accept Loop
// ============================================================================

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		sock, err := ln.Accept()
		if err != nil {
			// Listener closed on Stop.
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInbound(sock)
		}()
	}
}

func (s *Server) handleInbound(sock net.Conn) {
	hello, err := msg.ReadHello(sock, s.props.GetDuration(config.KeyConnectTimeout, config.DefaultConnectTimeout))
	if err != nil {
		log.Printf("Server: inbound handshake from %s failed: %v", sock.RemoteAddr(), err)
		sock.Close()
		return
	}

	s.mu.Lock()
	group := s.group
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || group == nil {
		msg.Refuse(sock, "server stopped")
		return
	}

	target := group.Route(hello)
	if target == nil {
		s.collector.RecordConnectRefused()
		msg.Refuse(sock, fmt.Sprintf("no node %d", hello.Target))
		return
	}
	target.AcceptConn(sock, hello)
}

func (s *Server) startMetricsServer() {
	port := s.props.GetInt(config.KeyMetricsPort, 9090)
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.collector.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	s.metricsSrv = srv

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server: metrics endpoint failed: %v", err)
		}
	}()
	log.Printf("Server: metrics on :%d/metrics", port)
}

// advertisedAddr derives the address other servers should dial. A listener
// bound to the wildcard address advertises localhost, which matches the
// single-host topologies the seed list describes.
func advertisedAddr(bound net.Addr, port int) string {
	tcp, ok := bound.(*net.TCPAddr)
	if !ok {
		return fmt.Sprintf("127.0.0.1:%d", port)
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, tcp.Port)
}
