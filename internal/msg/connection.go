// ============================================================================
// Flowtree Connection - Transport Link Between Two Nodes
// ============================================================================
//
// Package: internal/msg
// File: connection.go
// Function: One authenticated-by-convention TCP link carrying framed messages
//
// How it works:
//   Dial establishes the transport, sends the local node's Hello and waits
//   for an Accept or Refuse frame, bounded by the handshake timeout. The
//   accepting side reads the Hello with the same bound and either confirms
//   with its own Hello or refuses (for example when the target node is at
//   peer capacity), so the initiator fails fast instead of timing out.
//
//   After the handshake a single reader goroutine dispatches inbound frames
//   to the Handler supplied by the owning node. Writes are serialized by a
//   mutex; independent connections proceed in parallel.
//
//   A Connection carries no retry logic. Retries are a policy decision made
//   by the caller, not the transport.
//
// ============================================================================

package msg

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowtree/flowtree/pkg/job"
)

// DefaultHandshakeTimeout bounds Dial and Accept when the caller does not
// configure one. Seconds, not minutes.
const DefaultHandshakeTimeout = 5 * time.Second

// ConnectError reports a failed connection attempt: dial failure, handshake
// timeout or an explicit refusal by the remote.
type ConnectError struct {
	Addr    string
	Reason  string
	Refused bool
	Cause   error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("connect %s: %s", e.Addr, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// Handler receives inbound traffic for the node that owns a Connection.
// Decode failures inside a handler are reported locally; they never tear
// down the connection.
type Handler interface {
	// HandleJob receives one encoded job.
	HandleJob(c *Connection, data string)
	// HandleTask receives one encoded job factory.
	HandleTask(c *Connection, data string)
	// HandleKill receives a task kill signal with its remaining relay budget.
	HandleKill(c *Connection, taskID string, relay int)
	// PeerAddrs answers a peers query with the listen addresses of the
	// owning node's current peers.
	PeerAddrs(c *Connection) []string
	// ConnectionClosed is called exactly once when the reader loop ends.
	ConnectionClosed(c *Connection)
}

// Connection is a single transport link between two nodes. Lifetime is
// bounded by Dial/Accept and Close; the node that created it owns it.
type Connection struct {
	conn    net.Conn
	local   Hello
	remote  Hello
	inbound bool

	writeMu sync.Mutex

	queryMu   sync.Mutex
	pendingMu sync.Mutex
	pending   chan []string

	closeOnce sync.Once
	closed    chan struct{}

	handler Handler
}

// Dial opens a connection to addr, performing the handshake with the local
// node's identity and capabilities. Failure to connect, an explicit refusal
// or a handshake timeout all surface as *ConnectError.
func Dial(ctx context.Context, addr string, local Hello, timeout time.Duration) (*Connection, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Reason: "dial failed", Cause: err}
	}

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	if err := writeFrame(conn, FrameHandshake, local.encode()); err != nil {
		conn.Close()
		return nil, &ConnectError{Addr: addr, Reason: "handshake write failed", Cause: err}
	}

	ft, payload, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, &ConnectError{Addr: addr, Reason: "handshake timed out", Cause: err}
	}

	switch ft {
	case FrameAccept:
		remote, err := decodeHello(payload)
		if err != nil {
			conn.Close()
			return nil, &ConnectError{Addr: addr, Reason: "malformed accept frame", Cause: err}
		}
		_ = conn.SetDeadline(time.Time{})
		return newConnection(conn, local, remote, false), nil

	case FrameRefuse:
		conn.Close()
		return nil, &ConnectError{Addr: addr, Reason: string(payload), Refused: true}

	default:
		conn.Close()
		return nil, &ConnectError{Addr: addr, Reason: "unexpected " + ft.String() + " frame during handshake"}
	}
}

// ReadHello reads the initiator's handshake on an accepted socket, bounded
// by the handshake timeout. The acceptor then either Confirms or Refuses.
func ReadHello(conn net.Conn, timeout time.Duration) (Hello, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	ft, payload, err := readFrame(conn)
	if err != nil {
		return Hello{}, fmt.Errorf("handshake read: %w", err)
	}
	if ft != FrameHandshake {
		return Hello{}, fmt.Errorf("expected handshake frame, got %s", ft)
	}
	return decodeHello(payload)
}

// Confirm completes an inbound handshake with the accepting node's Hello
// and returns the established Connection.
func Confirm(conn net.Conn, local, remote Hello) (*Connection, error) {
	if err := writeFrame(conn, FrameAccept, local.encode()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("accept write: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return newConnection(conn, local, remote, true), nil
}

// Refuse rejects an inbound handshake with an explicit reason frame and
// closes the socket.
func Refuse(conn net.Conn, reason string) {
	_ = writeFrame(conn, FrameRefuse, []byte(reason))
	conn.Close()
}

func newConnection(conn net.Conn, local, remote Hello, inbound bool) *Connection {
	return &Connection{
		conn:    conn,
		local:   local,
		remote:  remote,
		inbound: inbound,
		closed:  make(chan struct{}),
	}
}

// Start attaches the handler and begins dispatching inbound frames.
func (c *Connection) Start(h Handler) {
	c.handler = h
	go c.readLoop()
}

// Remote returns the identity the remote node declared during handshake.
func (c *Connection) Remote() Hello { return c.remote }

// Local returns the local identity used for the handshake.
func (c *Connection) Local() Hello { return c.local }

// Inbound reports whether the remote initiated this connection.
func (c *Connection) Inbound() bool { return c.inbound }

// Send transmits an encoded payload of the given type.
func (c *Connection) send(t FrameType, payload []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection to %s is closed", c.remote.ListenAddr)
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, t, payload)
}

// SendJob serializes the job via its own encoder and writes a job frame.
func (c *Connection) SendJob(encoded string) error {
	return c.send(FrameJob, []byte(encoded))
}

// SendTask writes an encoded factory frame.
func (c *Connection) SendTask(encoded string) error {
	return c.send(FrameTask, []byte(encoded))
}

// SendKill propagates a task kill signal with the given relay budget.
func (c *Connection) SendKill(taskID string, relay int) error {
	return c.send(FrameKill, []byte(taskID+job.EntrySeparator+strconv.Itoa(relay)))
}

// QueryPeers asks the remote node for its peers' listen addresses. One
// query is outstanding at a time per connection.
func (c *Connection) QueryPeers(ctx context.Context) ([]string, error) {
	c.queryMu.Lock()
	defer c.queryMu.Unlock()

	reply := make(chan []string, 1)
	c.pendingMu.Lock()
	c.pending = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		c.pending = nil
		c.pendingMu.Unlock()
	}()

	if err := c.send(FramePeersQuery, nil); err != nil {
		return nil, err
	}

	select {
	case addrs := <-reply:
		return addrs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("connection to %s closed during peers query", c.remote.ListenAddr)
	}
}

// Close shuts the connection down. Best-effort flush then socket shutdown;
// repeated close is a no-op.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Connection) readLoop() {
	defer func() {
		c.Close()
		if c.handler != nil {
			c.handler.ConnectionClosed(c)
		}
	}()

	for {
		ft, payload, err := readFrame(c.conn)
		if err != nil {
			if !c.Closed() {
				log.Printf("Connection %s: read error: %v", c, err)
			}
			return
		}

		switch ft {
		case FrameJob:
			c.handler.HandleJob(c, string(payload))

		case FrameTask:
			c.handler.HandleTask(c, string(payload))

		case FramePeersQuery:
			addrs := c.handler.PeerAddrs(c)
			if err := c.send(FramePeersReply, []byte(strings.Join(addrs, "\n"))); err != nil {
				log.Printf("Connection %s: peers reply failed: %v", c, err)
			}

		case FramePeersReply:
			var addrs []string
			if len(payload) > 0 {
				addrs = strings.Split(string(payload), "\n")
			}
			c.pendingMu.Lock()
			pending := c.pending
			c.pendingMu.Unlock()
			if pending != nil {
				select {
				case pending <- addrs:
				default:
				}
			}

		case FrameKill:
			taskID, relayStr, _ := strings.Cut(string(payload), job.EntrySeparator)
			relay, _ := strconv.Atoi(relayStr)
			c.handler.HandleKill(c, taskID, relay)

		default:
			log.Printf("Connection %s: ignoring unexpected %s frame", c, ft)
		}
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("node %d -> %s", c.local.NodeID, c.remote.Identity())
}
