// ============================================================================
// Flowtree Node Tests
// ============================================================================
//
// Package: internal/node
// File: node_test.go
// Function: Peer bounds, queue bounds, execution and event ordering tests
//
// ============================================================================

package node

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtree/flowtree/internal/msg"
	"github.com/flowtree/flowtree/pkg/job"
	"github.com/flowtree/flowtree/pkg/jobs"
)

// eventRecorder captures dispatched completion events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []job.CompletionEvent
}

func (r *eventRecorder) OnJobStarted(ev job.CompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) OnJobCompleted(ev job.CompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []job.CompletionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.CompletionEvent(nil), r.events...)
}

func newTestNode(t *testing.T, maxPeers, maxJobs int) (*Node, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	d := &job.Dispatcher{}
	d.Register(rec)

	n := New(Config{
		ID:             0,
		MaxPeers:       maxPeers,
		MaxJobs:        maxJobs,
		ListenAddr:     "127.0.0.1:7766",
		ConnectTimeout: time.Second,
		DrainInterval:  10 * time.Millisecond,
		Registry:       jobs.DefaultRegistry(),
		Dispatcher:     d,
	})
	t.Cleanup(n.Stop)
	return n, rec
}

// acceptingListener runs a minimal server side that confirms every inbound
// handshake on behalf of a throwaway node.
func acceptingListener(t *testing.T, maxPeers int) (string, *Node, *eventRecorder) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	rec := &eventRecorder{}
	d := &job.Dispatcher{}
	d.Register(rec)

	remote := New(Config{
		ID:         0,
		MaxPeers:   maxPeers,
		MaxJobs:    2,
		ListenAddr: ln.Addr().String(),
		Registry:   jobs.DefaultRegistry(),
		Dispatcher: d,
	})
	remote.Start()
	t.Cleanup(remote.Stop)

	go func() {
		for {
			sock, err := ln.Accept()
			if err != nil {
				return
			}
			hello, err := msg.ReadHello(sock, time.Second)
			if err != nil {
				sock.Close()
				continue
			}
			remote.AcceptConn(sock, hello)
		}
	}()
	return ln.Addr().String(), remote, rec
}

// ============================================================================
// Execution
// ============================================================================

func TestSingleNodeExecutesTaskWithoutPeers(t *testing.T) {
	n, rec := newTestNode(t, 2, 1)
	n.Start()

	f := jobs.NewSleepFactory(1, 0)
	require.NoError(t, n.AddTask(f))

	j := f.NextJob()
	require.NotNil(t, j)
	require.NoError(t, n.AddJob(j))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, j.Completion().Wait(ctx))
	assert.Equal(t, job.StateCompleted, j.Completion().State())

	assert.Eventually(t, func() bool {
		evs := rec.snapshot()
		return len(evs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	evs := rec.snapshot()
	assert.Equal(t, job.EventStarted, evs[0].Status)
	assert.Equal(t, job.EventSuccess, evs[1].Status)
}

func TestDrainLoopRunsFactoryToCompletion(t *testing.T) {
	n, _ := newTestNode(t, 2, 2)
	n.Start()

	f := jobs.NewSleepFactory(3, 0)
	require.NoError(t, n.AddTask(f))

	assert.Eventually(t, func() bool {
		return f.IsComplete() && n.TaskCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFailedJobResolvesFutureAndNodeContinues(t *testing.T) {
	n, rec := newTestNode(t, 2, 1)
	n.Start()

	bad := jobs.NewCommandJob("t1", "exit 3")
	require.NoError(t, n.AddJob(bad))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := bad.Completion().Wait(ctx)
	require.Error(t, err)

	var ef *job.ExecutionFailure
	assert.ErrorAs(t, err, &ef)
	assert.Equal(t, "t1", ef.TaskID)

	// The node keeps processing after a failure.
	ok := jobs.NewSleepJob("t2", 0)
	require.NoError(t, n.AddJob(ok))
	require.NoError(t, ok.Completion().Wait(ctx))

	assert.Eventually(t, func() bool {
		failed := 0
		for _, ev := range rec.snapshot() {
			if ev.Status == job.EventFailed {
				failed++
			}
		}
		return failed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKilledTaskJobsAreCancelled(t *testing.T) {
	n, rec := newTestNode(t, 2, 1)

	j := jobs.NewSleepJob("t1", 0)
	require.NoError(t, n.AddJob(j))

	n.Kill("t1")
	n.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := j.Completion().Wait(ctx)
	require.ErrorIs(t, err, job.ErrCancelled)

	assert.Eventually(t, func() bool {
		evs := rec.snapshot()
		return len(evs) == 2 && evs[1].Status == job.EventCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Queue Bounds
// ============================================================================

func TestAddJobCapacity(t *testing.T) {
	n, _ := newTestNode(t, 2, 2)
	// Not started: nothing drains the queue.

	require.NoError(t, n.AddJob(jobs.NewSleepJob("t", 0)))
	require.NoError(t, n.AddJob(jobs.NewSleepJob("t", 0)))

	err := n.AddJob(jobs.NewSleepJob("t", 0))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, n.PendingJobs())
}

func TestAddJobAfterStop(t *testing.T) {
	n, _ := newTestNode(t, 2, 2)
	n.Start()
	n.Stop()

	assert.ErrorIs(t, n.AddJob(jobs.NewSleepJob("t", 0)), ErrStopped)
	assert.ErrorIs(t, n.AddTask(jobs.NewSleepFactory(1, 0)), ErrStopped)
}

func TestStopResolvesQueuedJobs(t *testing.T) {
	// One worker, one running job, one still queued. Whichever side of the
	// shutdown race each job lands on, Stop must leave no future unresolved
	// so a waiter can never block forever.
	n, rec := newTestNode(t, 1, 1)
	n.Start()

	running := jobs.NewSleepJob("t-run", 200*time.Millisecond)
	require.NoError(t, n.AddJob(running))
	require.Eventually(t, func() bool { return n.PendingJobs() == 0 },
		2*time.Second, 5*time.Millisecond)

	queued := jobs.NewSleepJob("t-queued", 200*time.Millisecond)
	require.NoError(t, n.AddJob(queued))

	time.Sleep(40 * time.Millisecond)
	n.Stop()

	assert.True(t, running.Completion().Resolved())
	assert.True(t, queued.Completion().Resolved())
	assert.Equal(t, job.StateCancelled, running.Completion().State())
	assert.Equal(t, job.StateCancelled, queued.Completion().State())

	select {
	case <-queued.Completion().Done():
	default:
		t.Fatal("queued job's Done channel still open after Stop")
	}

	// Both jobs got exactly one terminal event.
	terminal := 0
	for _, ev := range rec.snapshot() {
		if ev.Status.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 2, terminal)
}

// ============================================================================
// Peer Bounds
// ============================================================================

func TestOpenEnforcesMaxPeers(t *testing.T) {
	addrA, _, _ := acceptingListener(t, 8)
	addrB, _, _ := acceptingListener(t, 8)
	addrC, _, _ := acceptingListener(t, 8)

	n, _ := newTestNode(t, 2, 1)
	n.Start()

	ctx := context.Background()
	ok, err := n.Open(ctx, addrA)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = n.Open(ctx, addrB)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = n.Open(ctx, addrC)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, n.PeerCount())
}

func TestOpenDuplicateIdentityIsRejected(t *testing.T) {
	addr, _, _ := acceptingListener(t, 8)

	n, _ := newTestNode(t, 4, 1)
	n.Start()

	ok, err := n.Open(context.Background(), addr)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = n.Open(context.Background(), addr)
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 1, n.PeerCount())
}

func TestOpenUnreachableLeavesPeersUnchanged(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	n, _ := newTestNode(t, 2, 1)
	n.Start()

	ok, err := n.Open(context.Background(), addr)
	assert.False(t, ok)

	var ce *msg.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, n.PeerCount())
}

func TestInboundRefusedAtCapacity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	n, _ := newTestNode(t, 0, 1)
	n.Start()

	go func() {
		sock, err := ln.Accept()
		if err != nil {
			return
		}
		hello, err := msg.ReadHello(sock, time.Second)
		if err != nil {
			sock.Close()
			return
		}
		n.AcceptConn(sock, hello)
	}()

	_, err = msg.Dial(context.Background(), ln.Addr().String(),
		msg.Hello{NodeID: 1, ListenAddr: "127.0.0.1:9999", Target: msg.AnyNode}, time.Second)
	require.Error(t, err)

	var ce *msg.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Refused)
	assert.Equal(t, 0, n.PeerCount())
}

func TestClosePeerIsIdempotentAndCompacts(t *testing.T) {
	addrA, _, _ := acceptingListener(t, 8)
	addrB, _, _ := acceptingListener(t, 8)

	n, _ := newTestNode(t, 4, 1)
	n.Start()

	_, err := n.Open(context.Background(), addrA)
	require.NoError(t, err)
	_, err = n.Open(context.Background(), addrB)
	require.NoError(t, err)
	require.Equal(t, 2, n.PeerCount())

	n.ClosePeer(0)
	assert.Eventually(t, func() bool { return n.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	// Out-of-range and repeated closes are no-ops.
	n.ClosePeer(5)
	n.ClosePeer(-1)
	assert.Eventually(t, func() bool { return n.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	// The surviving connection still works.
	remaining := n.Peers()
	require.Len(t, remaining, 1)
	assert.False(t, remaining[0].Closed())
}

func TestCloseConnectionFreesSlotImmediately(t *testing.T) {
	// Unlike closing the socket and waiting for the reader to notice,
	// CloseConnection must free the peer slot before returning so a caller
	// can reuse it in the same call chain.
	addrA, _, _ := acceptingListener(t, 8)
	addrB, _, _ := acceptingListener(t, 8)

	n, _ := newTestNode(t, 1, 1)
	n.Start()

	ok, err := n.Open(context.Background(), addrA)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = n.Open(context.Background(), addrB)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	n.CloseConnection(n.Peers()[0])
	require.Equal(t, 0, n.PeerCount())

	ok, err = n.Open(context.Background(), addrB)
	require.NoError(t, err)
	assert.True(t, ok)
}

// ============================================================================
// Network Job Flow
// ============================================================================

func TestJobSentAcrossConnectionExecutesRemotely(t *testing.T) {
	addr, _, rec := acceptingListener(t, 8)

	n, _ := newTestNode(t, 2, 1)
	n.Start()

	ok, err := n.Open(context.Background(), addr)
	require.NoError(t, err)
	require.True(t, ok)

	peers := n.Peers()
	require.Len(t, peers, 1)

	encoded := jobs.NewSleepJob("remote-task", 0).Encode()
	require.NoError(t, peers[0].SendJob(encoded))

	// The remote node decodes, queues and runs the job to success.
	assert.Eventually(t, func() bool {
		for _, ev := range rec.snapshot() {
			if ev.Status == job.EventSuccess && ev.WorkstreamID == "remote-task" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTaskSentAcrossConnectionIsAdopted(t *testing.T) {
	addr, remote, _ := acceptingListener(t, 8)

	n, _ := newTestNode(t, 2, 1)
	n.Start()

	_, err := n.Open(context.Background(), addr)
	require.NoError(t, err)

	f := jobs.NewSleepFactory(2, 0)
	require.NoError(t, n.Peers()[0].SendTask(f.Encode()))

	assert.Eventually(t, func() bool {
		return remote.TaskCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDecodeErrorKeepsConnectionOpen(t *testing.T) {
	addr, remote, _ := acceptingListener(t, 8)

	n, _ := newTestNode(t, 2, 1)
	n.Start()

	_, err := n.Open(context.Background(), addr)
	require.NoError(t, err)

	conn := n.Peers()[0]
	require.NoError(t, conn.SendJob("com.example.Missing:id=42"))
	require.NoError(t, conn.SendJob(jobs.NewSleepJob("t", 0).Encode()))

	// The bad token was reported, not fatal: the good job still arrives.
	assert.Eventually(t, func() bool {
		return remote.PeerCount() == 1 && !conn.Closed()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKillPropagatesWithRelayBudget(t *testing.T) {
	addr, remote, _ := acceptingListener(t, 8)

	n, _ := newTestNode(t, 2, 1)
	n.Start()

	_, err := n.Open(context.Background(), addr)
	require.NoError(t, err)

	require.NoError(t, remote.AddTask(jobs.NewSleepFactory(100, time.Hour)))
	require.Equal(t, 1, remote.TaskCount())

	taskID := func() string {
		remote.tasksMu.Lock()
		defer remote.tasksMu.Unlock()
		return remote.tasks[0].TaskID()
	}()

	require.NoError(t, n.Peers()[0].SendKill(taskID, 1))

	assert.Eventually(t, func() bool {
		remote.DrainOnce()
		return remote.TaskCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Group
// ============================================================================

func TestGroupRouting(t *testing.T) {
	props := map[string]string{
		"nodes.initial": "3",
		"nodes.peers":   "2",
		"nodes.jobs":    "2",
	}
	g := NewGroup(props, "127.0.0.1:7766", jobs.DefaultRegistry(), &job.Dispatcher{}, nil, 1)
	defer g.Stop()

	require.Equal(t, 3, g.Size())

	// Explicit target routes directly.
	n := g.Route(msg.Hello{Target: 2})
	require.NotNil(t, n)
	assert.Equal(t, 2, n.ID())

	// Out-of-range target refused by returning nil.
	assert.Nil(t, g.Route(msg.Hello{Target: 9}))

	// AnyNode routes to the least-connected node.
	n = g.Route(msg.Hello{Target: msg.AnyNode})
	require.NotNil(t, n)
	assert.Equal(t, 0, n.ID())
}

func TestGroupNodeBounds(t *testing.T) {
	g := NewGroup(map[string]string{"nodes.initial": "2"}, "127.0.0.1:7766",
		jobs.DefaultRegistry(), &job.Dispatcher{}, nil, 1)
	defer g.Stop()

	_, err := g.Node(-1)
	assert.Error(t, err)
	_, err = g.Node(2)
	assert.Error(t, err)

	n, err := g.Node(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n.ID())
}

func TestActivityRating(t *testing.T) {
	g := NewGroup(map[string]string{"nodes.initial": "2", "nodes.jobs": "2"},
		"127.0.0.1:7766", jobs.DefaultRegistry(), &job.Dispatcher{}, nil, 1)
	defer g.Stop()

	assert.Equal(t, 0.0, g.ActivityRating())

	n, err := g.Node(0)
	require.NoError(t, err)
	require.NoError(t, n.AddJob(jobs.NewSleepJob("t", 0)))
	require.NoError(t, n.AddJob(jobs.NewSleepJob("t", 0)))

	// Node 0 full, node 1 idle.
	assert.InDelta(t, 0.5, g.ActivityRating(), 0.001)
}

func TestErrorsAreTyped(t *testing.T) {
	assert.True(t, errors.Is(ErrCapacityExceeded, ErrCapacityExceeded))
	assert.NotErrorIs(t, ErrCapacityExceeded, ErrStopped)
}
