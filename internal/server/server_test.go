// ============================================================================
// Flowtree Server Tests
// ============================================================================
//
// Package: internal/server
// File: server_test.go
// Function: Lifecycle, submission and two-server network tests over loopback
//
// ============================================================================

package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtree/flowtree/internal/config"
	"github.com/flowtree/flowtree/pkg/job"
	"github.com/flowtree/flowtree/pkg/jobs"
)

type countingListener struct {
	mu        sync.Mutex
	started   int
	success   int
	failed    int
	cancelled int
}

func (l *countingListener) OnJobStarted(ev job.CompletionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *countingListener) OnJobCompleted(ev job.CompletionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch ev.Status {
	case job.EventSuccess:
		l.success++
	case job.EventFailed:
		l.failed++
	case job.EventCancelled:
		l.cancelled++
	}
}

func (l *countingListener) counts() (started, success, failed, cancelled int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started, l.success, l.failed, l.cancelled
}

// newTestServer starts a server on an ephemeral port with fast drain ticks.
func newTestServer(t *testing.T, extra map[string]string) *Server {
	t.Helper()

	props := config.New()
	props.Set(config.KeyServerPort, "0")
	props.Set(config.KeyNodesInitial, "1")
	props.Set(config.KeyNodesPeers, "2")
	props.Set(config.KeyNodesJobs, "1")
	props.Set(config.KeyGroupSleep, "10ms")
	props.Set(config.KeyConnectTimeout, "1s")
	for k, v := range extra {
		props.Set(k, v)
	}

	s := New(props).WithSeed(42)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestStartIsIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	addr := s.ListenAddr()

	require.NoError(t, s.Start())
	assert.Equal(t, addr, s.ListenAddr())
	assert.True(t, s.Started())
}

func TestStopIsTerminalAndIdempotent(t *testing.T) {
	s := newTestServer(t, nil)

	s.Stop()
	s.Stop()
	assert.False(t, s.Started())

	// A stopped server cannot restart.
	assert.ErrorIs(t, s.Start(), ErrStopped)

	// And rejects new work.
	err := s.SendTask(jobs.NewSleepFactory(1, 0), 0)
	assert.Error(t, err)
}

func TestSendTaskBeforeStart(t *testing.T) {
	s := New(config.New())
	err := s.SendTask(jobs.NewSleepFactory(1, 0), 0)
	assert.ErrorIs(t, err, ErrNotStarted)
}

// ============================================================================
// Single-Node Execution
// ============================================================================

func TestSingleNodeTaskResolvesToSuccess(t *testing.T) {
	s := newTestServer(t, nil)

	listener := &countingListener{}
	s.RegisterListener(listener)

	f := jobs.NewSleepFactory(1, 0)
	require.NoError(t, s.SendTask(f, 0))

	// One node, zero peers, maxJobs=1: the factory drains locally and the
	// job succeeds within a bounded time.
	assert.Eventually(t, func() bool {
		started, success, _, _ := listener.counts()
		return started == 1 && success == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, f.IsComplete())
	assert.Equal(t, 1.0, f.Completeness())
}

func TestSendTaskToUnknownNode(t *testing.T) {
	s := newTestServer(t, nil)
	err := s.SendTask(jobs.NewSleepFactory(1, 0), 7)
	assert.Error(t, err)
}

// ============================================================================
// Two-Server Network
// ============================================================================

func TestOpenConnectsTwoServers(t *testing.T) {
	a := newTestServer(t, nil)
	b := newTestServer(t, nil)

	ok, err := a.Open(context.Background(), 0, b.ListenAddr())
	require.NoError(t, err)
	assert.True(t, ok)

	na, err := a.Node(0)
	require.NoError(t, err)
	assert.Equal(t, 1, na.PeerCount())

	nb, err := b.Node(0)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return nb.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.ClosePeer(0, 0))
	assert.Equal(t, 0, na.PeerCount())
	require.NoError(t, a.ClosePeer(0, 5)) // out of range is a no-op

	_, err = a.Node(3)
	require.Error(t, err)
	require.Error(t, a.ClosePeer(3, 0))
}

func TestSubmitTaskToRemoteServer(t *testing.T) {
	b := newTestServer(t, nil)

	listener := &countingListener{}
	b.RegisterListener(listener)

	f := jobs.NewSleepFactory(2, 0)
	err := SubmitTask(context.Background(), b.ListenAddr(), f.Encode(), time.Second)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, success, _, _ := listener.counts()
		return success == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSendTaskRemoteUsesSeedRegistry(t *testing.T) {
	b := newTestServer(t, nil)

	listener := &countingListener{}
	b.RegisterListener(listener)

	// Seed registry pointing at server b.
	host, port := splitAddr(t, b.ListenAddr())
	props := config.New()
	props.Set(config.KeyServerPort, "0")
	props.Set(config.KeyServersTotal, "1")
	props.Set("servers.0.host", host)
	props.Set("servers.0.port", port)
	a := New(props)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	require.Len(t, a.Seeds(), 1)
	require.NoError(t, a.SendTaskRemote(context.Background(), jobs.NewSleepFactory(1, 0), 0))

	assert.Eventually(t, func() bool {
		_, success, _, _ := listener.counts()
		return success == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Error(t, a.SendTaskRemote(context.Background(), jobs.NewSleepFactory(1, 0), 3))
}

func TestQueryPeersOfRemoteServer(t *testing.T) {
	_ = newTestServer(t, nil)
	b := newTestServer(t, nil)
	c := newTestServer(t, nil)

	// b peers with c, then a asks b for its peers.
	ok, err := b.Open(context.Background(), 0, c.ListenAddr())
	require.NoError(t, err)
	require.True(t, ok)

	addrs, err := QueryPeers(context.Background(), b.ListenAddr(), time.Second)
	require.NoError(t, err)
	assert.Contains(t, addrs, c.ListenAddr())
}

func TestKillPropagation(t *testing.T) {
	s := newTestServer(t, map[string]string{config.KeyGroupSleep: "1h"})

	f := jobs.NewSleepFactory(100, time.Hour)
	require.NoError(t, s.SendTask(f, 0))

	n, err := s.Node(0)
	require.NoError(t, err)
	require.Equal(t, 1, n.TaskCount())

	require.NoError(t, s.Kill(f.TaskID(), 1))

	n.DrainOnce()
	assert.Equal(t, 0, n.TaskCount())
}

// ============================================================================
// Metrics Endpoint
// ============================================================================

func TestMetricsCollectorCountsJobs(t *testing.T) {
	s := newTestServer(t, nil)

	require.NoError(t, s.SendTask(jobs.NewSleepFactory(1, 0), 0))

	families := func() map[string]bool {
		fams, err := s.Metrics().Gather()
		require.NoError(t, err)
		out := make(map[string]bool, len(fams))
		for _, f := range fams {
			out[f.GetName()] = true
		}
		return out
	}

	assert.Eventually(t, func() bool {
		return families()["flowtree_jobs_completed_total"]
	}, 3*time.Second, 50*time.Millisecond)
}

func splitAddr(t *testing.T, addr string) (host, port string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return host, port
}
