// ============================================================================
// Flowtree Node Group - Co-located Nodes Sharing One Process
// ============================================================================
//
// Package: internal/node
// File: group.go
// Function: Build, route to and stop the nodes hosted by one server
//
// All nodes of a group share the server's single listening socket. Inbound
// connections are demultiplexed by the handshake's target field: a specific
// node id routes directly, AnyNode routes to the least-connected node so
// inbound peers spread evenly.
//
// ============================================================================

package node

import (
	"fmt"
	"math/rand"

	"github.com/flowtree/flowtree/internal/config"
	"github.com/flowtree/flowtree/internal/metrics"
	"github.com/flowtree/flowtree/internal/msg"
	"github.com/flowtree/flowtree/pkg/job"
)

// Group owns the nodes created at server startup.
type Group struct {
	nodes []*Node
}

// NewGroup builds nodes.initial nodes from the server's properties. All
// nodes share the dispatcher and metrics collector; each gets a private
// random source derived from seed.
func NewGroup(props config.Properties, listenAddr string, registry *job.Registry,
	dispatcher *job.Dispatcher, collector *metrics.Collector, seed int64) *Group {

	count := props.GetInt(config.KeyNodesInitial, config.DefaultNodes)
	if count < 1 {
		count = 1
	}

	g := &Group{nodes: make([]*Node, count)}
	for i := 0; i < count; i++ {
		g.nodes[i] = New(Config{
			ID:             i,
			MaxPeers:       props.GetInt(config.KeyNodesPeers, config.DefaultMaxPeers),
			MaxJobs:        props.GetInt(config.KeyNodesJobs, config.DefaultMaxJobs),
			ListenAddr:     listenAddr,
			ConnectTimeout: props.GetDuration(config.KeyConnectTimeout, config.DefaultConnectTimeout),
			DrainInterval:  props.GetDuration(config.KeyGroupSleep, config.DefaultGroupSleep),
			Registry:       registry,
			Dispatcher:     dispatcher,
			Metrics:        collector,
			Rand:           rand.New(rand.NewSource(seed + int64(i))),
		})
	}
	return g
}

// Size returns the number of nodes in the group.
func (g *Group) Size() int { return len(g.nodes) }

// Node returns the node at index i.
func (g *Group) Node(i int) (*Node, error) {
	if i < 0 || i >= len(g.nodes) {
		return nil, fmt.Errorf("node index %d out of range [0,%d)", i, len(g.nodes))
	}
	return g.nodes[i], nil
}

// Nodes returns the group's nodes. The slice is fixed at construction; do
// not mutate it.
func (g *Group) Nodes() []*Node { return g.nodes }

// Route resolves an inbound handshake to the node it should land on: the
// requested target when in range, otherwise the least-connected node.
func (g *Group) Route(hello msg.Hello) *Node {
	if hello.Target >= 0 {
		if hello.Target < len(g.nodes) {
			return g.nodes[hello.Target]
		}
		return nil
	}

	least := g.nodes[0]
	for _, n := range g.nodes[1:] {
		if n.PeerCount() < least.PeerCount() {
			least = n
		}
	}
	return least
}

// Start starts every node's workers.
func (g *Group) Start() {
	for _, n := range g.nodes {
		n.Start()
	}
}

// Stop stops every node, closing its connections.
func (g *Group) Stop() {
	for _, n := range g.nodes {
		n.Stop()
	}
}

// ActivityRating averages the job-queue fill across the group; 0.0 is idle,
// 1.0 is fully saturated.
func (g *Group) ActivityRating() float64 {
	if len(g.nodes) == 0 {
		return 0
	}
	var sum float64
	for _, n := range g.nodes {
		sum += n.QueueFill()
	}
	return sum / float64(len(g.nodes))
}

// PeerTotal sums connections across the group.
func (g *Group) PeerTotal() int {
	total := 0
	for _, n := range g.nodes {
		total += n.PeerCount()
	}
	return total
}
