// ============================================================================
// Flowtree Seed Join - Bootstrap Connectivity From the Seed Registry
// ============================================================================
//
// Package: internal/behavior
// File: seedjoin.go
// Function: Connect peerless nodes to a random seed server
//
// The server never dials its seed registry eagerly on start. This behavior
// does it on the schedule instead: each tick, every node that still has no
// peers attempts one connection to a random seed address. Once a node has
// any peer at all, random rejoin takes over the topology.
//
// ============================================================================

package behavior

import (
	"context"
	"log"

	"github.com/flowtree/flowtree/internal/server"
)

// SeedJoin connects peerless nodes to the server's seed registry.
type SeedJoin struct{}

// Name identifies the behavior in logs.
func (SeedJoin) Name() string { return "seed-join" }

// Behave attempts one seed connection per peerless node.
func (SeedJoin) Behave(ctx context.Context, s *server.Server) {
	seeds := s.Seeds()
	if len(seeds) == 0 {
		return
	}

	g, err := s.Group()
	if err != nil {
		return
	}

	self := s.ListenAddr()
	for _, n := range g.Nodes() {
		if n.PeerCount() > 0 {
			continue
		}

		addr := seeds[s.Intn(len(seeds))]
		if addr == self {
			continue
		}

		if ok, err := n.Open(ctx, addr); err != nil || !ok {
			log.Printf("Behavior %s: node %d could not join %s: %v",
				SeedJoin{}.Name(), n.ID(), addr, err)
		}
	}
}
