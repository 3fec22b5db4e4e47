// ============================================================================
// Flowtree Random Rejoin - Gossip-Style Peer Rewiring
// ============================================================================
//
// Package: internal/behavior
// File: rejoin.go
// Function: One-hop random walk that gradually diffuses each node's peer set
//
// Each tick picks a random node, asks a random peer of that node for the
// peer's own peers, opens a connection to one of those second-hop addresses
// and, on success, closes one of the node's prior connections. No central
// membership service is involved; the topology self-heals over subsequent
// ticks. A node with no peers is left alone this tick, and a failed open is
// logged and otherwise ignored. When the node sits at its peer ceiling the
// walk closes one prior connection first to make room; if the open then
// fails, the freed slot is given back to the closed peer so the attempt
// never shrinks the peer set.
//
// ============================================================================

package behavior

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/flowtree/flowtree/internal/msg"
	"github.com/flowtree/flowtree/internal/node"
	"github.com/flowtree/flowtree/internal/server"
)

// RandomRejoin rewires one random node per tick via a one-hop random walk.
type RandomRejoin struct{}

// Name identifies the behavior in logs.
func (RandomRejoin) Name() string { return "random-rejoin" }

// Behave performs one rewiring attempt against s.
func (RandomRejoin) Behave(ctx context.Context, s *server.Server) {
	g, err := s.Group()
	if err != nil {
		return
	}

	n, err := g.Node(s.Intn(g.Size()))
	if err != nil {
		return
	}

	peers := n.Peers()
	if len(peers) == 0 {
		// Nothing to walk from; seeding the first peer is the seed-join
		// behavior's job, not this one's.
		return
	}

	walk := peers[s.Intn(len(peers))]
	candidates, err := walk.QueryPeers(ctx)
	if err != nil {
		log.Printf("Behavior %s: peers query via %s failed: %v",
			RandomRejoin{}.Name(), walk.Remote().Identity(), err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	addr := candidates[s.Intn(len(candidates))]
	if addr == "" {
		return
	}

	victim := peers[s.Intn(len(peers))]
	closedEarly := false

	ok, err := n.Open(ctx, addr)
	if errors.Is(err, node.ErrCapacityExceeded) {
		// At the ceiling: make room, then walk. CloseConnection frees the
		// slot synchronously so the retry sees it.
		n.CloseConnection(victim)
		closedEarly = true
		ok, err = n.Open(ctx, addr)
	}
	if err != nil || !ok {
		log.Printf("Behavior %s: open %s failed: %v",
			RandomRejoin{}.Name(), addr, err)
		if closedEarly {
			// The slot freed for the walk stayed empty; take the victim
			// back rather than leave the node a peer short.
			if back := victim.Remote().ListenAddr; back != "" && reopen(ctx, n, back) {
				return
			}
			log.Printf("Behavior %s: node %d dropped a peer without a replacement",
				RandomRejoin{}.Name(), n.ID())
		}
		return
	}

	// Success: retire one prior connection so the peer set diffuses.
	if !closedEarly {
		n.CloseConnection(victim)
	}
	log.Printf("Behavior %s: node %d rewired towards %s",
		RandomRejoin{}.Name(), n.ID(), addr)
}

// reopen re-dials a just-closed peer. A refusal is retried once after a
// short pause, since the peer may not have reaped our old connection yet
// and would see the redial as a duplicate.
func reopen(ctx context.Context, n *node.Node, addr string) bool {
	ok, err := n.Open(ctx, addr)
	if err != nil {
		var ce *msg.ConnectError
		if errors.As(err, &ce) && ce.Refused {
			time.Sleep(50 * time.Millisecond)
			ok, err = n.Open(ctx, addr)
		}
	}
	return err == nil && ok
}
