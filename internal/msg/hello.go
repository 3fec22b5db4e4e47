package msg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flowtree/flowtree/pkg/job"
)

// AnyNode is the Target value meaning "route to whichever node the acceptor
// prefers" (the least-connected one).
const AnyNode = -1

// Hello identifies a node and its declared capabilities during the
// connection handshake.
type Hello struct {
	NodeID   int
	MaxPeers int
	MaxJobs  int
	// ListenAddr is the advertised host:port other servers can dial.
	ListenAddr string
	// Target selects the remote node the initiator wants to reach, or
	// AnyNode. Only meaningful on handshake frames.
	Target int
}

func (h Hello) encode() []byte {
	fields := []string{
		"node" + job.KeyValueSeparator + strconv.Itoa(h.NodeID),
		"peers" + job.KeyValueSeparator + strconv.Itoa(h.MaxPeers),
		"jobs" + job.KeyValueSeparator + strconv.Itoa(h.MaxJobs),
		"listen" + job.KeyValueSeparator + job.EncodeValue(h.ListenAddr),
		"target" + job.KeyValueSeparator + strconv.Itoa(h.Target),
	}
	return []byte(strings.Join(fields, job.EntrySeparator))
}

func decodeHello(payload []byte) (Hello, error) {
	h := Hello{Target: AnyNode}

	for _, seg := range strings.Split(string(payload), job.EntrySeparator) {
		k, v, found := strings.Cut(seg, job.KeyValueSeparator)
		if !found {
			return h, fmt.Errorf("malformed hello segment %q", seg)
		}

		switch k {
		case "node":
			h.NodeID, _ = strconv.Atoi(v)
		case "peers":
			h.MaxPeers, _ = strconv.Atoi(v)
		case "jobs":
			h.MaxJobs, _ = strconv.Atoi(v)
		case "listen":
			h.ListenAddr = job.DecodeValue(v)
		case "target":
			h.Target, _ = strconv.Atoi(v)
		}
	}
	return h, nil
}

// Identity is the duplicate-detection key for a remote node: its advertised
// listen address plus node id.
func (h Hello) Identity() string {
	return fmt.Sprintf("%s#%d", h.ListenAddr, h.NodeID)
}

func (h Hello) String() string {
	return fmt.Sprintf("node %d at %s (peers<=%d jobs<=%d)",
		h.NodeID, h.ListenAddr, h.MaxPeers, h.MaxJobs)
}
