// ============================================================================
// Flowtree Framing - Wire Message Envelope
// ============================================================================
//
// Package: internal/msg
// File: frame.go
// Function: Length-prefixed frames carrying token-format payloads
//
// Frame layout:
//   1 byte  frame type
//   4 bytes payload length (big endian)
//   N bytes payload
//
// The payload of job and task frames is the self-describing text token
// stream produced by the codec in pkg/job; the framing layer never inspects
// it. Handshake frames carry the token-format Hello of the sending node.
//
// ============================================================================

package msg

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies the kind of message inside a frame.
type FrameType byte

const (
	// FrameHandshake opens a connection: the initiator's Hello.
	FrameHandshake FrameType = iota + 1
	// FrameAccept confirms a handshake: the acceptor's Hello.
	FrameAccept
	// FrameRefuse rejects a handshake with a reason, so the initiator can
	// fail fast instead of timing out.
	FrameRefuse
	// FrameJob carries one encoded job.
	FrameJob
	// FrameTask carries one encoded job factory.
	FrameTask
	// FramePeersQuery asks the remote node for its peer listen addresses.
	FramePeersQuery
	// FramePeersReply answers a peers query, addresses newline separated.
	FramePeersReply
	// FrameKill asks the remote node to drop jobs of a task, with a relay
	// budget for further propagation.
	FrameKill
)

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "handshake"
	case FrameAccept:
		return "accept"
	case FrameRefuse:
		return "refuse"
	case FrameJob:
		return "job"
	case FrameTask:
		return "task"
	case FramePeersQuery:
		return "peers-query"
	case FramePeersReply:
		return "peers-reply"
	case FrameKill:
		return "kill"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

// maxFrameSize bounds a single payload. Encoded factories are small; this
// exists to fail fast on corrupted length prefixes.
const maxFrameSize = 4 << 20

func writeFrame(w io.Writer, t FrameType, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame payload too large (%d bytes)", len(payload))
	}

	header := make([]byte, 5, 5+len(payload))
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))

	// One Write call so concurrent framers never interleave.
	_, err := w.Write(append(header, payload...))
	return err
}

func readFrame(r io.Reader) (FrameType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	size := binary.BigEndian.Uint32(header[1:5])
	if size > maxFrameSize {
		return 0, nil, fmt.Errorf("frame length %d exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return FrameType(header[0]), payload, nil
}
