// ============================================================================
// Flowtree Job - Unit of Distributed Work
// ============================================================================
//
// Package: pkg/job
// File: job.go
// Function: Core contracts for work that can travel between network nodes
//
// How it works:
//   A Job is a single unit of work. A Factory produces a lazy sequence of
//   Jobs and is the thing actually submitted across the network: the sending
//   side transmits the encoded Factory once, and each dequeue on the remote
//   side fabricates exactly one Job.
//
//   Both Jobs and Factories carry their state as a flat string property bag
//   so they can be flattened into the wire token format (see codec.go) and
//   reconstructed on the other side by replaying Set calls.
//
// Lifecycle:
//   CREATED -> RUNNING -> {COMPLETED, FAILED}
//   Run is invoked by the executing node exactly once. The node resolves the
//   job's Completion from Run's return value, so the future is never left
//   unresolved even when Run panics.
//
// ============================================================================

package job

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"sync"
)

// Job is a unit of work with a lifecycle, an encode/decode contract and a
// completion future.
type Job interface {
	// TaskID identifies the task (Factory) this job belongs to.
	TaskID() string

	// Set assigns a property replayed from the wire token stream. Values must
	// be handled independently of encounter order.
	Set(key, value string)

	// Encode flattens this job into the wire token format.
	Encode() string

	// Run performs the work. It is called exactly once, by the node that owns
	// the job. A non-nil error resolves the completion future to failure.
	Run(ctx context.Context) error

	// Completion returns the one-shot future resolved when the job finishes.
	Completion() *Completion
}

// Factory produces a lazy, unbounded sequence of jobs. It is the unit
// submitted across the network.
type Factory interface {
	// TaskID uniquely identifies this task across the network.
	TaskID() string

	// NextJob fabricates the next job, or returns nil when there is no work
	// right now. A nil result means "poll again later", not completion;
	// permanent completion is signaled by IsComplete.
	NextJob() Job

	// IsComplete reports whether this factory will ever produce work again.
	IsComplete() bool

	// Completeness reports advisory progress in [0.0, 1.0]. It is never used
	// to gate scheduling; only IsComplete is.
	Completeness() float64

	// Priority is an advisory scheduling weight.
	Priority() float64
	SetPriority(p float64)

	Set(key, value string)
	Encode() string
}

// Base is the property bag embedded by concrete jobs and factories. Set and
// Get are safe for concurrent use.
type Base struct {
	mu    sync.RWMutex
	props map[string]string
}

// Set stores a property value.
func (b *Base) Set(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.props == nil {
		b.props = make(map[string]string)
	}
	b.props[key] = value
}

// Get returns the stored value for key, or "" when absent.
func (b *Base) Get(key string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.props[key]
}

// Keys returns the property keys in sorted order, so that encoding the same
// bag always yields the same token stream.
func (b *Base) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.props))
	for k := range b.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EncodeValue makes a raw value safe for the token stream. Values containing
// the entry separator, the key/value separator or non-printable bytes are
// Base64 encoded with a "b64," prefix; everything else passes through as-is.
func EncodeValue(v string) string {
	if needsEncoding(v) {
		return "b64," + base64.StdEncoding.EncodeToString([]byte(v))
	}
	return v
}

// DecodeValue reverses EncodeValue. Malformed Base64 falls back to the raw
// string rather than failing the whole token stream.
func DecodeValue(v string) string {
	raw, ok := strings.CutPrefix(v, "b64,")
	if !ok {
		return v
	}
	dec, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return v
	}
	return string(dec)
}

func needsEncoding(v string) bool {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == ':' || c == '=' || c < 0x20 || c > 0x7e {
			return true
		}
	}
	return false
}
