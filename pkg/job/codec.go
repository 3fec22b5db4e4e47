// ============================================================================
// Flowtree Codec - Self-Describing Wire Token Format
// ============================================================================
//
// Package: pkg/job
// File: codec.go
// Function: Encode jobs and factories to/from the text token format
//
// Wire format:
//   TypeName:key1=value1:key2=value2:...
//
//   The first segment names the concrete type; every following segment is a
//   key=value pair split on the first '='. Values that contain the separator
//   characters or binary data are Base64 encoded by the field owner before
//   insertion (see EncodeValue).
//
// Type resolution:
//   Decoding resolves the type name through an explicit Registry: a mapping
//   from type-name string to a constructor function, populated at startup.
//   An unknown name is a lookup miss reported as a *DecodeError to the call
//   site; it never tears down the connection the token arrived on.
//
//   Decoded pairs are replayed through Set in encounter order. Field order in
//   a token stream is a wire-format accident, not a contract, so Set must be
//   order-independent.
//
// ============================================================================

package job

import (
	"fmt"
	"strings"
)

// EntrySeparator delimits segments of an encoded token stream.
const EntrySeparator = ":"

// KeyValueSeparator delimits the key from the value within a segment.
const KeyValueSeparator = "="

// DecodeError reports a malformed or unresolvable token stream. It is a
// reported, non-fatal error at the call site.
type DecodeError struct {
	Token  string // the offending token
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %s", e.Token, e.Reason)
}

// Registry maps type names to constructors. Decode failures become a lookup
// miss rather than a reflection error. The zero value is ready to use after
// NewRegistry; Register calls and lookups may not be interleaved concurrently,
// so populate the registry at startup.
type Registry struct {
	jobs      map[string]func() Job
	factories map[string]func() Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:      make(map[string]func() Job),
		factories: make(map[string]func() Factory),
	}
}

// RegisterJob binds a type name to a job constructor.
func (r *Registry) RegisterJob(name string, ctor func() Job) {
	r.jobs[name] = ctor
}

// RegisterFactory binds a type name to a factory constructor.
func (r *Registry) RegisterFactory(name string, ctor func() Factory) {
	r.factories[name] = ctor
}

// DecodeJob reconstructs a job from its token stream.
func (r *Registry) DecodeJob(data string) (Job, error) {
	name, pairs, err := splitTokens(data)
	if err != nil {
		return nil, err
	}

	ctor, ok := r.jobs[name]
	if !ok {
		return nil, &DecodeError{Token: name, Reason: "unknown job type"}
	}

	j := ctor()
	for _, p := range pairs {
		j.Set(p[0], p[1])
	}
	return j, nil
}

// DecodeFactory reconstructs a factory from its token stream.
func (r *Registry) DecodeFactory(data string) (Factory, error) {
	name, pairs, err := splitTokens(data)
	if err != nil {
		return nil, err
	}

	ctor, ok := r.factories[name]
	if !ok {
		return nil, &DecodeError{Token: name, Reason: "unknown factory type"}
	}

	f := ctor()
	for _, p := range pairs {
		f.Set(p[0], p[1])
	}
	return f, nil
}

// EncodeProps flattens a type name and property bag into the token format.
// Concrete jobs and factories build their Encode on this.
func EncodeProps(typeName string, b *Base) string {
	var sb strings.Builder
	sb.WriteString(typeName)
	for _, k := range b.Keys() {
		sb.WriteString(EntrySeparator)
		sb.WriteString(k)
		sb.WriteString(KeyValueSeparator)
		sb.WriteString(EncodeValue(b.Get(k)))
	}
	return sb.String()
}

// splitTokens splits an encoded stream into the type name and decoded
// key/value pairs in encounter order.
func splitTokens(data string) (string, [][2]string, error) {
	if data == "" {
		return "", nil, &DecodeError{Token: data, Reason: "empty token stream"}
	}

	segments := strings.Split(data, EntrySeparator)
	name := segments[0]
	if name == "" {
		return "", nil, &DecodeError{Token: data, Reason: "missing type name"}
	}

	pairs := make([][2]string, 0, len(segments)-1)
	for _, seg := range segments[1:] {
		if seg == "" {
			continue
		}
		k, v, found := strings.Cut(seg, KeyValueSeparator)
		if !found || k == "" {
			return "", nil, &DecodeError{Token: seg, Reason: "malformed key=value segment"}
		}
		pairs = append(pairs, [2]string{k, DecodeValue(v)})
	}
	return name, pairs, nil
}
