package job

// ============================================================================
// Codec Test File
// Purpose: Verify token round-trips, registry resolution, decode errors
// ============================================================================

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fooJob is a minimal registered job type used across the codec tests.
type fooJob struct {
	Base
	completion *Completion
}

func newFooJob() *fooJob { return &fooJob{completion: NewCompletion()} }

func (f *fooJob) TaskID() string               { return f.Get("id") }
func (f *fooJob) Encode() string               { return EncodeProps("foo", &f.Base) }
func (f *fooJob) Run(ctx context.Context) error { return nil }
func (f *fooJob) Completion() *Completion      { return f.completion }

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.RegisterJob("foo", func() Job { return newFooJob() })
	return r
}

// TestDecodeRegisteredType tests decoding into a registered type.
func TestDecodeRegisteredType(t *testing.T) {
	r := newTestRegistry()

	j, err := r.DecodeJob("foo:id=42:name=bar")
	require.NoError(t, err)

	f := j.(*fooJob)
	assert.Equal(t, "42", f.Get("id"))
	assert.Equal(t, "bar", f.Get("name"))
}

// TestDecodeUnknownType tests that an unregistered name is a lookup miss.
func TestDecodeUnknownType(t *testing.T) {
	r := newTestRegistry()

	_, err := r.DecodeJob("com.example.Missing:id=42")
	require.Error(t, err)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "com.example.Missing", de.Token)
}

// TestDecodeMalformedSegment tests the error for a segment without '='.
func TestDecodeMalformedSegment(t *testing.T) {
	r := newTestRegistry()

	_, err := r.DecodeJob("foo:id=1:brokensegment")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "brokensegment", de.Token)
}

// TestDecodeEmpty tests that empty input fails without resolving a type.
func TestDecodeEmpty(t *testing.T) {
	r := newTestRegistry()

	_, err := r.DecodeJob("")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

// TestEncodeDecodeRoundTrip tests that decode(encode(j)) reproduces every
// declared key, including keys whose values need Base64 protection.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := map[string]string{
		"id":     "42",
		"name":   "bar",
		"url":    "http://example.com:8080/path",
		"script": "a=b:c=d\nline two",
		"blob":   string([]byte{0x00, 0xff, 0x10}),
	}

	orig := newFooJob()
	for k, v := range cases {
		orig.Set(k, v)
	}

	r := newTestRegistry()
	decoded, err := r.DecodeJob(orig.Encode())
	require.NoError(t, err)

	f := decoded.(*fooJob)
	for k, v := range cases {
		assert.Equal(t, v, f.Get(k), "key %s", k)
	}
}

// TestEncodeDeterministic tests that encoding is stable across calls.
func TestEncodeDeterministic(t *testing.T) {
	j := newFooJob()
	for i := 0; i < 10; i++ {
		j.Set(fmt.Sprintf("k%02d", i), fmt.Sprintf("v%d", i))
	}

	first := j.Encode()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, j.Encode())
	}
}

// TestDecodeFactoryUnknown tests the factory path of the registry.
func TestDecodeFactoryUnknown(t *testing.T) {
	r := newTestRegistry()

	_, err := r.DecodeFactory("nope:id=1")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "nope", de.Token)
}

// TestEncodeValuePassthrough tests that plain values are left untouched.
func TestEncodeValuePassthrough(t *testing.T) {
	assert.Equal(t, "plain-value_1", EncodeValue("plain-value_1"))
	assert.Equal(t, "plain-value_1", DecodeValue("plain-value_1"))
}
