// ============================================================================
// Flowtree Event Store Tests
// ============================================================================
//
// Package: internal/store
// File: store_test.go
// Function: Persistence and query tests against a temp SQLite database
//
// ============================================================================

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtree/flowtree/pkg/job"
)

func openTestStore(t *testing.T) *EventStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)

	started := job.StartedEvent("j1", "ws1", "sleep job")
	s.OnJobStarted(started)

	c := job.NewCompletion()
	c.Complete()
	s.OnJobCompleted(job.TerminalEvent("j1", "ws1", "sleep job", c))

	records, err := s.Recent("ws1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	assert.Equal(t, job.EventSuccess, records[0].Status)
	assert.Equal(t, job.EventStarted, records[1].Status)
	assert.Equal(t, "j1", records[0].JobID)
	assert.WithinDuration(t, time.Now(), records[0].CreatedAt, time.Minute)
}

func TestFailedEventKeepsErrorMessage(t *testing.T) {
	s := openTestStore(t)

	c := job.NewCompletion()
	c.Fail(&job.ExecutionFailure{TaskID: "t1", Cause: assert.AnError})
	s.OnJobCompleted(job.TerminalEvent("j2", "ws1", "bad job", c))

	records, err := s.Recent("ws1", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, job.EventFailed, records[0].Status)
	assert.Contains(t, records[0].Error, "t1")
}

func TestRecentIsScopedToWorkstream(t *testing.T) {
	s := openTestStore(t)

	s.OnJobStarted(job.StartedEvent("j1", "ws1", ""))
	s.OnJobStarted(job.StartedEvent("j2", "ws2", ""))

	records, err := s.Recent("ws2", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "j2", records[0].JobID)

	records, err = s.Recent("absent", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)

	s.OnJobStarted(job.StartedEvent("j1", "ws1", ""))

	ok := job.NewCompletion()
	ok.Complete()
	s.OnJobCompleted(job.TerminalEvent("j1", "ws1", "", ok))

	bad := job.NewCompletion()
	bad.Fail(assert.AnError)
	s.OnJobCompleted(job.TerminalEvent("j2", "ws1", "", bad))

	counts, err := s.CountByStatus("ws1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[job.EventStarted])
	assert.Equal(t, 1, counts[job.EventSuccess])
	assert.Equal(t, 1, counts[job.EventFailed])
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	s, err := Open(path)
	require.NoError(t, err)
	s.OnJobStarted(job.StartedEvent("j1", "ws1", ""))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	records, err := s.Recent("ws1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
