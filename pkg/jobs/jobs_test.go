package jobs

// ============================================================================
// Built-in Jobs Test File
// Purpose: Verify sleep/command factories, wire round-trips, exit codes
// ============================================================================

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtree/flowtree/pkg/job"
)

// TestSleepFactoryProducesCount tests job fabrication and completion.
func TestSleepFactoryProducesCount(t *testing.T) {
	f := NewSleepFactory(3, 0)

	for i := 0; i < 3; i++ {
		assert.False(t, f.IsComplete())
		j := f.NextJob()
		require.NotNil(t, j)
		assert.Equal(t, f.TaskID(), j.TaskID())
	}

	assert.True(t, f.IsComplete())
	assert.Nil(t, f.NextJob())
	assert.InDelta(t, 1.0, f.Completeness(), 1e-9)
}

// TestFactoryProgressIsSafeUnderConcurrentPolling mirrors real usage: a
// node's drain loop advances the factory while the submitter polls for
// completion. Run with -race.
func TestFactoryProgressIsSafeUnderConcurrentPolling(t *testing.T) {
	factories := []job.Factory{
		NewSleepFactory(200, 0),
		NewCommandFactory(manyPrompts(200)...),
	}

	for _, f := range factories {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for f.NextJob() != nil {
			}
		}()

		deadline := time.After(5 * time.Second)
		for !f.IsComplete() {
			_ = f.Completeness()
			_ = f.Priority()
			select {
			case <-deadline:
				t.Fatalf("%s never completed", f.TaskID())
			default:
			}
		}
		<-done
		assert.InDelta(t, 1.0, f.Completeness(), 1e-9)
	}
}

func manyPrompts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "true"
	}
	return out
}

// TestSleepJobRun tests that a zero-sleep job returns immediately.
func TestSleepJobRun(t *testing.T) {
	j := NewSleepJob("t1", 0)
	require.NoError(t, j.Run(context.Background()))
}

// TestSleepJobCancellation tests that a sleeping job honors ctx.
func TestSleepJobCancellation(t *testing.T) {
	j := NewSleepJob("t1", 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := j.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestSleepFactoryRoundTrip tests that a decoded factory resumes producing.
func TestSleepFactoryRoundTrip(t *testing.T) {
	orig := NewSleepFactory(2, 10*time.Millisecond)

	decoded, err := DefaultRegistry().DecodeFactory(orig.Encode())
	require.NoError(t, err)

	f := decoded.(*SleepFactory)
	assert.Equal(t, orig.TaskID(), f.TaskID())
	assert.False(t, f.IsComplete())
	require.NotNil(t, f.NextJob())
	require.NotNil(t, f.NextJob())
	assert.True(t, f.IsComplete())
}

// TestCommandJobRun tests executing a trivial command.
func TestCommandJobRun(t *testing.T) {
	j := NewCommandJob("t1", "echo hello")
	require.NoError(t, j.Run(context.Background()))
	assert.Equal(t, 0, j.ExitCode())
	assert.NotEmpty(t, j.SessionID())
}

// TestCommandJobFailure tests that a non-zero exit is a job failure.
func TestCommandJobFailure(t *testing.T) {
	j := NewCommandJob("t1", "exit 3")
	err := j.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, j.ExitCode())
}

// TestCommandJobEmptyPrompt tests the empty-prompt guard.
func TestCommandJobEmptyPrompt(t *testing.T) {
	j := NewCommandJob("t1", "   ")
	assert.Error(t, j.Run(context.Background()))
}

// TestCommandJobAnnotate tests event enrichment with execution context.
func TestCommandJobAnnotate(t *testing.T) {
	j := NewCommandJob("t1", "echo ok")
	j.Set("branch", "feature/x")
	require.NoError(t, j.Run(context.Background()))

	ev := j.Annotate(job.StartedEvent(j.TaskID(), "", ""))
	assert.Equal(t, "echo ok", ev.Prompt)
	assert.Equal(t, j.SessionID(), ev.SessionID)
	assert.Equal(t, "feature/x", ev.Branch)
}

// TestCommandFactoryRoundTrip tests wire round-trip of a multi-prompt
// factory with separator-laden prompts.
func TestCommandFactoryRoundTrip(t *testing.T) {
	orig := NewCommandFactory("echo a:b=c", "echo second")
	orig.SetWorkstream("ws-1")
	orig.SetWorkingDirectory("/tmp")

	decoded, err := DefaultRegistry().DecodeFactory(orig.Encode())
	require.NoError(t, err)

	f := decoded.(*CommandFactory)
	assert.Equal(t, orig.TaskID(), f.TaskID())

	j1 := f.NextJob().(*CommandJob)
	assert.Equal(t, "echo a:b=c", j1.Get("prompt"))
	assert.Equal(t, "ws-1", j1.Get("workstream"))
	assert.Equal(t, "/tmp", j1.Get("dir"))

	j2 := f.NextJob().(*CommandJob)
	assert.Equal(t, "echo second", j2.Get("prompt"))

	assert.Nil(t, f.NextJob())
	assert.True(t, f.IsComplete())
}

// TestCommandFactoryEmpty tests the degenerate prompt-less factory.
func TestCommandFactoryEmpty(t *testing.T) {
	f := NewCommandFactory()
	assert.True(t, f.IsComplete())
	assert.Nil(t, f.NextJob())
	assert.InDelta(t, 1.0, f.Completeness(), 1e-9)
}
