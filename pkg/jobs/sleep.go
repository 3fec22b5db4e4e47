// ============================================================================
// Flowtree Sleep Job - Synthetic Workload
// ============================================================================
//
// Package: pkg/jobs
// File: sleep.go
// Function: Timed no-op jobs for exercising the network without real work
//
// A SleepFactory produces a fixed count of jobs, each sleeping for the
// configured duration. With sleep=0 a job completes immediately, which makes
// this the standard workload for end-to-end tests and demos.
//
// ============================================================================

package jobs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowtree/flowtree/pkg/job"
)

// Type names used in the wire token format.
const (
	SleepJobType     = "flowtree.SleepJob"
	SleepFactoryType = "flowtree.SleepFactory"
)

// SleepJob sleeps for a configured number of milliseconds, then succeeds.
type SleepJob struct {
	job.Base
	completion *job.Completion
}

// NewSleepJob returns a job that sleeps for the given duration.
func NewSleepJob(taskID string, sleep time.Duration) *SleepJob {
	j := &SleepJob{completion: job.NewCompletion()}
	j.Set("task", taskID)
	j.Set("sleep", strconv.FormatInt(sleep.Milliseconds(), 10))
	return j
}

func (j *SleepJob) TaskID() string             { return j.Get("task") }
func (j *SleepJob) Completion() *job.Completion { return j.completion }
func (j *SleepJob) Encode() string             { return job.EncodeProps(SleepJobType, &j.Base) }

func (j *SleepJob) String() string {
	return "SleepJob[" + j.Get("task") + " sleep=" + j.Get("sleep") + "ms]"
}

// Run sleeps for the configured duration, honoring cancellation of ctx.
func (j *SleepJob) Run(ctx context.Context) error {
	ms, err := strconv.ParseInt(j.Get("sleep"), 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}

	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SleepFactory fabricates a fixed number of SleepJobs. Progress is read by
// submitters polling IsComplete while a node's drain loop calls NextJob, so
// the counter lives behind its own mutex.
type SleepFactory struct {
	job.Base

	mu       sync.Mutex
	priority float64
	produced int
}

// NewSleepFactory returns a factory producing count jobs that each sleep for
// the given duration.
func NewSleepFactory(count int, sleep time.Duration) *SleepFactory {
	f := &SleepFactory{priority: 1.0}
	f.Set("task", uuid.NewString())
	f.Set("count", strconv.Itoa(count))
	f.Set("sleep", strconv.FormatInt(sleep.Milliseconds(), 10))
	return f
}

func (f *SleepFactory) TaskID() string { return f.Get("task") }

func (f *SleepFactory) NextJob() job.Job {
	f.mu.Lock()
	if f.produced >= f.count() {
		f.mu.Unlock()
		return nil
	}
	f.produced++
	f.mu.Unlock()

	ms, _ := strconv.ParseInt(f.Get("sleep"), 10, 64)
	return NewSleepJob(f.TaskID(), time.Duration(ms)*time.Millisecond)
}

func (f *SleepFactory) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.produced >= f.count()
}

func (f *SleepFactory) Completeness() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.count()
	if c <= 0 {
		return 1.0
	}
	return float64(f.produced) / float64(c)
}

func (f *SleepFactory) Priority() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priority
}

func (f *SleepFactory) SetPriority(p float64) {
	f.mu.Lock()
	f.priority = p
	f.mu.Unlock()
}

func (f *SleepFactory) Encode() string { return job.EncodeProps(SleepFactoryType, &f.Base) }

func (f *SleepFactory) count() int {
	c, _ := strconv.Atoi(f.Get("count"))
	return c
}
