// ============================================================================
// Flowtree Completion Events - Observer Contract for Job Lifecycle
// ============================================================================
//
// Package: pkg/job
// File: event.go
// Function: Immutable job start/terminal notifications and listener fan-out
//
// Ordering guarantee:
//   The job runner emits STARTED immediately before Run and exactly one
//   terminal event (SUCCESS, FAILED or CANCELLED) after the future resolves,
//   always in that order, always exactly once per job instance.
//
// Listener isolation:
//   Listeners are invoked synchronously on the goroutine that resolved the
//   future. Each call runs inside its own failure boundary so a panicking
//   listener cannot prevent the remaining listeners from being notified, and
//   cannot re-resolve the job's future.
//
// ============================================================================

package job

import (
	"log"
	"sync"
	"time"
)

// EventStatus classifies a completion event.
type EventStatus string

const (
	EventStarted   EventStatus = "STARTED"
	EventSuccess   EventStatus = "SUCCESS"
	EventFailed    EventStatus = "FAILED"
	EventCancelled EventStatus = "CANCELLED"
)

// Terminal reports whether the status ends a job's lifecycle.
func (s EventStatus) Terminal() bool { return s != EventStarted }

// CompletionEvent is an immutable snapshot of a job transition. It carries
// enough structured data for downstream listeners to render a human-readable
// notification without re-querying the job.
type CompletionEvent struct {
	JobID        string      `json:"job_id"`
	WorkstreamID string      `json:"workstream_id,omitempty"`
	Status       EventStatus `json:"status"`
	Description  string      `json:"description,omitempty"`
	Error        string      `json:"error,omitempty"`

	// Contextual fields attached by the job or its runner.
	Branch    string   `json:"branch,omitempty"`
	Commit    string   `json:"commit,omitempty"`
	Files     []string `json:"files,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	ExitCode  int      `json:"exit_code,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// StartedEvent builds the STARTED event for a job.
func StartedEvent(jobID, workstreamID, description string) CompletionEvent {
	return CompletionEvent{
		JobID:        jobID,
		WorkstreamID: workstreamID,
		Status:       EventStarted,
		Description:  description,
		Timestamp:    time.Now(),
	}
}

// TerminalEvent builds the terminal event matching the resolved state of a
// job's completion future.
func TerminalEvent(jobID, workstreamID, description string, c *Completion) CompletionEvent {
	ev := CompletionEvent{
		JobID:        jobID,
		WorkstreamID: workstreamID,
		Description:  description,
		Timestamp:    time.Now(),
	}

	switch c.State() {
	case StateCompleted:
		ev.Status = EventSuccess
	case StateCancelled:
		ev.Status = EventCancelled
	default:
		ev.Status = EventFailed
		if err := c.Err(); err != nil {
			ev.Error = err.Error()
		}
	}
	return ev
}

// WithGitInfo returns a copy of the event annotated with version-control
// context.
func (e CompletionEvent) WithGitInfo(branch, commit string, files []string) CompletionEvent {
	e.Branch = branch
	e.Commit = commit
	e.Files = files
	return e
}

// WithSession returns a copy of the event annotated with execution context.
func (e CompletionEvent) WithSession(prompt, sessionID string, exitCode int) CompletionEvent {
	e.Prompt = prompt
	e.SessionID = sessionID
	e.ExitCode = exitCode
	return e
}

// CompletionListener observes job transitions. Implementations must not
// resolve the job's future.
type CompletionListener interface {
	OnJobStarted(ev CompletionEvent)
	OnJobCompleted(ev CompletionEvent)
}

// EventContext lets a job enrich its own completion events before they are
// dispatched. Jobs that implement it (for example process-running jobs that
// know their exit code) have Annotate called on each event.
type EventContext interface {
	Annotate(ev CompletionEvent) CompletionEvent
}

// Dispatcher fans completion events out to registered listeners. The zero
// value is ready to use. Register calls and dispatches may run concurrently.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []CompletionListener
}

// Register adds a listener. Listeners are invoked in registration order.
func (d *Dispatcher) Register(l CompletionListener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Dispatch delivers the event to every listener, isolating each call.
func (d *Dispatcher) Dispatch(ev CompletionEvent) {
	d.mu.RLock()
	snapshot := make([]CompletionListener, len(d.listeners))
	copy(snapshot, d.listeners)
	d.mu.RUnlock()

	for _, l := range snapshot {
		d.notify(l, ev)
	}
}

func (d *Dispatcher) notify(l CompletionListener, ev CompletionEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Dispatcher: listener panic on %s event for job %s: %v",
				ev.Status, ev.JobID, r)
		}
	}()

	if ev.Status == EventStarted {
		l.OnJobStarted(ev)
	} else {
		l.OnJobCompleted(ev)
	}
}
