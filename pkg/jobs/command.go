// ============================================================================
// Flowtree Command Job - External Process Execution
// ============================================================================
//
// Package: pkg/jobs
// File: command.go
// Function: Jobs that run an external command per submitted prompt line
//
// How it works:
//   A CommandFactory carries a list of prompt lines. Each NextJob call turns
//   one line into a CommandJob, which runs it through the configured shell
//   in the configured working directory. The prompt and directory travel
//   Base64 protected on the wire since they routinely contain separator
//   characters.
//
//   The job records its exit code and a per-run session id, and annotates
//   its completion events with both, so downstream listeners (chat
//   notifiers, the event store) can render the outcome without re-querying
//   the job.
//
// ============================================================================

package jobs

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/flowtree/flowtree/pkg/job"
)

// Type names used in the wire token format.
const (
	CommandJobType     = "flowtree.CommandJob"
	CommandFactoryType = "flowtree.CommandFactory"
)

// PromptSeparator joins multiple prompt lines into one wire field.
const PromptSeparator = ";;PROMPT;;"

// defaultShell runs the prompt line. Overridable per job via the "shell"
// property.
const defaultShell = "/bin/sh"

// CommandJob executes one prompt line as an external process.
type CommandJob struct {
	job.Base
	completion *job.Completion

	sessionID string
	exitCode  atomic.Int32
}

// NewCommandJob returns a job that runs the given prompt line.
func NewCommandJob(taskID, prompt string) *CommandJob {
	j := &CommandJob{completion: job.NewCompletion()}
	j.Set("task", taskID)
	j.Set("prompt", prompt)
	return j
}

func (j *CommandJob) TaskID() string             { return j.Get("task") }
func (j *CommandJob) Completion() *job.Completion { return j.completion }
func (j *CommandJob) Encode() string             { return job.EncodeProps(CommandJobType, &j.Base) }

// SetWorkingDirectory sets the directory the command runs in.
func (j *CommandJob) SetWorkingDirectory(dir string) { j.Set("dir", dir) }

// SessionID identifies the last execution of this job.
func (j *CommandJob) SessionID() string { return j.sessionID }

// ExitCode reports the exit code of the last execution.
func (j *CommandJob) ExitCode() int { return int(j.exitCode.Load()) }

func (j *CommandJob) String() string {
	p := j.Get("prompt")
	if len(p) > 50 {
		p = p[:47] + "..."
	}
	return "CommandJob[" + j.Get("task") + " " + p + "]"
}

// Run executes the prompt line and waits for the process to exit. A non-zero
// exit status is a job failure.
func (j *CommandJob) Run(ctx context.Context) error {
	prompt := j.Get("prompt")
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("command job %s has no prompt", j.TaskID())
	}

	shell := j.Get("shell")
	if shell == "" {
		shell = defaultShell
	}

	j.sessionID = uuid.NewString()

	cmd := exec.CommandContext(ctx, shell, "-c", prompt)
	if dir := j.Get("dir"); dir != "" {
		cmd.Dir = dir
	}

	out, err := cmd.CombinedOutput()
	if cmd.ProcessState != nil {
		j.exitCode.Store(int32(cmd.ProcessState.ExitCode()))
	} else {
		j.exitCode.Store(-1)
	}

	if err != nil {
		return fmt.Errorf("command exited: %w (output: %s)", err, truncate(string(out), 200))
	}
	return nil
}

// Annotate enriches completion events with the execution context.
func (j *CommandJob) Annotate(ev job.CompletionEvent) job.CompletionEvent {
	ev = ev.WithSession(j.Get("prompt"), j.sessionID, j.ExitCode())
	if branch := j.Get("branch"); branch != "" {
		ev = ev.WithGitInfo(branch, "", nil)
	}
	return ev
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// CommandFactory fabricates one CommandJob per prompt line. The cursor is
// advanced by a node's drain loop while submitters poll IsComplete, so it
// lives behind its own mutex.
type CommandFactory struct {
	job.Base

	mu       sync.Mutex
	priority float64
	index    int
}

// NewCommandFactory returns a factory over the given prompt lines.
func NewCommandFactory(prompts ...string) *CommandFactory {
	f := &CommandFactory{priority: 1.0}
	f.Set("task", uuid.NewString())
	if len(prompts) > 0 {
		f.Set("prompts", strings.Join(prompts, PromptSeparator))
	}
	return f
}

func (f *CommandFactory) TaskID() string { return f.Get("task") }

// SetWorkingDirectory applies to every job this factory produces.
func (f *CommandFactory) SetWorkingDirectory(dir string) { f.Set("dir", dir) }

// SetWorkstream tags produced jobs with a workstream id for event routing.
func (f *CommandFactory) SetWorkstream(id string) { f.Set("workstream", id) }

// SetTargetBranch attaches version-control context to produced jobs.
func (f *CommandFactory) SetTargetBranch(branch string) { f.Set("branch", branch) }

func (f *CommandFactory) prompts() []string {
	raw := f.Get("prompts")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, PromptSeparator)
}

func (f *CommandFactory) NextJob() job.Job {
	p := f.prompts()

	f.mu.Lock()
	if f.index >= len(p) {
		f.mu.Unlock()
		return nil
	}
	prompt := p[f.index]
	f.index++
	f.mu.Unlock()

	j := NewCommandJob(f.TaskID(), prompt)
	for _, key := range []string{"dir", "workstream", "branch", "shell"} {
		if v := f.Get(key); v != "" {
			j.Set(key, v)
		}
	}
	return j
}

func (f *CommandFactory) IsComplete() bool {
	p := f.prompts()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index >= len(p)
}

func (f *CommandFactory) Completeness() float64 {
	p := f.prompts()
	if len(p) == 0 {
		return 1.0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return float64(f.index) / float64(len(p))
}

func (f *CommandFactory) Priority() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priority
}

func (f *CommandFactory) SetPriority(p float64) {
	f.mu.Lock()
	f.priority = p
	f.mu.Unlock()
}

func (f *CommandFactory) Encode() string { return job.EncodeProps(CommandFactoryType, &f.Base) }

func (f *CommandFactory) String() string {
	return "CommandFactory[task=" + f.TaskID() +
		" prompts=" + strconv.Itoa(len(f.prompts())) + "]"
}
