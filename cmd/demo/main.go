package main

// ============================================================================
// Two-server demo: starts a pair of servers in one process, wires them
// together, submits a sleep task and prints every completion event until
// the task finishes or the process is interrupted.
//
//	go run ./cmd/demo
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowtree/flowtree/internal/behavior"
	"github.com/flowtree/flowtree/internal/config"
	"github.com/flowtree/flowtree/internal/server"
	"github.com/flowtree/flowtree/pkg/job"
	"github.com/flowtree/flowtree/pkg/jobs"
)

type printListener struct{ name string }

func (l printListener) OnJobStarted(ev job.CompletionEvent) {
	fmt.Printf("[%s] STARTED   %s\n", l.name, ev.Description)
}

func (l printListener) OnJobCompleted(ev job.CompletionEvent) {
	fmt.Printf("[%s] %-9s %s\n", l.name, ev.Status, ev.Description)
}

func demoProps() config.Properties {
	props := config.New()
	props.Set(config.KeyServerPort, "0")
	props.Set(config.KeyNodesInitial, "2")
	props.Set(config.KeyNodesPeers, "2")
	props.Set(config.KeyNodesJobs, "2")
	props.Set(config.KeyGroupSleep, "200ms")
	return props
}

func main() {
	a := server.New(demoProps())
	b := server.New(demoProps())

	a.RegisterListener(printListener{name: "server-a"})
	b.RegisterListener(printListener{name: "server-b"})

	if err := a.Start(); err != nil {
		log.Fatalf("start server a: %v", err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		log.Fatalf("start server b: %v", err)
	}
	defer b.Stop()

	ok, err := a.Open(context.Background(), 0, b.ListenAddr())
	if err != nil || !ok {
		log.Fatalf("connect servers: %v", err)
	}
	fmt.Printf("✓ %s connected to %s\n", a.ListenAddr(), b.ListenAddr())

	sched := behavior.NewScheduler(a, 500*time.Millisecond).
		Add(behavior.RandomRejoin{})
	sched.Start()
	defer sched.Stop()

	f := jobs.NewSleepFactory(5, 100*time.Millisecond)
	if err := a.SendTask(f, 0); err != nil {
		log.Fatalf("submit task: %v", err)
	}
	fmt.Printf("✓ submitted task %s (5 jobs)\n", f.TaskID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("\ninterrupted, shutting down")
			return
		case <-deadline:
			fmt.Println("demo timed out")
			return
		case <-ticker.C:
			if f.IsComplete() {
				fmt.Println("✓ task complete")
				return
			}
		}
	}
}
