// ============================================================================
// Flowtree CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: User-facing commands built on the Cobra framework
//
// Command Structure:
//   flowtree                       # Root command
//   ├── run                        # Start a server
//   │   ├── --config, -c          # YAML config file
//   │   └── --property, -P        # key=value property overrides
//   ├── send                       # Submit a task to a running server
//   │   ├── --addr, -a            # Target server host:port
//   │   ├── --sleep / --count     # Build a sleep task
//   │   ├── --prompt, -p          # Build a command task (repeatable)
//   │   └── [TOKEN]               # Or submit a pre-encoded task token
//   ├── status                     # Show config, peers and event history
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// run Command:
//   1. Load the YAML config and apply -P overrides
//   2. Create the server; attach event store and webhook listeners when
//      configured
//   3. Start the server and the maintenance scheduler (seed join + random
//      rejoin)
//   4. Block on SIGINT/SIGTERM, then gracefully stop
//
// Signal Handling:
//   SIGINT and SIGTERM trigger a graceful stop: the listener closes, nodes
//   finish their in-flight jobs and resolve their futures, and the process
//   exits cleanly.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowtree/flowtree/internal/behavior"
	"github.com/flowtree/flowtree/internal/config"
	"github.com/flowtree/flowtree/internal/notify"
	"github.com/flowtree/flowtree/internal/server"
	"github.com/flowtree/flowtree/internal/store"
	"github.com/flowtree/flowtree/pkg/jobs"
)

// Version is stamped by the build.
var Version = "dev"

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "flowtree",
		Short:   "Peer-to-peer distributed job execution network",
		Version: Version,
		Long: `Flowtree runs a bounded group of nodes in each server process.
Nodes discover peers, exchange encoded jobs over TCP and report completion
through futures and pluggable listeners.`,
	}

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSendCommand())
	rootCmd.AddCommand(buildStatusCommand())
	return rootCmd
}

// loadProperties reads the optional YAML config and applies -P overrides.
func loadProperties(configPath string, overrides []string) (config.Properties, error) {
	props := config.New()
	if configPath != "" {
		loaded, err := config.LoadYAML(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		props = loaded
	}
	if err := props.Apply(overrides); err != nil {
		return nil, err
	}
	return props, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var configPath string
	var overrides []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a server and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := loadProperties(configPath, overrides)
			if err != nil {
				return err
			}
			return runServer(props)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringArrayVarP(&overrides, "property", "P", nil, "property override key=value")
	return cmd
}

func runServer(props config.Properties) error {
	s := server.New(props)

	// Durable event history.
	var eventStore *store.EventStore
	if path := props.Get(config.KeyEventsDB, ""); path != "" {
		es, err := store.Open(path)
		if err != nil {
			return err
		}
		eventStore = es
		s.RegisterListener(es)
		log.Printf("CLI: recording completion events to %s", path)
	}

	// Chat notifications.
	if url := props.Get(config.KeyNotifyWebhook, ""); url != "" {
		s.RegisterListener(notify.NewWebhookNotifier(url))
		log.Printf("CLI: notifying webhook on terminal events")
	}

	if err := s.Start(); err != nil {
		return err
	}

	interval := props.GetDuration(config.KeyGroupSleep, config.DefaultGroupSleep)
	sched := behavior.NewScheduler(s, interval).
		Add(behavior.SeedJoin{}).
		Add(behavior.RandomRejoin{})
	sched.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("CLI: received %s, shutting down", sig)

	sched.Stop()
	s.Stop()
	if eventStore != nil {
		eventStore.Close()
	}
	return nil
}

// ============================================================================
// send
// ============================================================================

func buildSendCommand() *cobra.Command {
	var addr string
	var sleep time.Duration
	var count int
	var prompts []string
	var workstream string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send [TOKEN]",
		Short: "Submit a task to a running server",
		Long: `Submits one task, built from flags or given directly as an encoded
token. Completion is observed on the receiving server through its
listeners; send itself is fire-and-forget.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			encoded, err := buildTaskToken(args, sleep, count, prompts, workstream)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := server.SubmitTask(ctx, addr, encoded, timeout); err != nil {
				return fmt.Errorf("submit to %s: %w", addr, err)
			}
			fmt.Printf("task submitted to %s\n", addr)
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", fmt.Sprintf("localhost:%d", config.DefaultPort), "target server host:port")
	cmd.Flags().DurationVar(&sleep, "sleep", 0, "sleep duration per job of a sleep task")
	cmd.Flags().IntVar(&count, "count", 1, "job count of a sleep task")
	cmd.Flags().StringArrayVarP(&prompts, "prompt", "p", nil, "command prompt line (repeatable, builds a command task)")
	cmd.Flags().StringVar(&workstream, "workstream", "", "workstream tag for command tasks")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect timeout")
	return cmd
}

func buildTaskToken(args []string, sleep time.Duration, count int,
	prompts []string, workstream string) (string, error) {

	if len(args) == 1 {
		if len(prompts) > 0 {
			return "", fmt.Errorf("cannot combine an encoded token with --prompt")
		}
		return args[0], nil
	}

	if len(prompts) > 0 {
		f := jobs.NewCommandFactory(prompts...)
		if workstream != "" {
			f.SetWorkstream(workstream)
		}
		return f.Encode(), nil
	}

	return jobs.NewSleepFactory(count, sleep).Encode(), nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var configPath string
	var overrides []string
	var addr string
	var workstream string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, reachable peers and event history",
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := loadProperties(configPath, overrides)
			if err != nil {
				return err
			}
			return showStatus(props, addr, workstream, timeout)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringArrayVarP(&overrides, "property", "P", nil, "property override key=value")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "query a running server's peers")
	cmd.Flags().StringVar(&workstream, "workstream", "", "show recent events of a workstream")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect timeout")
	return cmd
}

func showStatus(props config.Properties, addr, workstream string, timeout time.Duration) error {
	fmt.Println("=== Flowtree Status ===")
	fmt.Printf("Port:            %d\n", props.GetInt(config.KeyServerPort, config.DefaultPort))
	fmt.Printf("Nodes:           %d\n", props.GetInt(config.KeyNodesInitial, config.DefaultNodes))
	fmt.Printf("Peers per node:  %d\n", props.GetInt(config.KeyNodesPeers, config.DefaultMaxPeers))
	fmt.Printf("Jobs per node:   %d\n", props.GetInt(config.KeyNodesJobs, config.DefaultMaxJobs))

	if seeds := props.SeedServers(); len(seeds) > 0 {
		fmt.Printf("Seed servers:    %s\n", strings.Join(seeds, ", "))
	} else {
		fmt.Println("Seed servers:    (none)")
	}

	if addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		peers, err := server.QueryPeers(ctx, addr, timeout)
		if err != nil {
			fmt.Printf("Peers at %s: unreachable (%v)\n", addr, err)
		} else if len(peers) == 0 {
			fmt.Printf("Peers at %s: (none)\n", addr)
		} else {
			fmt.Printf("Peers at %s: %s\n", addr, strings.Join(peers, ", "))
		}
	}

	if workstream != "" {
		path := props.Get(config.KeyEventsDB, "")
		if path == "" {
			return fmt.Errorf("no %s configured; cannot show event history", config.KeyEventsDB)
		}
		es, err := store.Open(path)
		if err != nil {
			return err
		}
		defer es.Close()

		records, err := es.Recent(workstream, 20)
		if err != nil {
			return err
		}
		fmt.Printf("\nRecent events for %s:\n", workstream)
		if len(records) == 0 {
			fmt.Println("  (none)")
		}
		for _, r := range records {
			line := fmt.Sprintf("  %s  %-9s  job %s", r.CreatedAt.Format(time.RFC3339), r.Status, r.JobID)
			if r.Error != "" {
				line += "  " + r.Error
			}
			fmt.Println(line)
		}
	}
	return nil
}
