package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arbor-sh/arbor/internal/orchestrator"
	"github.com/arbor-sh/arbor/internal/scheduler"
)

var (
	runFile     string
	runResume   string
	runSequence bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a task graph from a file",
	Long: `Execute the tasks described in a YAML file. Tasks may declare
dependencies on each other by name; independent tasks run in parallel
up to the configured concurrency.

The file looks like:

  name: release prep
  tasks:
    - name: build
      description: Build the project and report any errors.
    - name: test
      description: Run the test suite.
      depends_on: [build]

Examples:
  arbor run -f tasks.yaml
  arbor run -f tasks.yaml --sequential
  arbor run --resume session-1a2b3c4d`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Task file to execute")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume a previously interrupted session by ID")
	runCmd.Flags().BoolVar(&runSequence, "sequential", false, "Chain tasks in file order regardless of declared dependencies")
}

// taskFile is the on-disk task graph format.
type taskFile struct {
	Name  string `yaml:"name"`
	Tasks []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		DependsOn   []string `yaml:"depends_on"`
	} `yaml:"tasks"`
}

func runRun(cmd *cobra.Command, args []string) error {
	if runFile == "" && runResume == "" {
		return fmt.Errorf("either --file or --resume is required")
	}

	env, err := buildEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go printEvents(env.orch.Events())

	var res *orchestrator.RunResult
	if runResume != "" {
		res, err = env.orch.Resume(ctx, runResume)
	} else {
		res, err = runFromFile(ctx, env.orch)
	}
	if err != nil {
		if res != nil {
			printSummary(res)
		}
		return err
	}
	printSummary(res)
	if !res.AllSucceeded() {
		return fmt.Errorf("session %s finished with failures", res.SessionID)
	}
	return nil
}

func runFromFile(ctx context.Context, orch *orchestrator.Orchestrator) (*orchestrator.RunResult, error) {
	data, err := os.ReadFile(runFile)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s has no tasks", runFile)
	}
	if tf.Name == "" {
		tf.Name = runFile
	}

	specs := make([]scheduler.TaskSpec, 0, len(tf.Tasks))
	for _, t := range tf.Tasks {
		specs = append(specs, scheduler.TaskSpec{
			Name:        t.Name,
			Description: t.Description,
			DependsOn:   t.DependsOn,
		})
	}

	if runSequence {
		for i := range specs {
			specs[i].DependsOn = nil
		}
		return orch.RunWorkflow(ctx, tf.Name, specs)
	}

	s, err := orch.NewSession(tf.Name)
	if err != nil {
		return nil, err
	}
	if _, err := orch.AddTasks(s.ID, specs); err != nil {
		return nil, err
	}
	color.New(color.FgCyan).Printf("session %s: %d tasks\n", s.ID, len(specs))
	return orch.Run(ctx, s.ID)
}

func printEvents(events <-chan orchestrator.Event) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	for ev := range events {
		ts := ev.Time.Format("15:04:05")
		switch ev.Type {
		case orchestrator.EventTaskDispatched:
			fmt.Printf("%s  %s -> %s\n", ts, ev.TaskID, ev.SlotID)
		case orchestrator.EventTaskSucceeded:
			green.Printf("%s  %s succeeded\n", ts, ev.TaskID)
		case orchestrator.EventTaskFailed:
			red.Printf("%s  %s failed: %s\n", ts, ev.TaskID, ev.Message)
		case orchestrator.EventTaskSkipped:
			yellow.Printf("%s  %s skipped: %s\n", ts, ev.TaskID, ev.Message)
		case orchestrator.EventSessionFailed:
			red.Printf("%s  session failed: %s\n", ts, ev.Message)
		}
	}
}

func printSummary(res *orchestrator.RunResult) {
	fmt.Println()
	fmt.Printf("session %s: %s\n", res.SessionID, res.Status)
	color.New(color.FgGreen).Printf("  %d succeeded\n", res.Succeeded)
	if res.Failed > 0 {
		color.New(color.FgRed).Printf("  %d failed\n", res.Failed)
	}
	if res.Skipped > 0 {
		color.New(color.FgYellow).Printf("  %d skipped\n", res.Skipped)
	}
	if res.Remaining > 0 {
		fmt.Printf("  %d remaining (resume with: arbor run --resume %s)\n", res.Remaining, res.SessionID)
	}
	if d := duration(res); d > 0 {
		fmt.Printf("  finished in %s\n", d.Round(time.Millisecond))
	}
}

func duration(res *orchestrator.RunResult) time.Duration {
	var start, end time.Time
	for _, t := range res.Tasks {
		if t.StartedAt != nil && (start.IsZero() || t.StartedAt.Before(start)) {
			start = *t.StartedAt
		}
		if t.FinishedAt != nil && t.FinishedAt.After(end) {
			end = *t.FinishedAt
		}
	}
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return end.Sub(start)
}
