// Package main implements the foreman CLI: it loads a story file, plans
// dependency-ordered batches, and drives parallel coding-agent workers in
// isolated git worktrees.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgeworks/foreman/internal/agent"
	"github.com/forgeworks/foreman/internal/config"
	"github.com/forgeworks/foreman/internal/events"
	"github.com/forgeworks/foreman/internal/health"
	"github.com/forgeworks/foreman/internal/logging"
	"github.com/forgeworks/foreman/internal/metrics"
	"github.com/forgeworks/foreman/internal/orchestrator"
	"github.com/forgeworks/foreman/internal/persistence"
	"github.com/forgeworks/foreman/internal/retry"
	"github.com/forgeworks/foreman/internal/scheduler"
	"github.com/forgeworks/foreman/internal/worktree"
)

var (
	storiesPath string
	maxAge      time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Parallel coding-agent orchestrator",
	Long: `foreman executes a set of dependent stories through parallel coding-agent
workers, each isolated in its own git worktree and branch, and merges
finished work back to the base branch in a deterministic order.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute all stories to completion",
	RunE:  runRun,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the batch plan without executing anything",
	RunE:  runPlan,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show story and worker state for the latest run",
	RunE:  runStatus,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reclaim abandoned worktrees and stale heartbeat records",
	RunE:  runCleanup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storiesPath, "stories", "stories.json", "story file")
	cleanupCmd.Flags().DurationVar(&maxAge, "max-age", time.Hour, "reclaim workers idle longer than this")
	rootCmd.AddCommand(runCmd, planCmd, statusCmd, cleanupCmd)
}

// storyFile is the on-disk input format.
type storyFile struct {
	Stories []struct {
		ID        string   `json:"id"`
		Title     string   `json:"title"`
		DependsOn []string `json:"depends_on"`
		FileScope []string `json:"file_scope"`
		Priority  int      `json:"priority"`
		Completed bool     `json:"completed"`
	} `json:"stories"`
}

func loadGraph(path string) (*scheduler.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read story file: %w", err)
	}

	var file storyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse story file %s: %w", path, err)
	}

	tasks := make([]*scheduler.Task, 0, len(file.Stories))
	for _, s := range file.Stories {
		tasks = append(tasks, &scheduler.Task{
			ID:        s.ID,
			Title:     s.Title,
			DependsOn: s.DependsOn,
			FileScope: s.FileScope,
			Priority:  s.Priority,
			Completed: s.Completed,
		})
	}

	return scheduler.NewGraph(tasks)
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func statePath(cfg *config.Config, parts ...string) string {
	return filepath.Join(append([]string{cfg.State.Dir}, parts...)...)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	graph, err := loadGraph(storiesPath)
	if err != nil {
		return err
	}
	if err := graph.Validate(); err != nil {
		for _, cycle := range graph.DetectCycles(cfg.Scheduler.IncompleteOnly) {
			log.Error("dependency cycle", zap.Strings("cycle", cycle))
		}
		return err
	}

	if err := os.MkdirAll(cfg.State.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	pm := agent.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			log.Warn("failed to kill remaining agent processes", zap.Error(err))
		}
	}()

	monitor := health.NewMonitor(health.Config{
		Dir:           statePath(cfg, "heartbeats"),
		EventLogPath:  statePath(cfg, "health-events.jsonl"),
		HungThreshold: cfg.Health.HungThreshold,
		DeadThreshold: cfg.Health.DeadThreshold,
	}, log)

	retries := retry.NewHandler(retry.Config{
		MaxRetries:   cfg.Retry.MaxRetries,
		BaseBackoff:  cfg.Retry.BaseBackoff,
		Multiplier:   cfg.Retry.Multiplier,
		AuditLogPath: statePath(cfg, "retries.jsonl"),
	}, log)

	bus := events.NewBus(cfg.Events.HistoryCapacity, log)
	bus.Subscribe("**", func(e events.Event) {
		log.Info("event",
			zap.String("type", e.Type),
			zap.String("task", e.TaskID),
			zap.Any("data", e.Data))
	}, 0, nil)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(cfg.Metrics.ListenAddr, reg, log)
	}

	store, err := persistence.NewStore(ctx, statePath(cfg, "foreman.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	wt := worktree.NewManager(worktree.Config{
		RepoPath:    cfg.Repo.Path,
		BaseBranch:  cfg.Repo.BaseBranch,
		WorktreeDir: cfg.Repo.WorktreeDir,
	}, log)

	agents := agent.NewRunner(agent.Config{
		Command:           cfg.Agent.Command,
		Args:              cfg.Agent.Args,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		Timeout:           cfg.Agent.Timeout,
	}, pm, monitor, log)

	runner := orchestrator.New(orchestrator.Config{
		ConcurrencyLimit: cfg.Scheduler.ConcurrencyLimit,
		IncompleteOnly:   cfg.Scheduler.IncompleteOnly,
		HungThreshold:    cfg.Health.HungThreshold,
		GracePeriod:      cfg.Health.GracePeriod,
		CheckInterval:    cfg.Health.CheckInterval,
		Worktrees:        wt,
		Agents:           agents,
		Retries:          retries,
		Monitor:          monitor,
		Bus:              bus,
		Metrics:          m,
		Store:            store,
		Log:              log,
	})

	log.Info("run starting",
		zap.String("run", runner.RunID()),
		zap.Int("concurrency", cfg.Scheduler.ConcurrencyLimit))

	summary, err := runner.Execute(ctx, graph)
	if summary != nil {
		fmt.Print(summary.Describe())
	}
	if err != nil {
		return err
	}
	if len(summary.Failed) > 0 || len(summary.Conflicts) > 0 {
		return fmt.Errorf("%d stories need attention", len(summary.Failed)+len(summary.Conflicts))
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}

	graph, err := loadGraph(storiesPath)
	if err != nil {
		return err
	}

	plan, err := graph.ExecutionPlan(cfg.Scheduler.IncompleteOnly)
	if err != nil {
		for _, cycle := range graph.DetectCycles(cfg.Scheduler.IncompleteOnly) {
			fmt.Fprintf(os.Stderr, "cycle: %v\n", cycle)
		}
		return err
	}

	fmt.Printf("%d stories in %d batches (max width %d)\n",
		plan.TotalTasks, plan.BatchCount, plan.MaxWidth)
	for i, batch := range plan.Batches {
		fmt.Printf("batch %d:\n", i)
		for _, id := range batch {
			tp := plan.TaskPlans[id]
			fmt.Printf("  %s (priority %d) %s\n", tp.ID, tp.Priority, tp.Title)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, log, err := setup()
	if err != nil {
		return err
	}

	store, err := persistence.NewStore(ctx, statePath(cfg, "foreman.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	runID, err := store.LatestRun(ctx)
	if err != nil {
		return err
	}
	if runID == "" {
		fmt.Println("no runs recorded")
		return nil
	}

	stories, err := store.ListStories(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Printf("run %s\n", runID)
	for _, s := range stories {
		line := fmt.Sprintf("  [%d] %-10s %s", s.BatchIndex, s.Status, s.ID)
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Println(line)
	}

	monitor := health.NewMonitor(health.Config{
		Dir:           statePath(cfg, "heartbeats"),
		HungThreshold: cfg.Health.HungThreshold,
		DeadThreshold: cfg.Health.DeadThreshold,
	}, log)
	statuses, err := monitor.CheckAll()
	if err != nil {
		return err
	}
	for _, st := range statuses {
		fmt.Printf("  worker %s: %s (age %s)\n",
			st.WorkerID, st.State, st.Age.Round(time.Second))
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	wt := worktree.NewManager(worktree.Config{
		RepoPath:    cfg.Repo.Path,
		BaseBranch:  cfg.Repo.BaseBranch,
		WorktreeDir: cfg.Repo.WorktreeDir,
	}, log)

	reclaimed, err := wt.Cleanup(maxAge)
	if err != nil {
		return err
	}
	for _, id := range reclaimed {
		fmt.Printf("reclaimed worker for story %s\n", id)
	}

	monitor := health.NewMonitor(health.Config{
		Dir: statePath(cfg, "heartbeats"),
	}, log)
	purged, err := monitor.Cleanup(maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("%d worktrees reclaimed, %d heartbeat records purged\n",
		len(reclaimed), purged)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("metrics listener started", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics listener stopped", zap.Error(err))
	}
}
