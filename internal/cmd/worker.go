package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/config"
	"github.com/3leaps/gofielding/internal/metrics"
	"github.com/3leaps/gofielding/internal/observability"
	"github.com/3leaps/gofielding/internal/worker"
	"github.com/3leaps/gofielding/pkg/jobregistry"
	"github.com/3leaps/gofielding/pkg/ledger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Plan and execute analysis jobs",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run worker loops until interrupted",
	Long: `Run one execution loop per --kind, plus a planner that enqueues candidate
jobs for every target in the current round and a reaper that resets jobs of
dead worker processes.

The tool for each kind comes from worker.commands in the config file, e.g.

  worker:
    commands:
      fuzzer: "afl-wrapper --timeout 3600"
      driller: "driller-wrapper"

The child receives GOFIELDING_JOB_ID, GOFIELDING_ARTIFACT_ID,
GOFIELDING_KIND, GOFIELDING_PAYLOAD and, when the blob store is reachable,
GOFIELDING_ARTIFACT_PATH. Exit status 0 records produced_output=true.

Examples:
  gofielding worker run --kind fuzzer --kind driller
  gofielding worker run --kind tester --no-plan`,
	RunE: runWorkerRun,
}

var workerPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one planner pass",
	RunE:  runWorkerPoll,
}

var workerCandidatesCmd = &cobra.Command{
	Use:   "candidates <artifact_id>",
	Short: "Show the jobs an artifact warrants",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerCandidates,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)
	workerCmd.AddCommand(workerPollCmd)
	workerCmd.AddCommand(workerCandidatesCmd)

	workerRunCmd.Flags().StringSlice("kind", nil, "Worker kinds to execute (repeatable)")
	workerRunCmd.Flags().Bool("no-plan", false, "Do not run the planner")
	workerRunCmd.Flags().Duration("idle", 5*time.Second, "Sleep between empty claims")
	workerRunCmd.Flags().String("match", "", "Only plan for targets matching this doublestar glob")

	workerPollCmd.Flags().String("match", "", "Only plan for targets matching this doublestar glob")
	workerPollCmd.Flags().Bool("json", false, "Output as JSON")

	workerCandidatesCmd.Flags().Bool("json", false, "Output as JSON")
}

// workerCommands turns worker.commands into argv per kind.
func workerCommands(cfg *config.Config) (map[ledger.WorkerKind][]string, error) {
	out := make(map[ledger.WorkerKind][]string, len(cfg.Worker.Commands))
	for name, line := range cfg.Worker.Commands {
		kind, err := ledger.ParseWorkerKind(name)
		if err != nil {
			return nil, fmt.Errorf("worker.commands: %w", err)
		}
		argv := strings.Fields(line)
		if len(argv) == 0 {
			continue
		}
		out[kind] = argv
	}
	return out, nil
}

func newPlanner(s *session, match string, m *metrics.Collector) (*worker.Planner, error) {
	if match == "" {
		match = s.cfg.Worker.TargetMatch
	}
	p, err := worker.NewPlanner(s.db, observability.CLILogger, m, worker.PlannerConfig{
		RateLimit:   s.cfg.Worker.RateLimit,
		TargetMatch: match,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid planner configuration", err)
	}
	return p, nil
}

func runWorkerRun(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("worker run"); err != nil {
		return err
	}
	kindFlags, _ := cmd.Flags().GetStringSlice("kind")
	noPlan, _ := cmd.Flags().GetBool("no-plan")
	idle, _ := cmd.Flags().GetDuration("idle")
	match, _ := cmd.Flags().GetString("match")

	kinds := make([]ledger.WorkerKind, 0, len(kindFlags))
	for _, k := range kindFlags {
		kind, err := ledger.ParseWorkerKind(k)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --kind value", err)
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 && noPlan {
		return exitError(foundry.ExitInvalidArgument, "Nothing to do", fmt.Errorf("pass --kind or drop --no-plan"))
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	commands, err := workerCommands(s.cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid worker configuration", err)
	}
	for _, kind := range kinds {
		if len(commands[kind]) == 0 {
			return exitError(foundry.ExitInvalidArgument, "Invalid worker configuration",
				fmt.Errorf("no command configured for %s jobs (set worker.commands.%s)", kind, kind))
		}
	}

	logger := observability.CLILogger
	var m *metrics.Collector
	if s.cfg.Metrics.Enabled {
		m = metrics.NewCollector()
		go func() {
			if err := m.Serve(ctx, s.cfg.Server.Host, s.cfg.Metrics.Port); err != nil {
				logger.Warn("Metrics listener stopped", zap.Error(err))
			}
		}()
	}

	var runner *worker.Runner
	if len(kinds) > 0 {
		blobs, err := s.openBlobs(ctx)
		if err != nil {
			logger.Warn("Blob store unavailable; workers fetch artifacts themselves", zap.Error(err))
			blobs = nil
		} else {
			defer func() { _ = blobs.Close() }()
		}
		exec := jobregistry.NewExecutor(s.cfg.Worker.RegistryDir)
		runner = worker.NewRunner(s.db, blobs, exec, worker.RunnerConfig{
			Commands:   commands,
			ScratchDir: s.cfg.Worker.ScratchDir,
		}, logger, m)
	}

	var wg sync.WaitGroup
	if !noPlan {
		planner, err := newPlanner(s, match, m)
		if err != nil {
			return err
		}
		reaper := worker.NewReaper(s.db, jobregistry.NewStore(s.cfg.Worker.RegistryDir), logger, m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			planLoop(ctx, planner, reaper, s.cfg.Worker.PollInterval)
		}()
	}
	for _, kind := range kinds {
		wg.Add(1)
		go func(kind ledger.WorkerKind) {
			defer wg.Done()
			logger.Info("Worker loop started", zap.String("kind", string(kind)))
			if err := runner.Loop(ctx, kind, idle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Worker loop stopped", zap.String("kind", string(kind)), zap.Error(err))
			}
		}(kind)
	}

	wg.Wait()
	logger.Info("Workers stopped")
	return nil
}

// planLoop polls the planner and reaps dead runs every interval until ctx
// is cancelled.
func planLoop(ctx context.Context, planner *worker.Planner, reaper *worker.Reaper, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		if res, err := reaper.Reap(ctx); err != nil && ctx.Err() == nil {
			observability.CLILogger.Warn("Reap failed", zap.Error(err))
		} else if res != nil && res.Reset > 0 {
			observability.CLILogger.Info("Reset abandoned jobs", zap.Int("reset", res.Reset))
		}
		if _, err := planner.Poll(ctx); err != nil && ctx.Err() == nil {
			if ledger.IsNoCurrentRound(err) || ledger.IsNotFound(err) {
				observability.CLILogger.Debug("No current round; nothing to plan")
			} else {
				observability.CLILogger.Warn("Poll failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func runWorkerPoll(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("worker poll"); err != nil {
		return err
	}
	match, _ := cmd.Flags().GetString("match")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	planner, err := newPlanner(s, match, nil)
	if err != nil {
		return err
	}
	res, err := planner.Poll(ctx)
	if err != nil {
		return ledgerExit("Poll failed", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, res)
	}
	_, _ = fmt.Fprintf(out, "round=%d targets=%d candidates=%d created=%d already_queued=%d\n",
		res.RoundNum, res.Targets, res.Candidates, res.Created, res.AlreadyQueued)
	return nil
}

func runWorkerCandidates(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id, err := parseID(args[0], "artifact id")
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	planner, err := newPlanner(s, "", nil)
	if err != nil {
		return err
	}
	specs, err := planner.Candidates(ctx, id)
	if err != nil {
		return ledgerExit(fmt.Sprintf("Unknown artifact %d", id), err)
	}

	out := cmd.OutOrStdout()
	if len(specs) == 0 {
		_, _ = fmt.Fprintln(out, "No candidate jobs")
		return nil
	}
	if jsonOutput {
		return printJSON(out, specs)
	}
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "WORKER\tPRIORITY\tPAYLOAD")
	for _, spec := range specs {
		payload := string(spec.Payload)
		if payload == "" {
			payload = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", spec.Kind, spec.Priority, payload)
	}
	return w.Flush()
}
