package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofielding/internal/observability"
	"github.com/3leaps/gofielding/internal/worker"
	"github.com/3leaps/gofielding/pkg/jobregistry"
	"github.com/3leaps/gofielding/pkg/ledger"
	"github.com/3leaps/gofielding/pkg/output"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage the deduplicating job queue",
	Long: `Manage the job queue workers pull from.

Enqueueing is idempotent per worker kind: fuzzer and patcher jobs are
deduplicated while an earlier job for the artifact is still open, driller,
tester and exploiter jobs once per input for the life of the ledger.`,
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a job unless an equivalent one exists",
	Long: `Enqueue a job unless an equivalent one exists.

Examples:
  gofielding job enqueue --artifact 1 --kind fuzzer
  gofielding job enqueue --artifact 1 --kind driller --payload '{"test_id": 7}'`,
	RunE: runJobEnqueue,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobList,
}

var jobClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim and start the best waiting job of a kind",
	RunE:  runJobClaim,
}

var jobStartCmd = &cobra.Command{
	Use:   "start <job_id>",
	Short: "Mark a job started",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStart,
}

var jobCompleteCmd = &cobra.Command{
	Use:   "complete <job_id>",
	Short: "Mark a started job completed",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobComplete,
}

var jobResetCmd = &cobra.Command{
	Use:   "reset <job_id>",
	Short: "Return a started or completed job to created",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobReset,
}

var jobReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Reset jobs whose worker process died",
	Long: `Scan the local run registry for runs whose process is gone and reset
their ledger jobs so another worker can claim them.`,
	RunE: runJobReap,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobEnqueueCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobClaimCmd)
	jobCmd.AddCommand(jobStartCmd)
	jobCmd.AddCommand(jobCompleteCmd)
	jobCmd.AddCommand(jobResetCmd)
	jobCmd.AddCommand(jobReapCmd)

	jobEnqueueCmd.Flags().Int64("artifact", 0, "Artifact id (required)")
	jobEnqueueCmd.Flags().String("kind", string(ledger.KindDefault), "Worker kind")
	jobEnqueueCmd.Flags().Int("priority", 0, "Priority; higher runs first")
	jobEnqueueCmd.Flags().String("payload", "", "JSON payload")
	jobEnqueueCmd.Flags().Int64("cpu", 0, "CPU limit")
	jobEnqueueCmd.Flags().Int64("memory", 0, "Memory limit")
	jobEnqueueCmd.Flags().Int64("time", 0, "Time limit in seconds")
	jobEnqueueCmd.Flags().Bool("json", false, "Output as JSON")

	jobListCmd.Flags().Int64("artifact", 0, "Only jobs for this artifact")
	jobListCmd.Flags().String("kind", "", "Only jobs of this worker kind")
	jobListCmd.Flags().String("state", "", "Only jobs in this state: created, started or completed")
	jobListCmd.Flags().Int("limit", 0, "Maximum number of jobs (0 = all)")
	jobListCmd.Flags().Bool("json", false, "Output as JSON")
	jobListCmd.Flags().Bool("jsonl", false, "Output gofielding.job.v1 JSONL records")

	jobClaimCmd.Flags().String("kind", "", "Worker kind (required)")
	jobClaimCmd.Flags().Bool("json", false, "Output as JSON")

	jobStartCmd.Flags().Bool("json", false, "Output as JSON")
	jobCompleteCmd.Flags().Bool("produced-output", false, "Record whether the job produced output")
	jobCompleteCmd.Flags().Bool("json", false, "Output as JSON")
	jobResetCmd.Flags().Bool("json", false, "Output as JSON")

	jobReapCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobEnqueue(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("job enqueue"); err != nil {
		return err
	}
	artifactID, _ := cmd.Flags().GetInt64("artifact")
	kindFlag, _ := cmd.Flags().GetString("kind")
	priority, _ := cmd.Flags().GetInt("priority")
	payload, _ := cmd.Flags().GetString("payload")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if artifactID <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --artifact value", fmt.Errorf("--artifact is required"))
	}
	kind, err := ledger.ParseWorkerKind(kindFlag)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --kind value", err)
	}
	spec := ledger.JobSpec{ArtifactID: artifactID, Kind: kind, Priority: priority}
	if payload != "" {
		spec.Payload = json.RawMessage(payload)
	}
	for flag, dst := range map[string]**int64{"cpu": &spec.Limits.CPU, "memory": &spec.Limits.Memory, "time": &spec.Limits.Time} {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetInt64(flag)
			*dst = &v
		}
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	job, created, err := ledger.EnqueueJob(ctx, s.db, spec)
	if err != nil {
		if ledger.IsInvariantViolation(err) {
			return exitError(foundry.ExitInvalidArgument, "Invalid job payload", err)
		}
		return ledgerExit("Failed to enqueue job", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, struct {
			Job     *ledger.Job `json:"job"`
			Created bool        `json:"created"`
		}{job, created})
	}
	status := "created"
	if !created {
		status = "already queued"
	}
	_, _ = fmt.Fprintf(out, "job_id=%d worker=%s %s\n", job.ID, job.Kind, status)
	return nil
}

func runJobList(cmd *cobra.Command, _ []string) error {
	artifactID, _ := cmd.Flags().GetInt64("artifact")
	kindFlag, _ := cmd.Flags().GetString("kind")
	stateFlag, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jsonlOutput, _ := cmd.Flags().GetBool("jsonl")

	filter := ledger.JobFilter{ArtifactID: artifactID, Limit: limit}
	if kindFlag != "" {
		kind, err := ledger.ParseWorkerKind(kindFlag)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --kind value", err)
		}
		filter.Kind = kind
	}
	if stateFlag != "" {
		state, err := ledger.ParseJobState(stateFlag)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --state value", err)
		}
		filter.State = state
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	jobs, err := ledger.ListJobs(ctx, s.db, filter)
	if err != nil {
		return ledgerExit("Failed to list jobs", err)
	}
	out := cmd.OutOrStdout()
	if jsonlOutput {
		return writeJobRecords(ctx, out, jobs, s.cfg.Team.SelfName)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	if jsonOutput {
		return printJSON(out, jobs)
	}
	return renderJobs(out, jobs)
}

func writeJobRecords(ctx context.Context, out io.Writer, jobs []ledger.Job, team string) error {
	w := output.NewJSONLWriter(out, uuid.New().String(), team)
	defer func() { _ = w.Close() }()
	for _, j := range jobs {
		rec := &output.JobRecord{
			JobID:       j.ID,
			ArtifactID:  j.ArtifactID,
			Worker:      string(j.Kind),
			State:       string(j.State()),
			Priority:    j.Priority,
			InputKey:    j.InputKey,
			Payload:     j.Payload,
			CreatedAt:   j.CreatedAt,
			StartedAt:   j.StartedAt,
			CompletedAt: j.CompletedAt,
		}
		if err := w.WriteJob(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func renderJobs(out io.Writer, jobs []ledger.Job) error {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "JOB ID\tARTIFACT\tWORKER\tPRIORITY\tSTATE\tINPUT\tSTARTED\tCOMPLETED\tOUTPUT")
	for _, j := range jobs {
		output := "-"
		if j.ProducedOutput != nil {
			output = fmt.Sprintf("%t", *j.ProducedOutput)
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			j.ID,
			j.ArtifactID,
			j.Kind,
			j.Priority,
			j.State(),
			formatOptionalString(j.InputKey),
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.CompletedAt),
			output,
		)
	}
	return w.Flush()
}

func runJobClaim(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("job claim"); err != nil {
		return err
	}
	kindFlag, _ := cmd.Flags().GetString("kind")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	kind, err := ledger.ParseWorkerKind(kindFlag)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --kind value", err)
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	job, err := ledger.ClaimJob(ctx, s.db, kind, time.Now())
	if err != nil {
		if ledger.IsNotFound(err) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No %s jobs waiting\n", kind)
			return nil
		}
		return ledgerExit("Failed to claim job", err)
	}
	return printJobTransition(cmd, job, jsonOutput)
}

func runJobStart(cmd *cobra.Command, args []string) error {
	return transitionJob(cmd, args[0], "job start", func(s *session, id int64) (*ledger.Job, error) {
		return ledger.StartJob(commandContext(cmd), s.db, id, time.Now())
	})
}

func runJobComplete(cmd *cobra.Command, args []string) error {
	var produced *bool
	if cmd.Flags().Changed("produced-output") {
		v, _ := cmd.Flags().GetBool("produced-output")
		produced = &v
	}
	return transitionJob(cmd, args[0], "job complete", func(s *session, id int64) (*ledger.Job, error) {
		return ledger.CompleteJob(commandContext(cmd), s.db, id, time.Now(), produced)
	})
}

func runJobReset(cmd *cobra.Command, args []string) error {
	return transitionJob(cmd, args[0], "job reset", func(s *session, id int64) (*ledger.Job, error) {
		return ledger.ResetJob(commandContext(cmd), s.db, id)
	})
}

func transitionJob(cmd *cobra.Command, arg, action string, fn func(*session, int64) (*ledger.Job, error)) error {
	if err := requireWritable(action); err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id, err := parseID(arg, "job id")
	if err != nil {
		return err
	}

	s, err := openSession(commandContext(cmd))
	if err != nil {
		return err
	}
	defer s.Close()

	job, err := fn(s, id)
	if err != nil {
		return ledgerExit(fmt.Sprintf("Cannot %s %d", action, id), err)
	}
	return printJobTransition(cmd, job, jsonOutput)
}

func printJobTransition(cmd *cobra.Command, job *ledger.Job, jsonOutput bool) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, job)
	}
	_, _ = fmt.Fprintf(out, "job_id=%d worker=%s state=%s\n", job.ID, job.Kind, job.State())
	return nil
}

func runJobReap(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("job reap"); err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	runs := jobregistry.NewStore(s.cfg.Worker.RegistryDir)
	res, err := worker.NewReaper(s.db, runs, observability.CLILogger, nil).Reap(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Reap failed", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, res)
	}
	_, _ = fmt.Fprintf(out, "unknown=%d reset=%d settled=%d failed=%d\n", res.Unknown, res.Reset, res.Settled, res.Failed)
	return nil
}
