package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/orcaops/orcaops/pkg/config"
	"github.com/orcaops/orcaops/pkg/logging"
	"github.com/orcaops/orcaops/pkg/manager"
	"github.com/orcaops/orcaops/pkg/metrics"
	"github.com/orcaops/orcaops/pkg/schema"
	"github.com/orcaops/orcaops/pkg/store"
	"github.com/orcaops/orcaops/pkg/workflow"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	baseDir  string
	logLevel string

	runImage     string
	runCommands  []string
	runEnv       []string
	runArtifacts []string
	runTags      []string
	runWorkspace string
	runJobID     string
	runTTL       int
	runCleanup   string
	runDetach    bool

	listStatus    []string
	listImage     string
	listTag       string
	listWorkspace string
	listSince     string
	listLimit     int
	listJSON      bool

	reportDays int
)

var rootCmd = &cobra.Command{
	Use:          "orcaopsd",
	Short:        "Container sandbox job and workflow execution daemon",
	Long:         "orcaopsd runs untrusted commands in throwaway containers: single jobs, dependency-ordered workflows, per-workspace guardrails, and run observability.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [job-file]",
	Short: "Execute a single sandbox job and wait for it",
	Long: `Execute one job against the container backend and block until it
reaches a terminal state. The job comes from a YAML or JSON JobSpec file,
or is assembled from --image and --cmd flags; each --cmd string runs
through /bin/sh -c inside the container.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		spec, err := jobSpecFromInvocation(args)
		if err != nil {
			return err
		}

		d, err := newDaemon(cfg, logger)
		if err != nil {
			return err
		}
		defer closeDaemon(d)
		startupReconcile(d)

		rec, err := d.jobs.Submit(cmd.Context(), spec, cliActor())
		if err != nil {
			return err
		}
		if runDetach {
			return printJSON(rec)
		}

		final, err := awaitJob(cmd.Context(), d.jobs, rec.JobID)
		if err != nil {
			return err
		}
		if err := printJSON(final); err != nil {
			return err
		}
		if final.Status != schema.StatusSuccess {
			return fmt.Errorf("job %s finished %s", final.JobID, final.Status)
		}
		return nil
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Workflow operations",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Execute a workflow spec and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		spec, err := workflow.LoadSpec(args[0])
		if err != nil {
			return err
		}

		d, err := newDaemon(cfg, logger)
		if err != nil {
			return err
		}
		defer closeDaemon(d)
		startupReconcile(d)

		snap, err := d.flowMgr.Submit(cmd.Context(), spec, cliActor())
		if err != nil {
			return err
		}
		final, err := awaitWorkflow(cmd.Context(), d.flowMgr, snap.WorkflowID)
		if err != nil {
			return err
		}
		if err := printJSON(final); err != nil {
			return err
		}
		if final.Status != schema.WorkflowSuccess {
			return fmt.Errorf("workflow %s finished %s", final.WorkflowID, final.Status)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored run records",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		runs, err := store.NewRunStore(cfg.BaseDir, logger)
		if err != nil {
			return err
		}

		f := store.Filter{
			Image:       listImage,
			WorkspaceID: listWorkspace,
			Limit:       listLimit,
		}
		for _, s := range listStatus {
			f.Status = append(f.Status, schema.JobStatus(strings.ToUpper(s)))
		}
		if listTag != "" {
			f.Tags = []string{listTag}
		}
		if listSince != "" {
			d, err := time.ParseDuration(listSince)
			if err != nil {
				return fmt.Errorf("invalid --since duration %q: %w", listSince, err)
			}
			f.Since = time.Now().Add(-d)
		}

		recs, err := runs.List(f)
		if err != nil {
			return err
		}
		if listJSON {
			for _, rec := range recs {
				if err := printJSON(rec); err != nil {
					return err
				}
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tSTATUS\tIMAGE\tWORKSPACE\tCREATED\tDURATION")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.JobID,
				rec.Status,
				rec.Spec.Image,
				rec.Spec.WorkspaceID,
				rec.CreatedAt.Format(time.RFC3339),
				rec.Duration().Round(time.Millisecond),
			)
		}
		return w.Flush()
	},
}

var runsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Print one run record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		runs, err := store.NewRunStore(cfg.BaseDir, logger)
		if err != nil {
			return err
		}
		rec, err := runs.Get(args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark runs and workflows stranded by a dead process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		d, err := newDaemon(cfg, logger)
		if err != nil {
			return err
		}
		defer closeDaemon(d)

		orphanedJobs, orphanedFlows, err := d.reconcile()
		if err != nil {
			return err
		}
		fmt.Printf("reconciled %d jobs, %d workflows\n", orphanedJobs, orphanedFlows)
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Historical metrics over stored runs",
}

var metricsReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Aggregate stored runs over a trailing window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		runs, err := store.NewRunStore(cfg.BaseDir, logger)
		if err != nil {
			return err
		}
		agg := metrics.NewAggregator(runs, logger)
		now := time.Now().UTC()
		report, err := agg.Compute(now.AddDate(0, 0, -reportDays), now)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orcaopsd %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a .env configuration file")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "Persistence root (overrides ORCAOPS_BASE_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	runCmd.Flags().StringVar(&runImage, "image", "", "Container image to run")
	runCmd.Flags().StringArrayVar(&runCommands, "cmd", nil, "Command to run via /bin/sh -c (repeatable, ordered)")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	runCmd.Flags().StringArrayVar(&runArtifacts, "artifact", nil, "Artifact path or glob to extract (repeatable)")
	runCmd.Flags().StringArrayVar(&runTags, "tag", nil, "Tag attached to the run (repeatable)")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "Workspace the job runs under")
	runCmd.Flags().StringVar(&runJobID, "job-id", "", "Explicit job id (generated when empty)")
	runCmd.Flags().IntVar(&runTTL, "ttl", 300, "Job time budget in seconds")
	runCmd.Flags().StringVar(&runCleanup, "cleanup", "", "Cleanup policy: always_remove, remove_on_completion, keep_on_completion, never_remove")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "Submit and print the queued record without waiting")

	runsListCmd.Flags().StringSliceVar(&listStatus, "status", nil, "Filter by status (repeatable)")
	runsListCmd.Flags().StringVar(&listImage, "image", "", "Filter by image glob")
	runsListCmd.Flags().StringVar(&listTag, "tag", "", "Filter by tag")
	runsListCmd.Flags().StringVar(&listWorkspace, "workspace", "", "Filter by workspace")
	runsListCmd.Flags().StringVar(&listSince, "since", "", "Only runs created within this duration (e.g. 24h)")
	runsListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum records to print")
	runsListCmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON records instead of a table")

	metricsReportCmd.Flags().IntVar(&reportDays, "days", 7, "Trailing window in days")

	workflowCmd.AddCommand(workflowRunCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsGetCmd)
	metricsCmd.AddCommand(metricsReportCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfigAndLogger resolves the effective configuration and builds the
// process logger. A ./.env file is picked up when no --config is given.
func loadConfigAndLogger() (*config.Config, zerolog.Logger, error) {
	envFile := cfgFile
	if envFile == "" {
		if _, err := os.Stat(".env"); err == nil {
			envFile = ".env"
		}
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if baseDir != "" {
		cfg.BaseDir = baseDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Console: cfg.LogConsole})
	return cfg, logger, nil
}

// jobSpecFromInvocation builds the job spec from the file argument or the
// run flags. Flags layer on top of a loaded file.
func jobSpecFromInvocation(args []string) (schema.JobSpec, error) {
	var spec schema.JobSpec
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return spec, fmt.Errorf("failed to read job file: %w", err)
		}
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("malformed job file %s: %w", args[0], err)
		}
	}

	if runImage != "" {
		spec.Image = runImage
	}
	for _, c := range runCommands {
		spec.Commands = append(spec.Commands, schema.Command{"/bin/sh", "-c", c})
	}
	for _, kv := range runEnv {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return spec, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		if spec.Env == nil {
			spec.Env = map[string]string{}
		}
		spec.Env[parts[0]] = parts[1]
	}
	spec.Artifacts = append(spec.Artifacts, runArtifacts...)
	spec.Tags = append(spec.Tags, runTags...)
	if runWorkspace != "" {
		spec.WorkspaceID = runWorkspace
	}
	if runJobID != "" {
		spec.JobID = runJobID
	}
	if spec.TTLSeconds == 0 {
		spec.TTLSeconds = runTTL
	}
	if runCleanup != "" {
		spec.CleanupPolicy = schema.CleanupPolicy(runCleanup)
	}
	return spec, nil
}

func cliActor() manager.Actor {
	id := os.Getenv("USER")
	if id == "" {
		id = "operator"
	}
	return manager.Actor{Type: "user", ID: id}
}

// awaitJob blocks on the job. When the command context dies first the job
// is cancelled and given a bounded window to settle.
func awaitJob(ctx context.Context, jobs *manager.JobManager, jobID string) (*schema.RunRecord, error) {
	rec, err := jobs.Wait(ctx, jobID)
	if err == nil {
		return rec, nil
	}
	_ = jobs.Cancel(jobID, cliActor())
	settleCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	return jobs.Wait(settleCtx, jobID)
}

func awaitWorkflow(ctx context.Context, flows *workflow.Manager, workflowID string) (*schema.WorkflowRecord, error) {
	rec, err := flows.Wait(ctx, workflowID)
	if err == nil {
		return rec, nil
	}
	_ = flows.Cancel(workflowID, cliActor())
	settleCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	return flows.Wait(settleCtx, workflowID)
}

func closeDaemon(d *daemon) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	d.Close(ctx)
}

func startupReconcile(d *daemon) {
	orphanedJobs, orphanedFlows, err := d.reconcile()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Startup reconciliation failed")
		return
	}
	if orphanedJobs > 0 || orphanedFlows > 0 {
		d.logger.Info().
			Int("jobs", orphanedJobs).
			Int("workflows", orphanedFlows).
			Msg("Reconciled records from a previous instance")
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
