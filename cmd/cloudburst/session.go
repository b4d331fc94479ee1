package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/containersvc"
	"github.com/cuemby/cloudburst/pkg/evaluator"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/session"
	"github.com/cuemby/cloudburst/pkg/taskdef"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create, attach to, and drive a long-lived detached session",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new detached session and launch its worker pool",
	RunE:  runSessionCreate,
}

var sessionSubmitCmd = &cobra.Command{
	Use:   "submit <session-id>",
	Short: "Submit one task to an existing session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionSubmit,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show task counts by state for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStatus,
}

var sessionCollectCmd = &cobra.Command{
	Use:   "collect <session-id>",
	Short: "Collect completed task results from a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionCollect,
}

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup <session-id>",
	Short: "Tear a session down",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionCleanup,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

func init() {
	registerClusterFlags(sessionCreateCmd)
	sessionCreateCmd.Flags().Int64("absolute-timeout", 0, "hard wall-clock deadline in seconds for the whole session (0 = none)")

	sessionSubmitCmd.Flags().String("func", "", "registered function name the task calls (required)")
	sessionSubmitCmd.Flags().String("args", "null", "JSON-encoded argument value for the task")
	sessionSubmitCmd.Flags().String("bucket", "", "object store bucket the session uses (required)")
	sessionSubmitCmd.Flags().String("region", "", "cloud provider region")
	_ = sessionSubmitCmd.MarkFlagRequired("func")
	_ = sessionSubmitCmd.MarkFlagRequired("bucket")

	for _, c := range []*cobra.Command{sessionStatusCmd, sessionCollectCmd, sessionCleanupCmd, sessionListCmd} {
		c.Flags().String("bucket", "", "object store bucket the session uses (required)")
		c.Flags().String("region", "", "cloud provider region")
		_ = c.MarkFlagRequired("bucket")
	}

	sessionCollectCmd.Flags().Bool("wait", false, "poll until every task is terminal or --timeout elapses")
	sessionCollectCmd.Flags().Duration("timeout", 5*time.Minute, "max time to wait with --wait")

	sessionCleanupCmd.Flags().Bool("stop-workers", true, "stop the session's worker containers")
	sessionCleanupCmd.Flags().Bool("force", false, "also bulk-delete the session's object-store keys")

	sessionCmd.AddCommand(sessionCreateCmd, sessionSubmitCmd, sessionStatusCmd, sessionCollectCmd, sessionCleanupCmd, sessionListCmd)
}

func runSessionCreate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadClusterConfig(cmd)
	if err != nil {
		return err
	}
	absTimeout, _ := cmd.Flags().GetInt64("absolute-timeout")

	logCfg := taskdef.LogConfig{LogGroup: cfg.LogGroup, ExecutionRole: cfg.ExecutionRole, TaskRole: cfg.TaskRole}
	store, svc, cache, err := sessionClients(cfg.Bucket, cfg.Region, logCfg)
	if err != nil {
		return err
	}

	sess, err := session.CreateSession(cmd.Context(), store, svc, cache, cfg, time.Duration(absTimeout)*time.Second)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), sess.ID())
	return nil
}

func runSessionSubmit(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	funcName, _ := cmd.Flags().GetString("func")
	rawArgs, _ := cmd.Flags().GetString("args")
	bucket, _ := cmd.Flags().GetString("bucket")
	region, _ := cmd.Flags().GetString("region")

	var argVal interface{}
	if err := json.Unmarshal([]byte(rawArgs), &argVal); err != nil {
		return fmt.Errorf("--args: %w", err)
	}
	expr, err := blob.Encode(evaluator.Expr{Func: funcName, Args: argVal})
	if err != nil {
		return fmt.Errorf("encode expr: %w", err)
	}

	store, svc, cache, err := sessionClients(bucket, region, taskdef.LogConfig{})
	if err != nil {
		return err
	}

	sess, err := session.AttachSession(cmd.Context(), store, svc, cache, sessionID)
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}

	taskID, err := sess.Submit(cmd.Context(), expr, nil)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), taskID)
	return nil
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	bucket, _ := cmd.Flags().GetString("bucket")
	region, _ := cmd.Flags().GetString("region")

	store, svc, cache, err := sessionClients(bucket, region, taskdef.LogConfig{})
	if err != nil {
		return err
	}
	sess, err := session.AttachSession(cmd.Context(), store, svc, cache, sessionID)
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}

	stats, err := sess.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return printSessionStatsTable(cmd.OutOrStdout(), sessionID, stats)
}

func runSessionCollect(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	bucket, _ := cmd.Flags().GetString("bucket")
	region, _ := cmd.Flags().GetString("region")
	wait, _ := cmd.Flags().GetBool("wait")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	store, svc, cache, err := sessionClients(bucket, region, taskdef.LogConfig{})
	if err != nil {
		return err
	}
	sess, err := session.AttachSession(cmd.Context(), store, svc, cache, sessionID)
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}

	results, err := sess.Collect(cmd.Context(), wait, timeout)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func runSessionCleanup(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	bucket, _ := cmd.Flags().GetString("bucket")
	region, _ := cmd.Flags().GetString("region")
	stopWorkers, _ := cmd.Flags().GetBool("stop-workers")
	force, _ := cmd.Flags().GetBool("force")

	store, svc, cache, err := sessionClients(bucket, region, taskdef.LogConfig{})
	if err != nil {
		return err
	}
	sess, err := session.AttachSession(cmd.Context(), store, svc, cache, sessionID)
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}

	if err := sess.Cleanup(cmd.Context(), stopWorkers, force); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s cleaned up\n", sessionID)
	return nil
}

func runSessionList(cmd *cobra.Command, _ []string) error {
	bucket, _ := cmd.Flags().GetString("bucket")
	region, _ := cmd.Flags().GetString("region")

	store, _, _, err := sessionClients(bucket, region, taskdef.LogConfig{})
	if err != nil {
		return err
	}

	summaries, err := session.ListSessions(cmd.Context(), store)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	return printSessionListTable(cmd.OutOrStdout(), summaries)
}

// sessionClients builds the object store, container service, and task
// definition cache clients a session command needs. logCfg is the zero
// value for every command but create, which needs a real LogConfig to
// size the task definition it registers for new workers.
func sessionClients(bucket, region string, logCfg taskdef.LogConfig) (objectstore.Client, containersvc.Client, *taskdef.Cache, error) {
	awsSess, err := newAWSSession(region)
	if err != nil {
		return nil, nil, nil, err
	}

	store := objectstore.New(awsSess, bucket)
	svc := containersvc.New(awsSess)
	cache := taskdef.New(svc, logCfg, []string{"TASK_ID", "BUCKET", "REGION"})
	return store, svc, cache, nil
}
