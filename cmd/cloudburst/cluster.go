package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/dispatcher"
	"github.com/cuemby/cloudburst/pkg/evaluator"
	"github.com/cuemby/cloudburst/pkg/log"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Run a one-shot ephemeral cluster.Map over a batch of tasks",
}

var clusterMapCmd = &cobra.Command{
	Use:   "map",
	Short: "Submit one task per --args value and block for every result",
	Long: `map implements the thin-wrapper cluster.Map(xs, fn) API: each
--args value becomes one task calling --func, launched on an ephemeral
cluster that tears itself down once every result is collected.`,
	RunE: runClusterMap,
}

func init() {
	registerClusterFlags(clusterMapCmd)
	clusterMapCmd.Flags().String("func", "", "registered function name every task calls (required)")
	clusterMapCmd.Flags().StringArray("args", nil, "JSON-encoded argument value for one task; repeat per task (required)")
	_ = clusterMapCmd.MarkFlagRequired("func")
	_ = clusterMapCmd.MarkFlagRequired("args")

	clusterCmd.AddCommand(clusterMapCmd)
}

func runClusterMap(cmd *cobra.Command, _ []string) error {
	cfg, err := loadClusterConfig(cmd)
	if err != nil {
		return err
	}

	funcName, _ := cmd.Flags().GetString("func")
	rawArgs, _ := cmd.Flags().GetStringArray("args")
	cacheDir, _ := cmd.Root().PersistentFlags().GetString("cache-dir")

	exprs := make([][]byte, len(rawArgs))
	for i, raw := range rawArgs {
		var argVal interface{}
		if err := json.Unmarshal([]byte(raw), &argVal); err != nil {
			return fmt.Errorf("--args[%d]: %w", i, err)
		}
		expr, err := blob.Encode(evaluator.Expr{Func: funcName, Args: argVal})
		if err != nil {
			return fmt.Errorf("encode expr for --args[%d]: %w", i, err)
		}
		exprs[i] = expr
	}

	logger := log.WithClusterID(cfg.ClusterName)
	logger.Info().Int("tasks", len(exprs)).Msg("creating cluster for map")

	cluster, err := dispatcher.CreateCluster(cfg, cacheDir)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TimeoutS)*time.Second*4)
	defer cancel()

	results, err := cluster.Map(ctx, exprs, nil, int64(cfg.TimeoutS))
	if cleanupErr := cluster.Cleanup(context.Background()); cleanupErr != nil {
		logger.Warn().Err(cleanupErr).Msg("cluster cleanup failed")
		fmt.Fprintf(os.Stderr, "warning: cluster cleanup failed: %v\n", cleanupErr)
	}
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}

	return printResultTable(cmd.OutOrStdout(), results)
}
