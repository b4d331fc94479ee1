package main

import (
	"github.com/spf13/cobra"

	"github.com/cuemby/cloudburst/pkg/config"
	"github.com/cuemby/cloudburst/pkg/types"
)

// registerClusterFlags registers the spec §6.6 configuration options on
// cmd. Called from each subcommand's init(), before cobra parses args,
// so the flags exist by the time Execute runs RunE.
func registerClusterFlags(cmd *cobra.Command) {
	cmd.Flags().Uint32("workers", 1, "number of workers to run (W)")
	cmd.Flags().Float64("cpu", 1.0, "vCPU units per worker (serverless launch only)")
	cmd.Flags().String("memory", "2GB", "memory per worker, e.g. 2GB or 2048MB")
	cmd.Flags().String("region", "", "cloud provider region")
	cmd.Flags().Uint32("timeout", 300, "per-task timeout in seconds")
	cmd.Flags().String("launch-type", "serverless", "serverless or instance")
	cmd.Flags().String("instance-type", "", "instance type, required when launch-type=instance")
	cmd.Flags().Bool("use-spot", false, "use spot/preemptible instances when launch-type=instance")
	cmd.Flags().Uint32("warm-pool-timeout", 600, "seconds an idle instance pool is kept warm before scale-to-zero")
	cmd.Flags().String("image", "", "container image reference workers run")
	cmd.Flags().String("bucket", "", "object store bucket used as the task/result exchange")
	cmd.Flags().String("cluster-name", "", "container service cluster name")
	cmd.Flags().StringSlice("subnets", nil, "subnet ids for launched containers")
	cmd.Flags().StringSlice("security-groups", nil, "security group ids for launched containers")
	cmd.Flags().String("account-id", "", "cloud account id")
	cmd.Flags().String("instance-profile", "", "instance profile for Instance launches")
	cmd.Flags().String("execution-role", "", "container execution role ARN")
	cmd.Flags().String("task-role", "", "container task role ARN")
	cmd.Flags().String("log-group", "", "log group workers ship stdout to")
	cmd.Flags().Uint32("observed-quota", 0, "observed provider vCPU concurrency quota (0 disables quota-limited dispatch)")
}

// bindClusterFlags binds cmd's already-parsed cluster flags to m's
// viper instance, so flags take precedence over the config file and
// environment per viper's normal resolution order.
func bindClusterFlags(cmd *cobra.Command, m *config.Manager) {
	v := m.Viper()

	_ = v.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	_ = v.BindPFlag("cpu_units", cmd.Flags().Lookup("cpu"))
	_ = v.BindPFlag("memory", cmd.Flags().Lookup("memory"))
	_ = v.BindPFlag("region", cmd.Flags().Lookup("region"))
	_ = v.BindPFlag("timeout_s", cmd.Flags().Lookup("timeout"))
	_ = v.BindPFlag("launch_kind", cmd.Flags().Lookup("launch-type"))
	_ = v.BindPFlag("instance_type", cmd.Flags().Lookup("instance-type"))
	_ = v.BindPFlag("use_spot", cmd.Flags().Lookup("use-spot"))
	_ = v.BindPFlag("warm_pool_timeout_s", cmd.Flags().Lookup("warm-pool-timeout"))
	_ = v.BindPFlag("image_ref", cmd.Flags().Lookup("image"))
	_ = v.BindPFlag("bucket", cmd.Flags().Lookup("bucket"))
	_ = v.BindPFlag("cluster_name", cmd.Flags().Lookup("cluster-name"))
	_ = v.BindPFlag("subnets", cmd.Flags().Lookup("subnets"))
	_ = v.BindPFlag("security_groups", cmd.Flags().Lookup("security-groups"))
	_ = v.BindPFlag("account_id", cmd.Flags().Lookup("account-id"))
	_ = v.BindPFlag("instance_profile", cmd.Flags().Lookup("instance-profile"))
	_ = v.BindPFlag("execution_role", cmd.Flags().Lookup("execution-role"))
	_ = v.BindPFlag("task_role", cmd.Flags().Lookup("task-role"))
	_ = v.BindPFlag("log_group", cmd.Flags().Lookup("log-group"))
	_ = v.BindPFlag("observed_vcpu_quota", cmd.Flags().Lookup("observed-quota"))
}

// loadClusterConfig builds a validated ClusterConfig from cmd's bound
// flags, an optional --config file, and CLOUDBURST_* environment
// variables.
func loadClusterConfig(cmd *cobra.Command) (types.ClusterConfig, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	m := config.NewManager(configPath)
	bindClusterFlags(cmd, m)

	opts, err := m.Load()
	if err != nil {
		return types.ClusterConfig{}, err
	}
	return config.Validate(opts)
}
