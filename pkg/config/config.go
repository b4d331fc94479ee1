// Package config loads and validates ClusterConfig from flags,
// environment variables, and an optional YAML file, following the
// viper-backed loader pattern used for cluster configuration elsewhere
// in the retrieved corpus (akumar23-fleet's internal/config.Manager).
// It is the only place ClusterConfig is constructed; nothing else in
// this repository reads CLOUDBURST_* environment variables directly.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/types"
)

// validCPUUnits is the fixed vCPU allotment set a worker may request
// (I7, P7).
var validCPUUnits = []float64{0.25, 0.5, 1, 2, 4, 8, 16}

const (
	maxWorkers  = 500
	minMemoryGB = 0.5
	maxMemoryGB = 120
)

// Options is the raw, unvalidated input to Validate, matching the
// recognized configuration set in spec §6.6.
type Options struct {
	Workers          uint32
	CPUUnits         float64
	Memory           string // "NGB", "NMB", or a bare number of GB
	Region           string
	TimeoutS         uint32
	LaunchKind       string // "serverless" or "instance"
	InstanceType     string
	UseSpot          bool
	WarmPoolTimeoutS uint32
	ImageRef         string
	Bucket           string
	ClusterName      string
	Subnets          []string
	SecurityGroups   []string
	AccountID        string
	InstanceProfile  string
	ExecutionRole    string
	TaskRole         string
	LogGroup         string
	ObservedQuota    uint32
}

// Manager loads Options from a YAML file, environment (CLOUDBURST_*
// prefix), and flags bound by the caller, then produces a validated
// ClusterConfig.
type Manager struct {
	v *viper.Viper
}

// NewManager returns a Manager bound to an optional explicit config
// file path; an empty path falls back to viper's default search paths.
func NewManager(configPath string) *Manager {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("cloudburst")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cloudburst")
	}
	v.SetEnvPrefix("CLOUDBURST")
	v.AutomaticEnv()
	v.SetDefault("workers", 1)
	v.SetDefault("cpu_units", 1.0)
	v.SetDefault("memory", "2GB")
	v.SetDefault("launch_kind", "serverless")
	v.SetDefault("architecture", "X86_64")
	v.SetDefault("timeout_s", 300)
	v.SetDefault("warm_pool_timeout_s", 600)
	return &Manager{v: v}
}

// Load reads the bound config file (if any; its absence is not an
// error) and unmarshals it into Options. Flags/env already bound to
// the manager's viper instance take precedence per viper's normal
// resolution order.
func (m *Manager) Load() (Options, error) {
	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Options{}, errs.E(errs.ConfigInvalid, "read config file", err)
		}
	}

	opts := Options{
		Workers:          m.v.GetUint32("workers"),
		CPUUnits:         m.v.GetFloat64("cpu_units"),
		Memory:           m.v.GetString("memory"),
		Region:           m.v.GetString("region"),
		TimeoutS:         m.v.GetUint32("timeout_s"),
		LaunchKind:       m.v.GetString("launch_kind"),
		InstanceType:     m.v.GetString("instance_type"),
		UseSpot:          m.v.GetBool("use_spot"),
		WarmPoolTimeoutS: m.v.GetUint32("warm_pool_timeout_s"),
		ImageRef:         m.v.GetString("image_ref"),
		Bucket:           m.v.GetString("bucket"),
		ClusterName:      m.v.GetString("cluster_name"),
		Subnets:          m.v.GetStringSlice("subnets"),
		SecurityGroups:   m.v.GetStringSlice("security_groups"),
		AccountID:        m.v.GetString("account_id"),
		InstanceProfile:  m.v.GetString("instance_profile"),
		ExecutionRole:    m.v.GetString("execution_role"),
		TaskRole:         m.v.GetString("task_role"),
		LogGroup:         m.v.GetString("log_group"),
		ObservedQuota:    m.v.GetUint32("observed_vcpu_quota"),
	}
	return opts, nil
}

// Viper exposes the underlying viper instance so cmd/cloudburst can bind
// cobra flags to it with BindPFlag without this package importing pflag
// directly.
func (m *Manager) Viper() *viper.Viper { return m.v }

// ParseMemoryGB parses "8GB", "8gb", "8192MB", or a bare number (taken
// as GB) into a float64 number of GB. Satisfies B3.
func ParseMemoryGB(s string) (float64, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)

	switch {
	case strings.HasSuffix(lower, "gb"):
		return parseFloatPrefix(s[:len(s)-2])
	case strings.HasSuffix(lower, "mb"):
		mb, err := parseFloatPrefix(s[:len(s)-2])
		if err != nil {
			return 0, err
		}
		return mb / 1024, nil
	default:
		return parseFloatPrefix(s)
	}
}

func parseFloatPrefix(s string) (float64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errs.E(errs.ConfigInvalid, fmt.Sprintf("memory value %q", s), err)
	}
	return v, nil
}

// Validate applies P7/I6/I7/I8 and produces a ClusterConfig, or a
// ConfigInvalid error naming the first violated rule.
func Validate(opts Options) (types.ClusterConfig, error) {
	if opts.Workers == 0 {
		return types.ClusterConfig{}, errs.E(errs.ConfigInvalid, "workers must be >= 1", nil)
	}
	if opts.Workers > maxWorkers {
		return types.ClusterConfig{}, errs.E(errs.ConfigInvalid, fmt.Sprintf("workers=%d exceeds max %d", opts.Workers, maxWorkers), nil)
	}

	launchKind, err := parseLaunchKind(opts.LaunchKind)
	if err != nil {
		return types.ClusterConfig{}, err
	}

	cfg := types.ClusterConfig{
		Workers:          opts.Workers,
		Region:           opts.Region,
		TimeoutS:         opts.TimeoutS,
		LaunchKind:       launchKind,
		InstanceType:     opts.InstanceType,
		UseSpot:          opts.UseSpot,
		WarmPoolTimeoutS: opts.WarmPoolTimeoutS,
		ImageRef:         opts.ImageRef,
		Bucket:           opts.Bucket,
		ClusterName:      opts.ClusterName,
		Subnets:          opts.Subnets,
		SecurityGroups:   opts.SecurityGroups,
		AccountID:        opts.AccountID,
		InstanceProfile:  opts.InstanceProfile,
		ExecutionRole:    opts.ExecutionRole,
		TaskRole:         opts.TaskRole,
		LogGroup:         opts.LogGroup,
		ObservedVCPUQuota: opts.ObservedQuota,
	}

	memGB, err := ParseMemoryGB(opts.Memory)
	if err != nil {
		return types.ClusterConfig{}, err
	}

	switch launchKind {
	case types.LaunchInstance:
		if opts.InstanceType == "" {
			return types.ClusterConfig{}, errs.E(errs.ConfigInvalid, "instance_type is required for Instance launch_kind", nil)
		}
		spec, ok := instanceSpecs[opts.InstanceType]
		if !ok {
			return types.ClusterConfig{}, errs.E(errs.ConfigInvalid, fmt.Sprintf("unknown instance_type %q", opts.InstanceType), nil)
		}
		// I8: cpu_units/memory_gb are derived from the instance spec, not
		// user-supplied, for Instance launches.
		cfg.CPUUnits = largestValidCPU(spec.VCPUs)
		cfg.MemoryGB = spec.MemoryGB - 0.5
		cfg.Architecture = spec.Architecture
	case types.LaunchServerless:
		if !validCPUUnit(opts.CPUUnits) {
			return types.ClusterConfig{}, errs.E(errs.ConfigInvalid, fmt.Sprintf("cpu_units=%v is not in the allowed set %v", opts.CPUUnits, validCPUUnits), nil)
		}
		if err := validateMemory(memGB, opts.CPUUnits); err != nil {
			return types.ClusterConfig{}, err
		}
		cfg.CPUUnits = opts.CPUUnits
		cfg.MemoryGB = memGB
		cfg.Architecture = types.ArchX86_64
	}

	return cfg, nil
}

func parseLaunchKind(s string) (types.LaunchKind, error) {
	switch strings.ToLower(s) {
	case "", "serverless":
		return types.LaunchServerless, nil
	case "instance":
		return types.LaunchInstance, nil
	default:
		return "", errs.E(errs.ConfigInvalid, fmt.Sprintf("launch_kind %q is not serverless or instance", s), nil)
	}
}

func validCPUUnit(v float64) bool {
	for _, c := range validCPUUnits {
		if c == v {
			return true
		}
	}
	return false
}

func validateMemory(memGB, cpuUnits float64) error {
	if memGB < minMemoryGB || memGB > maxMemoryGB {
		return errs.E(errs.ConfigInvalid, fmt.Sprintf("memory_gb=%v out of range [%v,%v]", memGB, minMemoryGB, maxMemoryGB), nil)
	}
	// Compatibility floor: memory must be able to back at least
	// cpuUnits vCPUs worth of container memory; 1 vCPU needs at least
	// 0.5GB to be schedulable on any launch type observed in the corpus.
	if memGB < cpuUnits*0.5 {
		return errs.E(errs.ConfigInvalid, fmt.Sprintf("memory_gb=%v incompatible with cpu_units=%v", memGB, cpuUnits), nil)
	}
	return nil
}

// instanceSpec describes the resources an EC2-style instance type
// offers, used to auto-size cpu_units/memory_gb/architecture for
// Instance launches (I8).
type instanceSpec struct {
	VCPUs        int
	MemoryGB     float64
	Architecture types.Architecture
}

// instanceSpecs is a small fixed table of common instance types; a real
// deployment would resolve this via the cloud provider's instance-type
// catalog, but the spec treats instance sizing as config-time, not
// runtime, so a static table satisfies I8 without a network call.
var instanceSpecs = map[string]instanceSpec{
	"c6g.xlarge":  {VCPUs: 4, MemoryGB: 8, Architecture: types.ArchARM64},
	"c6g.2xlarge": {VCPUs: 8, MemoryGB: 16, Architecture: types.ArchARM64},
	"c6i.xlarge":  {VCPUs: 4, MemoryGB: 8, Architecture: types.ArchX86_64},
	"c6i.2xlarge": {VCPUs: 8, MemoryGB: 16, Architecture: types.ArchX86_64},
	"m6i.xlarge":  {VCPUs: 4, MemoryGB: 16, Architecture: types.ArchX86_64},
	"m6i.2xlarge": {VCPUs: 8, MemoryGB: 32, Architecture: types.ArchX86_64},
}

// largestValidCPU returns the largest entry of validCPUUnits that does
// not exceed vcpus.
func largestValidCPU(vcpus int) float64 {
	best := validCPUUnits[0]
	for _, c := range validCPUUnits {
		if c <= float64(vcpus) {
			best = c
		}
	}
	return best
}
