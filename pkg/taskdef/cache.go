// Package taskdef implements the Task Definition Cache (§4.3): idempotent
// lookup/creation of container task definitions keyed by (image, cpu,
// memory, launch-type, architecture). Resolution order is list-then-match
// then register. A Key already carries CPU in container-service units
// (1024 per vCPU) and memory in mebibytes; this package does no encoding,
// and the callers (pkg/dispatcher, pkg/session) convert from vCPUs and GB.
package taskdef

import (
	"context"
	"fmt"

	"github.com/cuemby/cloudburst/pkg/containersvc"
	"github.com/cuemby/cloudburst/pkg/log"
)

// listLimit bounds how many active revisions are considered before
// registering a new one (§4.3: "bounded, e.g. 10").
const listLimit = 10

// LogConfig names the system log group every registered task definition
// is pointed at.
type LogConfig struct {
	LogGroup      string
	ExecutionRole string
	TaskRole      string
}

// Key identifies a cacheable task definition.
type Key struct {
	ImageRef     string
	CPUUnits     int
	MemoryMiB    int
	LaunchKind   containersvc.LaunchKind
	Architecture containersvc.Architecture
}

func (k Key) family() string {
	arch := "x86"
	if k.Architecture == containersvc.ArchARM64 {
		arch = "arm64"
	}
	kind := "fargate"
	if k.LaunchKind == containersvc.Instance {
		kind = "ec2"
	}
	return fmt.Sprintf("cloudburst-%s-%s-%dcpu-%dmem", kind, arch, k.CPUUnits, k.MemoryMiB)
}

// Cache resolves or creates ECS task definitions for a given key.
type Cache struct {
	svc       containersvc.Client
	logConfig LogConfig
	envKeys   []string
}

// New constructs a Cache. envKeys are the environment variable names every
// registered task definition declares (TASK_ID, BUCKET, REGION — §6.4).
func New(svc containersvc.Client, logConfig LogConfig, envKeys []string) *Cache {
	return &Cache{svc: svc, logConfig: logConfig, envKeys: envKeys}
}

// ResolveOrCreate returns an ARN for a task definition matching key,
// reusing an existing active revision when one matches (R1: idempotent —
// N calls with identical inputs never register more than once).
func (c *Cache) ResolveOrCreate(ctx context.Context, key Key) (string, error) {
	logger := log.WithComponent("taskdef")
	family := key.family()

	arns, err := c.svc.ListTaskDefinitions(ctx, family, listLimit)
	if err != nil {
		return "", err
	}

	for _, arn := range arns {
		spec, err := c.svc.DescribeTaskDefinition(ctx, arn)
		if err != nil {
			continue
		}
		if matches(spec, key) {
			logger.Debug().Str("arn", arn).Msg("reusing existing task definition")
			return arn, nil
		}
	}

	spec := containersvc.TaskDefSpec{
		Family:        family,
		ImageRef:      key.ImageRef,
		CPUUnits:      key.CPUUnits,
		MemoryMiB:     key.MemoryMiB,
		LaunchKind:    key.LaunchKind,
		Architecture:  key.Architecture,
		LogGroup:      c.logConfig.LogGroup,
		ExecutionRole: c.logConfig.ExecutionRole,
		TaskRole:      c.logConfig.TaskRole,
		EnvKeys:       c.envKeys,
	}
	arn, err := c.svc.RegisterTaskDefinition(ctx, spec)
	if err != nil {
		return "", err
	}
	logger.Info().Str("arn", arn).Str("family", family).Msg("registered new task definition")
	return arn, nil
}

func matches(spec *containersvc.TaskDefSpec, key Key) bool {
	if spec.ImageRef != key.ImageRef {
		return false
	}
	if spec.CPUUnits != key.CPUUnits || spec.MemoryMiB != key.MemoryMiB {
		return false
	}
	if spec.LaunchKind != key.LaunchKind {
		return false
	}
	if key.LaunchKind == containersvc.Instance && spec.Architecture != key.Architecture {
		return false
	}
	return true
}
