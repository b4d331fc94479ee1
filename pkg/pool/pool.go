// Package pool implements the Compute Pool Manager (§4.6): an
// auto-scaling group of instance-backed workers bound to an ECS capacity
// provider, used only for Instance launches. EnsurePool, ScaleTo,
// WaitReady, and ScaleToZero are all idempotent with respect to repeated
// calls (R2).
package pool

import (
	"context"
	"time"

	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/log"
)

// Status is the observable state of a pool.
type Status struct {
	Desired                       int
	InService                    int
	RegisteredContainerInstances int
	LaunchTemplateID             string
	ASGName                      string
	CapacityProviderName         string
}

// Spec configures the pool a cluster binds to.
type Spec struct {
	ClusterName     string
	InstanceType    string
	UseSpot         bool
	Subnets         []string
	SecurityGroups  []string
	InstanceProfile string
}

// Manager is the contract the ephemeral dispatcher's warm-pool coupling
// programs against; a real implementation drives EC2 Auto Scaling + ECS,
// a Fake drives in-memory state for tests.
type Manager interface {
	EnsurePool(ctx context.Context, spec Spec) error
	ScaleTo(ctx context.Context, n int) error
	WaitReady(ctx context.Context, n int, timeout time.Duration) error
	ScaleToZero(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// waitPoll is the cadence WaitReady polls both the ASG and the container
// service's registered-instance count (§5).
const waitPoll = 5 * time.Second

// pollUntilReady is AWSManager's WaitReady loop (the Fake does not poll):
// spin until both counts reach n or timeout elapses.
func pollUntilReady(ctx context.Context, timeout time.Duration, check func() (inService, registered int, err error), n int) error {
	deadline := time.Now().Add(timeout)
	logger := log.WithComponent("pool")

	for {
		inService, registered, err := check()
		if err != nil {
			return err
		}
		if inService >= n && registered >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.E(errs.TimedOut, "WaitReady", nil)
		}
		logger.Debug().Int("in_service", inService).Int("registered", registered).Int("want", n).Msg("waiting for pool readiness")

		timer := time.NewTimer(waitPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.E(errs.TimedOut, "WaitReady canceled", ctx.Err())
		case <-timer.C:
		}
	}
}
