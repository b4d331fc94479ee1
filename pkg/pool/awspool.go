package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"

	"github.com/cuemby/cloudburst/pkg/log"
)

// AWSManager manages a named auto-scaling group bound to an ECS capacity
// provider, on a single managed cluster.
type AWSManager struct {
	asg autoscalingiface.AutoScalingAPI
	ecs ecsiface.ECSAPI

	launchTemplateName string
	asgName             string
	capacityProviderName string
}

func New(sess *session.Session, clusterName string) *AWSManager {
	name := clusterName + "-pool"
	return &AWSManager{
		asg:                   autoscaling.New(sess),
		ecs:                   ecs.New(sess),
		launchTemplateName:    name + "-lt",
		asgName:               name + "-asg",
		capacityProviderName:  name + "-cp",
	}
}

// EnsurePool is idempotent: it ensures the launch template, the ASG, and
// the capacity provider association all exist, creating whichever are
// missing (R2).
func (m *AWSManager) EnsurePool(ctx context.Context, spec Spec) error {
	logger := log.WithComponent("pool")

	if err := m.ensureLaunchTemplate(ctx, spec); err != nil {
		return err
	}
	if err := m.ensureASG(ctx, spec); err != nil {
		return err
	}
	if err := m.ensureCapacityProvider(ctx, spec.ClusterName); err != nil {
		return err
	}
	logger.Info().Str("asg", m.asgName).Msg("pool ensured")
	return nil
}

func (m *AWSManager) ensureLaunchTemplate(ctx context.Context, spec Spec) error {
	_, err := m.asg.DescribeLaunchConfigurationsWithContext(ctx, &autoscaling.DescribeLaunchConfigurationsInput{
		LaunchConfigurationNames: []*string{aws.String(m.launchTemplateName)},
	})
	if err == nil {
		return nil
	}

	userData := fmt.Sprintf("#!/bin/bash\necho ECS_CLUSTER=%s >> /etc/ecs/ecs.config\n", spec.ClusterName)
	marketOptions := ""
	if spec.UseSpot {
		marketOptions = "one-time"
	}
	_ = marketOptions // not sent to AWS: the pool is built on a launch configuration, whose only spot setting is SpotPrice below.

	_, err = m.asg.CreateLaunchConfigurationWithContext(ctx, &autoscaling.CreateLaunchConfigurationInput{
		LaunchConfigurationName: aws.String(m.launchTemplateName),
		InstanceType:            aws.String(spec.InstanceType),
		IamInstanceProfile:      aws.String(spec.InstanceProfile),
		SecurityGroups:          aws.StringSlice(spec.SecurityGroups),
		UserData:                aws.String(userData),
		SpotPrice:               spotPrice(spec.UseSpot),
	})
	return err
}

func spotPrice(useSpot bool) *string {
	if !useSpot {
		return nil
	}
	// A non-empty SpotPrice requests the spot market; leaving it to the
	// account's on-demand equivalent price lets AWS pick the clearing
	// price rather than pinning one here.
	return aws.String("")
}

func (m *AWSManager) ensureASG(ctx context.Context, spec Spec) error {
	out, err := m.asg.DescribeAutoScalingGroupsWithContext(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []*string{aws.String(m.asgName)},
	})
	if err == nil && len(out.AutoScalingGroups) > 0 {
		return nil
	}

	_, err = m.asg.CreateAutoScalingGroupWithContext(ctx, &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName:    aws.String(m.asgName),
		LaunchConfigurationName: aws.String(m.launchTemplateName),
		MinSize:                 aws.Int64(0),
		MaxSize:                 aws.Int64(500),
		DesiredCapacity:         aws.Int64(0),
		VPCZoneIdentifier:       aws.String(strings.Join(spec.Subnets, ",")),
		NewInstancesProtectedFromScaleIn: aws.Bool(true),
	})
	return err
}

func (m *AWSManager) ensureCapacityProvider(ctx context.Context, clusterName string) error {
	out, err := m.ecs.DescribeCapacityProvidersWithContext(ctx, &ecs.DescribeCapacityProvidersInput{
		CapacityProviders: []*string{aws.String(m.capacityProviderName)},
	})
	if err != nil {
		return fmt.Errorf("describe capacity provider %s: %w", m.capacityProviderName, err)
	}

	if len(out.CapacityProviders) == 0 {
		_, err = m.ecs.CreateCapacityProviderWithContext(ctx, &ecs.CreateCapacityProviderInput{
			Name: aws.String(m.capacityProviderName),
			AutoScalingGroupProvider: &ecs.AutoScalingGroupProvider{
				AutoScalingGroupArn: aws.String(m.asgName),
				ManagedScaling: &ecs.ManagedScaling{
					Status:         aws.String(ecs.ManagedScalingStatusEnabled),
					TargetCapacity: aws.Int64(100),
				},
			},
		})
		if err != nil {
			if aerr, ok := err.(awserr.Error); ok && aerr.Code() == ecs.ErrCodeResourceInUseException {
				// Lost the create race to a concurrent caller; the provider
				// exists now, which is what we wanted.
			} else {
				return fmt.Errorf("create capacity provider %s: %w", m.capacityProviderName, err)
			}
		}
	}

	_, err = m.ecs.PutClusterCapacityProvidersWithContext(ctx, &ecs.PutClusterCapacityProvidersInput{
		Cluster:            aws.String(clusterName),
		CapacityProviders:  []*string{aws.String(m.capacityProviderName)},
		DefaultCapacityProviderStrategy: []*ecs.CapacityProviderStrategyItem{
			{CapacityProvider: aws.String(m.capacityProviderName), Weight: aws.Int64(1)},
		},
	})
	return err
}

func (m *AWSManager) ScaleTo(ctx context.Context, n int) error {
	_, err := m.asg.SetDesiredCapacityWithContext(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(m.asgName),
		DesiredCapacity:      aws.Int64(int64(n)),
	})
	return err
}

func (m *AWSManager) ScaleToZero(ctx context.Context) error {
	return m.ScaleTo(ctx, 0)
}

func (m *AWSManager) WaitReady(ctx context.Context, n int, timeout time.Duration) error {
	return pollUntilReady(ctx, timeout, func() (int, int, error) {
		st, err := m.Status(ctx)
		if err != nil {
			return 0, 0, err
		}
		return st.InService, st.RegisteredContainerInstances, nil
	}, n)
}

func (m *AWSManager) Status(ctx context.Context) (Status, error) {
	out, err := m.asg.DescribeAutoScalingGroupsWithContext(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []*string{aws.String(m.asgName)},
	})
	if err != nil {
		return Status{}, err
	}
	st := Status{ASGName: m.asgName, CapacityProviderName: m.capacityProviderName, LaunchTemplateID: m.launchTemplateName}
	if len(out.AutoScalingGroups) == 0 {
		return st, nil
	}
	asg := out.AutoScalingGroups[0]
	st.Desired = int(aws.Int64Value(asg.DesiredCapacity))
	for _, inst := range asg.Instances {
		if aws.StringValue(inst.LifecycleState) == autoscaling.LifecycleStateInService {
			st.InService++
		}
	}

	registered, err := m.countRegisteredInstances(ctx)
	if err != nil {
		return st, err
	}
	st.RegisteredContainerInstances = registered
	return st, nil
}

func (m *AWSManager) countRegisteredInstances(ctx context.Context) (int, error) {
	out, err := m.ecs.DescribeClustersWithContext(ctx, &ecs.DescribeClustersInput{})
	if err != nil {
		return 0, err
	}
	if len(out.Clusters) == 0 {
		return 0, nil
	}
	return int(aws.Int64Value(out.Clusters[0].RegisteredContainerInstancesCount)), nil
}

var _ Manager = (*AWSManager)(nil)
